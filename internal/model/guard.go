package model

import (
	"errors"
	"time"
)

// TargetIdentity 守护会话的目标身份，会话期间不可变
type TargetIdentity struct {
	DeviceID     string
	SelectedHost string
}

func (t TargetIdentity) Validate() error {
	if t.DeviceID == "" {
		return errors.New("target deviceId is empty")
	}
	if t.SelectedHost == "" {
		return errors.New("target host is empty")
	}
	return nil
}

// Monitors 启用的监控类别
type Monitors struct {
	File     bool
	Backup   bool
	Database bool
}

// AllMonitors 默认全部启用
func AllMonitors() Monitors { return Monitors{File: true, Backup: true, Database: true} }

// GuardOptions 对应配置文件里的 "options"
type GuardOptions struct {
	SelectedIDE              string `json:"selectedIDE"`
	EnableBackupMonitoring   bool   `json:"enableBackupMonitoring"`
	EnableDatabaseMonitoring bool   `json:"enableDatabaseMonitoring"`
	// 旧版配置没有这个字段，缺省视为开启
	EnableFileMonitoring *bool `json:"enableFileMonitoring,omitempty"`
}

// GuardConfig 启动时写入临时目录，worker 启动时读取，停止时删除
type GuardConfig struct {
	DeviceID  string       `json:"deviceId"`
	Options   GuardOptions `json:"options"`
	StartTime int64        `json:"startTime"` // epoch ms
	HostPID   int          `json:"hostPid,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
}

// NewGuardConfig 由目标身份和监控集合组装配置
func NewGuardConfig(target TargetIdentity, mon Monitors, sessionID string, hostPID int, now time.Time) GuardConfig {
	file := mon.File
	return GuardConfig{
		DeviceID: target.DeviceID,
		Options: GuardOptions{
			SelectedIDE:              target.SelectedHost,
			EnableBackupMonitoring:   mon.Backup,
			EnableDatabaseMonitoring: mon.Database,
			EnableFileMonitoring:     &file,
		},
		StartTime: now.UnixMilli(),
		HostPID:   hostPID,
		SessionID: sessionID,
	}
}

func (c GuardConfig) Target() TargetIdentity {
	return TargetIdentity{DeviceID: c.DeviceID, SelectedHost: c.Options.SelectedIDE}
}

func (c GuardConfig) Monitors() Monitors {
	file := true
	if c.Options.EnableFileMonitoring != nil {
		file = *c.Options.EnableFileMonitoring
	}
	return Monitors{
		File:     file,
		Backup:   c.Options.EnableBackupMonitoring,
		Database: c.Options.EnableDatabaseMonitoring,
	}
}

func (c GuardConfig) Started() time.Time { return time.UnixMilli(c.StartTime) }

// ProcessHandle worker 进程句柄，必须和进程表核对后才可信
type ProcessHandle struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
}

// GuardMode 守护运行模式
type GuardMode string

const (
	ModeNone       GuardMode = "none"
	ModeInProcess  GuardMode = "inProcess"
	ModeStandalone GuardMode = "standalone"
)

// GuardStatus 汇总后的状态
type GuardStatus struct {
	IsGuarding   bool      `json:"isGuarding"`
	Mode         GuardMode `json:"mode"`
	PID          int       `json:"pid,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	SelectedHost string    `json:"selectedHost,omitempty"`
	StartTime    time.Time `json:"startTime,omitempty"`
	Stats        Stats     `json:"stats"`
	Stale        bool      `json:"stale,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	DetectedBy   string    `json:"detectedBy,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
}

// IdentityFunc 由 deviceId 推导某个身份字段的期望值。指纹算法由外部提供
type IdentityFunc func(deviceID, field string) string

// PlainIdentity 所有字段都等于 deviceId
func PlainIdentity(deviceID, _ string) string { return deviceID }
