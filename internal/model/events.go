package model

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactKind 被监控的工件类别
type ArtifactKind string

const (
	ArtifactRecord   ArtifactKind = "record"   // 主身份记录文件 (storage.json)
	ArtifactSwap     ArtifactKind = "swap"     // 编辑器写入时产生的临时交换文件
	ArtifactBackup   ArtifactKind = "backup"   // 轮转备份文件
	ArtifactDatabase ArtifactKind = "database" // 内嵌 KV 数据库 (state.vscdb)
)

// DriftEvent Watcher 发现的一次偏离，交给 Enforcer 处理
type DriftEvent struct {
	Artifact ArtifactKind
	Path     string
	Key      string // 数据库行的 key 或记录中的字段名，可为空
	Observed string // 观察到的值，仅用于日志
}

func (d DriftEvent) String() string {
	if d.Key != "" {
		return fmt.Sprintf("%s drift at %s [%s]", d.Artifact, d.Path, d.Key)
	}
	return fmt.Sprintf("%s drift at %s", d.Artifact, d.Path)
}

// EventKind 拦截事件类型
type EventKind string

const (
	EventDriftDetected EventKind = "driftDetected"
	EventFileRestored  EventKind = "fileRestored"
	EventBackupRemoved EventKind = "backupRemoved"
	EventSwapRemoved   EventKind = "swapRemoved"
	EventDBRowRestored EventKind = "dbRowRestored"
	EventDBRowPurged   EventKind = "dbRowPurged"

	// 生命周期事件，不计入拦截统计
	EventWorkerStarted EventKind = "workerStarted"
	EventWorkerStopped EventKind = "workerStopped"
	EventDegraded      EventKind = "degraded"
	EventRecovered     EventKind = "recovered"
)

// IsLifecycle 是否为生命周期事件
func (k EventKind) IsLifecycle() bool {
	switch k {
	case EventWorkerStarted, EventWorkerStopped, EventDegraded, EventRecovered:
		return true
	}
	return false
}

// InterceptionEvent 事件日志中的一条记录，每行一个 JSON
type InterceptionEvent struct {
	Timestamp time.Time    `json:"ts"`
	Kind      EventKind    `json:"kind"`
	Artifact  ArtifactKind `json:"artifact,omitempty"`
	Path      string       `json:"path,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	SessionID string       `json:"session,omitempty"`
	PID       int          `json:"pid,omitempty"`
	// 只在 workerStarted 上填写，配置文件丢失时 status 靠它找回目标
	DeviceID string `json:"deviceId,omitempty"`
	Host     string `json:"host,omitempty"`
}

var eventIcons = map[EventKind]string{
	EventDriftDetected: "⚠️",
	EventFileRestored:  "🛡️",
	EventBackupRemoved: "🗑️",
	EventSwapRemoved:   "🗑️",
	EventDBRowRestored: "🛡️",
	EventDBRowPurged:   "🧹",
	EventWorkerStarted: "▶️",
	EventWorkerStopped: "⏹️",
	EventDegraded:      "🚨",
	EventRecovered:     "✅",
}

// String 给运维看的文本格式
func (e InterceptionEvent) String() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Timestamp.Local().Format("2006-01-02 15:04:05"))
	b.WriteString("] ")
	if icon, ok := eventIcons[e.Kind]; ok {
		b.WriteString(icon)
		b.WriteString(" ")
	}
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Stats 拦截统计
type Stats struct {
	DriftDetected  int                `json:"driftDetected"`
	FilesRestored  int                `json:"filesRestored"`
	BackupsRemoved int                `json:"backupsRemoved"`
	SwapsRemoved   int                `json:"swapsRemoved"`
	RowsRestored   int                `json:"rowsRestored"`
	RowsPurged     int                `json:"rowsPurged"`
	LastEvent      *InterceptionEvent `json:"lastEvent,omitempty"`
}

// Add 把一条事件计入统计，生命周期事件被忽略
func (s *Stats) Add(ev InterceptionEvent) {
	switch ev.Kind {
	case EventDriftDetected:
		s.DriftDetected++
	case EventFileRestored:
		s.FilesRestored++
	case EventBackupRemoved:
		s.BackupsRemoved++
	case EventSwapRemoved:
		s.SwapsRemoved++
	case EventDBRowRestored:
		s.RowsRestored++
	case EventDBRowPurged:
		s.RowsPurged++
	default:
		return
	}
	e := ev
	s.LastEvent = &e
}

// Total 所有拦截次数之和
func (s Stats) Total() int {
	return s.DriftDetected + s.FilesRestored + s.BackupsRemoved + s.SwapsRemoved + s.RowsRestored + s.RowsPurged
}

// FileEvent 原生文件系统通知，只作为提前采样的提示
type FileEvent struct {
	FilePath  string
	Operation string // "CREATE", "WRITE", "REMOVE", "RENAME", "CHMOD"
	TimeStamp time.Time
}
