// Package config 守护进程的运行参数 (YAML) 和宿主应用路径解析。
// 会话级的 GuardConfig (JSON) 在 registry 包里读写。
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DB 规则动作
const (
	ActionUpdate = "update"
	ActionPurge  = "purge"
)

// DBRule 内嵌数据库中受控的行，Pattern 为 SQL LIKE 模式
type DBRule struct {
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
}

// Host 某个宿主应用的受控工件
type Host struct {
	RecordFile     string   `yaml:"record_file"`
	DatabaseFile   string   `yaml:"database_file"`
	IdentityFields []string `yaml:"identity_fields"`
	// 相对记录文件名的 glob，{base} 会替换成记录文件名
	BackupPatterns []string `yaml:"backup_patterns"`
	SwapSuffixes   []string `yaml:"swap_suffixes"`
	DBTable        string   `yaml:"db_table"`
	DBRules        []DBRule `yaml:"db_rules"`
	// 批量修改后需要原样回写的行 (LIKE 模式)
	ProtectedKeys []string `yaml:"protected_keys"`
}

// Settings 守护循环参数
type Settings struct {
	PollInterval              time.Duration
	StartGrace                time.Duration
	StopTimeout               time.Duration
	DBTimeout                 time.Duration
	PermissionDeniedThreshold int
	EventLogMaxBytes          int64
	NativeHints               bool
	Hosts                     map[string]Host
}

// Defaults 默认参数，轮询 1.5s
func Defaults() Settings {
	return Settings{
		PollInterval:              1500 * time.Millisecond,
		StartGrace:                5 * time.Second,
		StopTimeout:               5 * time.Second,
		DBTimeout:                 2 * time.Second,
		PermissionDeniedThreshold: 5,
		EventLogMaxBytes:          4 << 20,
		NativeHints:               true,
		Hosts:                     builtinHosts(),
	}
}

// Load 读取 YAML 设置文件，缺省字段用默认值补齐。path 为空时直接返回默认值
func Load(path string) (Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}

	var file fileSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	s.merge(file)
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// fileSettings 设置文件的形状，bool 用指针区分"未填写"
type fileSettings struct {
	PollInterval              time.Duration   `yaml:"poll_interval"`
	StartGrace                time.Duration   `yaml:"start_grace"`
	StopTimeout               time.Duration   `yaml:"stop_timeout"`
	DBTimeout                 time.Duration   `yaml:"db_timeout"`
	PermissionDeniedThreshold int             `yaml:"permission_denied_threshold"`
	EventLogMaxBytes          int64           `yaml:"event_log_max_bytes"`
	NativeHints               *bool           `yaml:"native_hints"`
	Hosts                     map[string]Host `yaml:"hosts"`
}

func (s *Settings) merge(o fileSettings) {
	if o.PollInterval > 0 {
		s.PollInterval = o.PollInterval
	}
	if o.StartGrace > 0 {
		s.StartGrace = o.StartGrace
	}
	if o.StopTimeout > 0 {
		s.StopTimeout = o.StopTimeout
	}
	if o.DBTimeout > 0 {
		s.DBTimeout = o.DBTimeout
	}
	if o.PermissionDeniedThreshold > 0 {
		s.PermissionDeniedThreshold = o.PermissionDeniedThreshold
	}
	if o.EventLogMaxBytes > 0 {
		s.EventLogMaxBytes = o.EventLogMaxBytes
	}
	if o.NativeHints != nil {
		s.NativeHints = *o.NativeHints
	}
	for key, h := range o.Hosts {
		base, ok := s.Hosts[key]
		if !ok {
			base = defaultHostShape()
		}
		s.Hosts[key] = base.overlay(h)
	}
}

// Validate 检查参数合法性
func (s Settings) Validate() error {
	if s.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll_interval %v too small", s.PollInterval)
	}
	for key, h := range s.Hosts {
		if h.RecordFile == "" && h.DatabaseFile == "" {
			return fmt.Errorf("host %q: neither record_file nor database_file set", key)
		}
		for _, r := range h.DBRules {
			if r.Action != ActionUpdate && r.Action != ActionPurge {
				return fmt.Errorf("host %q: db rule %q: unknown action %q", key, r.Pattern, r.Action)
			}
			if strings.TrimSpace(strings.Trim(r.Pattern, "%")) == "" {
				// 只有 % 的模式等于全表操作，绝不允许
				return fmt.Errorf("host %q: db rule pattern %q is unscoped", key, r.Pattern)
			}
		}
	}
	return nil
}

var ErrUnknownHost = errors.New("unknown host application")

// Resolve 宿主路径解析
func (s Settings) Resolve(key string) (Host, error) {
	h, ok := s.Hosts[key]
	if !ok {
		return Host{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownHost, key, strings.Join(s.HostKeys(), ", "))
	}
	return h, nil
}

func (s Settings) HostKeys() []string {
	keys := make([]string, 0, len(s.Hosts))
	for k := range s.Hosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h Host) overlay(o Host) Host {
	if o.RecordFile != "" {
		h.RecordFile = o.RecordFile
	}
	if o.DatabaseFile != "" {
		h.DatabaseFile = o.DatabaseFile
	}
	if len(o.IdentityFields) > 0 {
		h.IdentityFields = o.IdentityFields
	}
	if len(o.BackupPatterns) > 0 {
		h.BackupPatterns = o.BackupPatterns
	}
	if len(o.SwapSuffixes) > 0 {
		h.SwapSuffixes = o.SwapSuffixes
	}
	if o.DBTable != "" {
		h.DBTable = o.DBTable
	}
	if len(o.DBRules) > 0 {
		h.DBRules = o.DBRules
	}
	if len(o.ProtectedKeys) > 0 {
		h.ProtectedKeys = o.ProtectedKeys
	}
	return h
}
