// Package eventlog 只追加的事件日志，是独立 worker 向其它进程传递历史的唯一通道。
//
// 每行一条 JSON 记录。文件可能被外部轮转或截断，读端必须容忍：
// 偏移量超出文件大小时从头读，半行不消费，无法解析的行跳过。
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/idGuard/internal/model"
)

// Log 事件日志文件
type Log struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
}

// Open maxBytes<=0 表示不自动轮转
func Open(path string, maxBytes int64) *Log {
	return &Log{path: path, maxBytes: maxBytes}
}

func (l *Log) Path() string { return l.path }

// Append 每次都重新以 O_APPEND 打开，外部 rename 轮转后自动写到新文件
func (l *Log) Append(ev model.InterceptionEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxBytes > 0 {
		if info, err := os.Stat(l.path); err == nil && info.Size()+int64(len(line)) > l.maxBytes {
			// 只保留一代，读端通过偏移回退感知
			if err := os.Rename(l.path, l.path+".1"); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("rotate event log: %w", err)
			}
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Size 当前文件大小，不存在时为 0
func Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadFrom 从 offset 开始读完整的行，返回事件和下一次的偏移量
func ReadFrom(path string, offset int64) ([]model.InterceptionEvent, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if offset < 0 || offset > info.Size() {
		// 被截断或轮转过
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var events []model.InterceptionEvent
	r := bufio.NewReader(f)
	next := offset
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			next += int64(len(line))
			if ev, ok := ParseLine(line); ok {
				events = append(events, ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return events, next, err
		}
	}
	return events, next, nil
}

// ReadAll 读整个文件
func ReadAll(path string) ([]model.InterceptionEvent, error) {
	events, _, err := ReadFrom(path, 0)
	return events, err
}

// Tail 最后 n 条事件
func Tail(path string, n int) ([]model.InterceptionEvent, error) {
	events, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// ParseLine 解析一行。旧版本写的是自由文本，按稳定子串推断类型
func ParseLine(line []byte) (model.InterceptionEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return model.InterceptionEvent{}, false
	}
	if line[0] == '{' {
		var ev model.InterceptionEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Kind == "" {
			return model.InterceptionEvent{}, false
		}
		return ev, true
	}
	return parseLegacy(string(line))
}

var legacyKinds = []struct {
	substr string
	kind   model.EventKind
}{
	{"backup", model.EventBackupRemoved},
	{"restored", model.EventFileRestored},
	{"purged", model.EventDBRowPurged},
	{"drift", model.EventDriftDetected},
	{"modification detected", model.EventDriftDetected},
}

func parseLegacy(line string) (model.InterceptionEvent, bool) {
	lower := strings.ToLower(line)
	for _, lk := range legacyKinds {
		if strings.Contains(lower, lk.substr) {
			ev := model.InterceptionEvent{Kind: lk.kind, Detail: line}
			// 旧格式: [2006-01-02T15:04:05.000Z] message
			if strings.HasPrefix(line, "[") {
				if end := strings.Index(line, "]"); end > 0 {
					if ts, err := time.Parse(time.RFC3339Nano, line[1:end]); err == nil {
						ev.Timestamp = ts
						ev.Detail = strings.TrimSpace(line[end+1:])
					}
				}
			}
			return ev, true
		}
	}
	return model.InterceptionEvent{}, false
}

// Summary 某个会话的统计与健康状态
type Summary struct {
	Stats    model.Stats
	Degraded bool
	Started  *model.InterceptionEvent
	Stopped  bool
}

// Add 累加一条事件，用于增量汇总
func (s *Summary) Add(ev model.InterceptionEvent) {
	if !ev.Kind.IsLifecycle() {
		s.Stats.Add(ev)
		return
	}
	switch ev.Kind {
	case model.EventDegraded:
		s.Degraded = true
	case model.EventRecovered:
		s.Degraded = false
	case model.EventWorkerStarted:
		e := ev
		s.Started = &e
		s.Stopped = false
	case model.EventWorkerStopped:
		s.Stopped = true
	}
}

// Fold 把属于 sessionID 的事件累加进汇总。sessionID 为空时汇总全部
func (s *Summary) Fold(events []model.InterceptionEvent, sessionID string) {
	for _, ev := range events {
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		s.Add(ev)
	}
}
