package eventlog

import (
	"sync"
	"time"

	"github.com/Hara602/idGuard/internal/model"
)

// Appender Enforcer 写事件的唯一入口
type Appender interface {
	Append(ev model.InterceptionEvent) error
}

// Journal 落盘 + 广播 + 内存统计
type Journal struct {
	log       *Log
	bus       *Bus
	sessionID string
	pid       int

	mu    sync.Mutex
	stats model.Stats
	now   func() time.Time
}

func NewJournal(log *Log, bus *Bus, sessionID string, pid int) *Journal {
	return &Journal{log: log, bus: bus, sessionID: sessionID, pid: pid, now: time.Now}
}

// Append 补全时间戳和会话信息后写入。落盘失败时仍然广播和计数，返回错误由调用方记录
func (j *Journal) Append(ev model.InterceptionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now().UTC()
	}
	if ev.SessionID == "" {
		ev.SessionID = j.sessionID
	}
	if ev.PID == 0 {
		ev.PID = j.pid
	}

	var err error
	if j.log != nil {
		err = j.log.Append(ev)
	}

	j.mu.Lock()
	j.stats.Add(ev)
	j.mu.Unlock()

	if j.bus != nil {
		j.bus.Publish(ev)
	}
	return err
}

func (j *Journal) Stats() model.Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.stats
	if s.LastEvent != nil {
		e := *s.LastEvent
		s.LastEvent = &e
	}
	return s
}
