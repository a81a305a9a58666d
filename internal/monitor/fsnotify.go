package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/idGuard/internal/model"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type fsMonitor struct {
	watcher *fsnotify.Watcher
	filter  Filter
	events  chan model.FileEvent
	log     *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newFSMonitor(filter Filter) (*fsMonitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify init failed: %w", err)
	}
	return &fsMonitor{
		watcher: w,
		filter:  filter,
		// 提示可以合并，缓冲很小即可
		events: make(chan model.FileEvent, 16),
		log:    zap.NewNop(),
		stop:   make(chan struct{}),
	}, nil
}

// WithLogger 设置日志
func WithLogger(m FileMonitor, l *zap.Logger) FileMonitor {
	if fm, ok := m.(*fsMonitor); ok && l != nil {
		fm.log = l.Named("monitor")
	}
	return m
}

func (m *fsMonitor) AddWatch(dir string) error {
	return m.watcher.Add(dir)
}

func (m *fsMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case ev, ok := <-m.watcher.Events:
				if !ok {
					return
				}
				// 只改权限/时间戳的事件不算内容变化，sqlite 打开连接时也会产生
				if ev.Op == fsnotify.Chmod {
					continue
				}
				name := filepath.Base(ev.Name)
				if m.filter != nil && !m.filter(name) {
					continue
				}
				fe := model.FileEvent{FilePath: ev.Name, Operation: opString(ev.Op), TimeStamp: time.Now()}
				select {
				case m.events <- fe:
				default:
					// 队列满说明下一个周期已经会被触发
				}
			case err, ok := <-m.watcher.Errors:
				if !ok {
					return
				}
				// 忽略底层错误，继续监听
				m.log.Debug("fsnotify error", zap.Error(err))
			}
		}
	}()
}

func (m *fsMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.watcher.Close()
		m.wg.Wait()
	})
}

func (m *fsMonitor) Events() <-chan model.FileEvent { return m.events }

func opString(op fsnotify.Op) string {
	var ops []string
	if op.Has(fsnotify.Create) {
		ops = append(ops, "CREATE")
	}
	if op.Has(fsnotify.Write) {
		ops = append(ops, "WRITE")
	}
	if op.Has(fsnotify.Remove) {
		ops = append(ops, "REMOVE")
	}
	if op.Has(fsnotify.Rename) {
		ops = append(ops, "RENAME")
	}
	if op.Has(fsnotify.Chmod) {
		ops = append(ops, "CHMOD")
	}
	if len(ops) == 0 {
		return fmt.Sprintf("OTHER(0x%x)", uint32(op))
	}
	return strings.Join(ops, "|")
}
