// Package guardian 组合 Watcher + Enforcer + EventLog，对外提供 start/stop/status。
//
// 同一个 Core 既用于独立 worker 进程 (Run 阻塞运行)，也用于宿主进程内的回退模式
// (Start 在后台 goroutine 运行)。Core 自己持有取消函数和所有句柄，没有进程级全局状态。
package guardian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/enforcer"
	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/monitor"
	"github.com/Hara602/idGuard/internal/record"
	"github.com/Hara602/idGuard/internal/statedb"
	"github.com/Hara602/idGuard/internal/sysutil"
	"github.com/Hara602/idGuard/internal/watcher"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("guardian is already running")

// Options 会话开始时的一次性快照，运行中不会更新
type Options struct {
	Config   model.GuardConfig
	Host     config.Host
	Settings config.Settings
	Identity model.IdentityFunc
	EventLog *eventlog.Log // 为 nil 时事件只在内存中
	Logger   *zap.Logger
}

type Core struct {
	cfg      model.GuardConfig
	host     config.Host
	settings config.Settings
	log      *zap.Logger

	watcher  watcher.Watcher
	enforcer *enforcer.Enforcer
	journal  *eventlog.Journal
	bus      *eventlog.Bus

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	active   atomic.Bool
	ticks    atomic.Int64
	stopOnce sync.Once

	health *healthTracker
}

func New(opts Options) (*Core, error) {
	target := opts.Config.Target()
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guard config: %w", err)
	}
	if opts.Identity == nil {
		opts.Identity = model.PlainIdentity
	}
	if opts.Settings.PollInterval <= 0 {
		opts.Settings = config.Defaults()
	}
	log := sysutil.OrNop(opts.Logger).Named("guardian")
	mon := opts.Config.Monitors()

	var db *statedb.DB
	if mon.Database && opts.Host.DatabaseFile != "" {
		var err error
		db, err = statedb.New(opts.Host.DatabaseFile, opts.Host.DBTable, opts.Host.DBRules,
			opts.Host.ProtectedKeys, opts.Settings.DBTimeout)
		if err != nil {
			return nil, err
		}
	}

	w, err := watcher.New(watcher.Options{
		Host:     opts.Host,
		Target:   target,
		Monitors: mon,
		Identity: opts.Identity,
		DB:       db,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	bus := eventlog.NewBus()
	journal := eventlog.NewJournal(opts.EventLog, bus, opts.Config.SessionID, os.Getpid())

	c := &Core{
		cfg:      opts.Config,
		host:     opts.Host,
		settings: opts.Settings,
		log:      log,
		watcher:  w,
		journal:  journal,
		bus:      bus,
		enforcer: enforcer.New(enforcer.Options{
			Fields:   opts.Host.IdentityFields,
			Target:   target,
			Identity: opts.Identity,
			DB:       db,
			Journal:  journal,
			Logger:   opts.Logger,
		}),
	}
	c.health = newHealthTracker(opts.Settings.PollInterval, opts.Settings.PermissionDeniedThreshold, time.Now)
	return c, nil
}

// Start 在后台 goroutine 中运行 (进程内回退模式)，不占用调用方线程
func (c *Core) Start(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		defer c.active.Store(false)
		c.loop(ctx)
	}()
	c.log.Info("🛡️ guardian started in-process",
		zap.String("host", c.cfg.Options.SelectedIDE), zap.Duration("interval", c.settings.PollInterval))
	return nil
}

// Stop 任何时候调用都安全，包括 tick 进行中；已停止时直接返回
func (c *Core) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.stopOnce.Do(func() {
		c.bus.Close()
		c.log.Info("guardian stopped")
	})
}

// Run 阻塞运行直到 ctx 取消 (独立 worker 模式)
func (c *Core) Run(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.active.Store(false)
	c.loop(ctx)
	return nil
}

func (c *Core) loop(ctx context.Context) {
	hints, stopHints := c.startHints(ctx)
	defer stopHints()

	// 提示触发的采样合并：两次采样之间至少间隔 minGap
	minGap := c.settings.PollInterval / 4
	var last time.Time
	var pending <-chan time.Time
	tick := func() {
		c.Tick(ctx)
		last = time.Now()
	}

	tick()

	ticker := time.NewTicker(c.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		case ev := <-hints:
			if pending != nil {
				continue
			}
			c.log.Debug("native hint", zap.String("path", ev.FilePath), zap.String("op", ev.Operation))
			if wait := minGap - time.Since(last); wait > 0 {
				pending = time.After(wait)
				continue
			}
			tick()
		case <-pending:
			pending = nil
			tick()
		}
	}
}

// startHints 原生通知只用于提前触发采样。失败时退化为纯轮询
func (c *Core) startHints(ctx context.Context) (<-chan model.FileEvent, func()) {
	if !c.settings.NativeHints {
		return nil, func() {}
	}
	dirs := map[string]bool{}
	for _, p := range []string{c.host.RecordFile, c.host.DatabaseFile} {
		if p != "" {
			dirs[filepath.Dir(p)] = true
		}
	}
	m, err := monitor.New(hintFilter(c.host))
	if err != nil {
		c.log.Warn("native hints unavailable, polling only", zap.Error(err))
		return nil, func() {}
	}
	m = monitor.WithLogger(m, c.log)
	watched := 0
	for d := range dirs {
		if err := m.AddWatch(d); err != nil {
			c.log.Debug("watch dir failed", zap.String("dir", d), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		m.Stop()
		return nil, func() {}
	}
	m.Start(ctx)
	return m.Events(), m.Stop
}

// sqlite 的伴随文件，每次打开连接都会变动
var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// hintFilter 记录文件及其兄弟文件 (备份、交换文件)，以及数据库主文件本身。
// 排除自己的临时文件和 sqlite 伴随文件，否则每次采样都会触发下一次采样
func hintFilter(host config.Host) monitor.Filter {
	var recordBase, tempPrefix, dbBase string
	if host.RecordFile != "" {
		recordBase = filepath.Base(host.RecordFile)
		tempPrefix = record.TempPrefix(host.RecordFile)
	}
	if host.DatabaseFile != "" {
		dbBase = filepath.Base(host.DatabaseFile)
	}
	return func(name string) bool {
		for _, suffix := range sqliteSidecars {
			if strings.HasSuffix(name, suffix) {
				return false
			}
		}
		switch {
		case dbBase != "" && name == dbBase:
			return true
		case tempPrefix != "" && strings.HasPrefix(name, tempPrefix):
			return false
		case recordBase != "" && strings.HasPrefix(name, recordBase):
			return true
		}
		return false
	}
}

// Tick 一个采样周期：顺序检查三类工件。单个周期内的错误只记录，不会终止循环
func (c *Core) Tick(ctx context.Context) {
	c.ticks.Add(1)
	res := c.watcher.Scan(ctx)

	failing := map[string]bool{}
	for _, aerr := range res.Errors {
		failing[aerr.Path] = true
		c.health.fail(aerr.Path, aerr.Err)
		c.logFailure("scan", aerr.Path, aerr.Err)
	}

	deferred := map[string]bool{}
	for _, d := range res.Drifts {
		if ctx.Err() != nil {
			return
		}
		if !c.health.ready(d.Path) {
			deferred[d.Path] = true
			continue
		}
		if _, err := c.enforcer.Handle(ctx, d); err != nil {
			failing[d.Path] = true
			c.health.fail(d.Path, err)
			c.logFailure("enforce", d.Path, err)
		}
	}

	c.health.settle(failing, deferred)
	c.reportHealth()
}

func (c *Core) logFailure(stage, path string, err error) {
	fields := []zap.Field{zap.String("stage", stage), zap.String("path", path), zap.Error(err)}
	switch kindOf(err) {
	case kindTransient, kindNotFound:
		c.log.Debug("tick failure", fields...)
	default:
		c.log.Warn("tick failure", fields...)
	}
}

// reportHealth degraded 状态变化时写一条生命周期事件
func (c *Core) reportHealth() {
	degraded, paths, changed := c.health.transition()
	if !changed {
		return
	}
	ev := model.InterceptionEvent{Kind: model.EventRecovered}
	if degraded {
		ev = model.InterceptionEvent{Kind: model.EventDegraded, Detail: "permission denied: " + strings.Join(paths, ", ")}
		c.log.Error("🚨 guardian degraded", zap.Strings("paths", paths))
	} else {
		c.log.Info("✅ guardian recovered")
	}
	if err := c.journal.Append(ev); err != nil {
		c.log.Warn("append event failed", zap.Error(err))
	}
}

// Journal 供 worker 写生命周期事件
func (c *Core) Journal() *eventlog.Journal { return c.journal }

func (c *Core) IsGuarding() bool { return c.active.Load() }

func (c *Core) Degraded() bool { return c.health.isDegraded() }

func (c *Core) Stats() model.Stats { return c.journal.Stats() }

func (c *Core) Config() model.GuardConfig { return c.cfg }

// Subscribe 订阅拦截事件，多个订阅者互相独立
func (c *Core) Subscribe(buffer int) (<-chan model.InterceptionEvent, func()) {
	return c.bus.Subscribe(buffer)
}
