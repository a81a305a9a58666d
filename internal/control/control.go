// Package control 宿主侧的控制面：startGuarding / stopGuarding / getStatus。
// 优先以独立 worker 运行，spawn 失败时回退到进程内守护。
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/guardian"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/registry"
	"github.com/Hara602/idGuard/internal/service"
	"github.com/Hara602/idGuard/internal/status"
	"github.com/Hara602/idGuard/internal/sysutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Paths        sysutil.Paths
	Settings     config.Settings
	SettingsFile string
	Launcher     service.Launcher      // 默认重新执行自身
	Procs        registry.ProcessTable // 默认系统进程表
	Identity     model.IdentityFunc
	// InProcessOnly 跳过 spawn，直接在当前进程守护 (run 子命令)
	InProcessOnly bool
	Logger        *zap.Logger
}

// Result 控制操作结果
type Result struct {
	Success bool            `json:"success"`
	Mode    model.GuardMode `json:"mode,omitempty"`
	PID     int             `json:"pid,omitempty"`
	Session string          `json:"session,omitempty"`
	Message string          `json:"message,omitempty"`
}

type Controller struct {
	opts Options
	reg  *registry.Registry
	svc  *service.Manager
	agg  *status.Aggregator
	log  *zap.Logger

	mu    sync.Mutex
	local *localSession
}

// localSession 进程内守护：持有与 worker 相同的文件锁，保证同一状态目录只有一个守护
type localSession struct {
	core *guardian.Core
	lock *registry.FileLock
	done chan struct{}
}

func New(opts Options) *Controller {
	if opts.Settings.PollInterval <= 0 {
		opts.Settings = config.Defaults()
	}
	if opts.Identity == nil {
		opts.Identity = model.PlainIdentity
	}
	reg := registry.New(opts.Paths, opts.Procs)
	c := &Controller{
		opts: opts,
		reg:  reg,
		log:  sysutil.OrNop(opts.Logger).Named("control"),
		svc: service.NewManager(service.Options{
			Registry:     reg,
			Launcher:     opts.Launcher,
			Settings:     opts.Settings,
			SettingsFile: opts.SettingsFile,
			Logger:       opts.Logger,
		}),
	}
	c.agg = status.New(reg, c.inProcess, opts.Logger)
	return c
}

// inProcess 注意返回无类型 nil，而不是 (*guardian.Core)(nil)
func (c *Controller) inProcess() status.InProcess {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	return c.local.core
}

// StartGuarding 开始一个新会话。已有会话会先被停止。
// 进程内回退模式的生命周期绑定 ctx
func (c *Controller) StartGuarding(ctx context.Context, target model.TargetIdentity, mon model.Monitors) Result {
	if err := target.Validate(); err != nil {
		return Result{Message: err.Error()}
	}
	if _, err := c.opts.Settings.Resolve(target.SelectedHost); err != nil {
		return Result{Message: err.Error()}
	}

	if res := c.StopGuarding(ctx); !res.Success {
		return Result{Message: "cannot stop previous session: " + res.Message}
	}

	cfg := model.NewGuardConfig(target, mon, uuid.NewString(), os.Getpid(), time.Now())

	if !c.opts.InProcessOnly {
		res, err := c.svc.Start(ctx, cfg)
		if err == nil {
			return Result{Success: true, Mode: model.ModeStandalone, PID: res.PID, Session: cfg.SessionID}
		}
		if errors.Is(err, service.ErrAlreadyRunning) {
			return Result{PID: res.PID, Message: res.Reason}
		}
		c.log.Warn("⚠️ standalone worker unavailable, falling back to in-process", zap.String("reason", res.Reason))
	}

	if err := c.startLocal(ctx, cfg); err != nil {
		if errors.Is(err, registry.ErrLocked) {
			return Result{Message: "another guardian holds the lock for " + c.opts.Paths.Dir}
		}
		return Result{Message: err.Error()}
	}
	return Result{Success: true, Mode: model.ModeInProcess, PID: os.Getpid(), Session: cfg.SessionID}
}

// lockWait 刚被杀掉的 worker 释放锁需要一点时间
const lockWait = 500 * time.Millisecond

func (c *Controller) startLocal(ctx context.Context, cfg model.GuardConfig) error {
	host, err := c.opts.Settings.Resolve(cfg.Options.SelectedIDE)
	if err != nil {
		return err
	}
	if err := c.opts.Paths.Ensure(); err != nil {
		return err
	}

	var lock *registry.FileLock
	sysutil.WaitFor(ctx, lockWait, 50*time.Millisecond, func() bool {
		lock, err = registry.TryLock(c.opts.Paths.Lock())
		return !errors.Is(err, registry.ErrLocked)
	})
	if err != nil {
		return err
	}

	core, err := guardian.New(guardian.Options{
		Config:   cfg,
		Host:     host,
		Settings: c.opts.Settings,
		Identity: c.opts.Identity,
		EventLog: eventlog.Open(c.opts.Paths.Events(), c.opts.Settings.EventLogMaxBytes),
		Logger:   c.opts.Logger,
	})
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("create in-process guardian: %w", err)
	}
	// 配置带着 hostPid 落盘，其它进程的 status 据此识别进程内会话
	if err := c.reg.SaveConfig(cfg); err != nil {
		lock.Unlock()
		return err
	}
	if err := core.Start(ctx); err != nil {
		lock.Unlock()
		c.reg.Clear()
		return err
	}

	s := &localSession{core: core, lock: lock, done: make(chan struct{})}
	c.mu.Lock()
	c.local = s
	c.mu.Unlock()

	// 宿主 ctx 结束时释放锁和配置
	go func() {
		select {
		case <-ctx.Done():
			c.releaseLocal(s)
		case <-s.done:
		}
	}()
	return nil
}

// releaseLocal 幂等，只处理仍是当前会话的 s
func (c *Controller) releaseLocal(s *localSession) {
	c.mu.Lock()
	if c.local != s {
		c.mu.Unlock()
		return
	}
	c.local = nil
	c.mu.Unlock()

	close(s.done)
	s.core.Stop()
	if err := c.reg.Clear(); err != nil {
		c.log.Warn("clear state files", zap.Error(err))
	}
	if err := s.lock.Unlock(); err != nil {
		c.log.Warn("release guard lock", zap.Error(err))
	}
}

// StopGuarding 停止所有模式的守护。没有在守护时也返回成功。
// 其它宿主进程内运行的守护无法从这里停止，返回失败
func (c *Controller) StopGuarding(ctx context.Context) Result {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local != nil {
		c.releaseLocal(local)
	} else if st := c.agg.GetStatus(); st.Mode == model.ModeInProcess {
		return Result{PID: st.PID, Mode: st.Mode,
			Message: fmt.Sprintf("guarding in-process inside host pid %d; stop it from that host", st.PID)}
	}

	if err := c.svc.Stop(ctx); err != nil {
		c.log.Error("stop standalone worker", zap.Error(err))
		return Result{Message: err.Error()}
	}
	return Result{Success: true}
}

func (c *Controller) GetStatus() model.GuardStatus {
	return c.agg.GetStatus()
}

// Wait 阻塞直到进程内守护结束 (ctx 取消)。没有进程内守护时立即返回
func (c *Controller) Wait(ctx context.Context) {
	if c.inProcess() == nil {
		return
	}
	<-ctx.Done()
}

// Events 订阅拦截事件直到 ctx 取消。进程内模式直接订阅事件总线，
// 独立模式跟随事件日志 (只投递订阅之后的新事件)
func (c *Controller) Events(ctx context.Context, buffer int) <-chan model.InterceptionEvent {
	out := make(chan model.InterceptionEvent, buffer)

	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	if local != nil {
		sub, cancel := local.core.Subscribe(buffer)
		go func() {
			defer close(out)
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out
	}

	go c.follow(ctx, out, eventlog.Size(c.opts.Paths.Events()))
	return out
}

func (c *Controller) follow(ctx context.Context, out chan<- model.InterceptionEvent, offset int64) {
	defer close(out)
	path := c.opts.Paths.Events()

	ticker := time.NewTicker(c.opts.Settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var evs []model.InterceptionEvent
		var err error
		evs, offset, err = eventlog.ReadFrom(path, offset)
		if err != nil {
			c.log.Debug("follow event log", zap.Error(err))
			continue
		}
		for _, ev := range evs {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
