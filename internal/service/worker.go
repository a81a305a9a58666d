package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/guardian"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/registry"
	"github.com/Hara602/idGuard/internal/sysutil"
	"go.uber.org/zap"
)

type WorkerOptions struct {
	Paths     sysutil.Paths
	Settings  config.Settings
	SessionID string
	Identity  model.IdentityFunc
	Logger    *zap.Logger
}

// RunWorker 独立 worker 的主体：持锁、读取会话配置、发送心跳，然后阻塞守护直到 ctx 取消
func RunWorker(ctx context.Context, opts WorkerOptions) error {
	log := sysutil.OrNop(opts.Logger).Named("worker")
	if err := opts.Paths.Ensure(); err != nil {
		return err
	}

	lock, err := registry.TryLock(opts.Paths.Lock())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	reg := registry.New(opts.Paths, nil)
	cfg, err := reg.LoadConfig()
	if err != nil {
		return fmt.Errorf("load guard config: %w", err)
	}
	if opts.SessionID != "" && cfg.SessionID != opts.SessionID {
		return fmt.Errorf("%w: config belongs to session %q, not %q",
			guarderr.ErrStaleProcessState, cfg.SessionID, opts.SessionID)
	}

	host, err := opts.Settings.Resolve(cfg.Options.SelectedIDE)
	if err != nil {
		return err
	}

	core, err := guardian.New(guardian.Options{
		Config:   cfg,
		Host:     host,
		Settings: opts.Settings,
		Identity: opts.Identity,
		EventLog: eventlog.Open(opts.Paths.Events(), opts.Settings.EventLogMaxBytes),
		Logger:   opts.Logger,
	})
	if err != nil {
		return err
	}
	defer core.Stop()

	pid := os.Getpid()
	journal := core.Journal()
	if err := journal.Append(model.InterceptionEvent{
		Kind:     model.EventWorkerStarted,
		Detail:   fmt.Sprintf("guarding %s for %s", cfg.Options.SelectedIDE, cfg.DeviceID),
		DeviceID: cfg.DeviceID,
		Host:     cfg.Options.SelectedIDE,
	}); err != nil {
		// 心跳写不出去，父进程无法确认启动，直接退出
		return fmt.Errorf("write heartbeat: %w", err)
	}
	log.Info("🚀 worker running", zap.Int("pid", pid), zap.String("session", cfg.SessionID),
		zap.String("host", cfg.Options.SelectedIDE))

	runErr := core.Run(ctx)

	if err := journal.Append(model.InterceptionEvent{Kind: model.EventWorkerStopped}); err != nil {
		log.Warn("append stop event failed", zap.Error(err))
	}
	reg.ClearPIDIf(pid)
	log.Info("worker exiting", zap.Int("pid", pid))

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
