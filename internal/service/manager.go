// Package service 独立 worker 进程的生命周期：spawn、存活确认、停止、状态。
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/registry"
	"github.com/Hara602/idGuard/internal/sysutil"
	"go.uber.org/zap"
)

const pollEvery = 50 * time.Millisecond

var ErrAlreadyRunning = errors.New("a guardian worker is already running")

// Result 启动结果。失败时 Reason 给出可读原因
type Result struct {
	Success bool
	PID     int
	Reason  string
}

type Options struct {
	Registry     *registry.Registry
	Launcher     Launcher
	Settings     config.Settings
	SettingsFile string // 透传给 worker 的 --settings
	Logger       *zap.Logger
}

type Manager struct {
	reg          *registry.Registry
	launcher     Launcher
	settings     config.Settings
	settingsFile string
	log          *zap.Logger
}

func NewManager(opts Options) *Manager {
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Settings.PollInterval <= 0 {
		opts.Settings = config.Defaults()
	}
	return &Manager{
		reg:          opts.Registry,
		launcher:     opts.Launcher,
		settings:     opts.Settings,
		settingsFile: opts.SettingsFile,
		log:          sysutil.OrNop(opts.Logger).Named("service"),
	}
}

// WorkerArgs worker 的命令行，同时也是进程签名
func WorkerArgs(sessionID, stateDir, settingsFile string) []string {
	args := []string{registry.WorkerArg, "--session", sessionID, "--state-dir", stateDir}
	if settingsFile != "" {
		args = append(args, "--settings", settingsFile)
	}
	return args
}

// Start 写入会话配置并 spawn worker，等待其心跳事件。
// 宽限期内没有心跳则杀掉子进程并清理，返回 ErrProcessSpawnFailure
func (m *Manager) Start(ctx context.Context, cfg model.GuardConfig) (Result, error) {
	if h := m.Status(); h != nil {
		return Result{PID: h.PID, Reason: fmt.Sprintf("worker pid %d is already running", h.PID)}, ErrAlreadyRunning
	}
	paths := m.reg.Paths()
	if err := m.reg.SaveConfig(cfg); err != nil {
		return Result{Reason: "cannot write guard config: " + err.Error()}, err
	}

	offset := eventlog.Size(paths.Events())
	pid, err := m.launcher.Launch(WorkerArgs(cfg.SessionID, paths.Dir, m.settingsFile))
	if err != nil {
		m.reg.Clear()
		return m.fail(0, "spawn failed: "+err.Error(), err)
	}
	if err := m.reg.SavePID(pid); err != nil {
		m.abort(pid)
		return m.fail(pid, "cannot write pid file: "+err.Error(), err)
	}

	var exited bool
	confirmed := false
	sysutil.WaitFor(ctx, m.settings.StartGrace, pollEvery, func() bool {
		var evs []model.InterceptionEvent
		evs, offset, _ = eventlog.ReadFrom(paths.Events(), offset)
		for _, ev := range evs {
			if ev.Kind == model.EventWorkerStarted && ev.SessionID == cfg.SessionID {
				confirmed = true
				return true
			}
		}
		if !m.reg.Alive(pid) {
			exited = true
			return true
		}
		return false
	})

	if !confirmed {
		reason := fmt.Sprintf("worker pid %d sent no heartbeat within %s", pid, m.settings.StartGrace)
		if exited {
			reason = fmt.Sprintf("worker pid %d exited during startup", pid)
		}
		m.abort(pid)
		return m.fail(pid, reason, nil)
	}

	m.log.Info("🚀 standalone worker started", zap.Int("pid", pid), zap.String("session", cfg.SessionID))
	return Result{Success: true, PID: pid}, nil
}

func (m *Manager) fail(pid int, reason string, cause error) (Result, error) {
	m.log.Warn("standalone start failed", zap.Int("pid", pid), zap.String("reason", reason))
	err := fmt.Errorf("%w: %s", guarderr.ErrProcessSpawnFailure, reason)
	if cause != nil {
		err = fmt.Errorf("%w: %w", guarderr.ErrProcessSpawnFailure, cause)
	}
	return Result{PID: pid, Reason: reason}, err
}

// abort 启动失败时的清理
func (m *Manager) abort(pid int) {
	if err := m.reg.Procs().Kill(pid); err != nil && !registry.IsNotRunning(err) {
		m.log.Warn("kill failed worker", zap.Int("pid", pid), zap.Error(err))
	}
	if err := m.reg.Clear(); err != nil {
		m.log.Warn("clear state files", zap.Error(err))
	}
}

// Stop 停止 worker 并删除 PID/配置文件。没有 worker 也算成功；
// PID 指向的进程不是本服务的 worker 时不发送信号，只清理文件
func (m *Manager) Stop(ctx context.Context) error {
	sig := registry.Signature{StateDir: m.reg.Paths().Dir}

	var pids []int
	h, err := m.reg.LoadPID()
	switch {
	case err == nil:
		if _, verr := m.reg.Verify(h, sig); verr == nil {
			pids = append(pids, h.PID)
		} else if !registry.IsNotRunning(verr) {
			m.log.Warn("⚠️ pid file is stale, not signalling", zap.Int("pid", h.PID), zap.Error(verr))
		}
	case guarderr.Is(err, guarderr.KindNotFound), guarderr.Is(err, guarderr.KindCorruptRecord):
	default:
		return err
	}

	// PID 文件丢失或过期时可能还有孤儿 worker
	if orphans, err := m.reg.FindWorkers(sig); err == nil {
		for _, p := range orphans {
			if !slices.Contains(pids, p.PID) {
				pids = append(pids, p.PID)
			}
		}
	}

	var errs []error
	for _, pid := range pids {
		if err := m.terminate(ctx, pid); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.reg.Clear(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// terminate 先 SIGTERM，超时后 SIGKILL
func (m *Manager) terminate(ctx context.Context, pid int) error {
	procs := m.reg.Procs()
	if err := procs.Terminate(pid); err != nil {
		if registry.IsNotRunning(err) {
			return nil
		}
		m.log.Warn("terminate failed, killing", zap.Int("pid", pid), zap.Error(err))
	} else if sysutil.WaitFor(ctx, m.settings.StopTimeout, pollEvery, func() bool { return !m.reg.Alive(pid) }) {
		m.log.Info("🛑 worker stopped", zap.Int("pid", pid))
		return nil
	}

	m.log.Warn("worker did not stop in time, sending kill", zap.Int("pid", pid), zap.Duration("timeout", m.settings.StopTimeout))
	if err := procs.Kill(pid); err != nil && !registry.IsNotRunning(err) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if !sysutil.WaitFor(ctx, time.Second, pollEvery, func() bool { return !m.reg.Alive(pid) }) {
		return fmt.Errorf("pid %d still alive after kill", pid)
	}
	return nil
}

// Status 返回经过核实的 worker 句柄，没有可信的 worker 时为 nil
func (m *Manager) Status() *model.ProcessHandle {
	h, err := m.reg.LoadPID()
	if err != nil {
		return nil
	}
	if _, err := m.reg.Verify(h, registry.Signature{StateDir: m.reg.Paths().Dir}); err != nil {
		return nil
	}
	return &h
}
