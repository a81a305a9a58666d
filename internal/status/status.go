// Package status 汇总 PID 文件、配置文件、文件锁、进程表和进程内守护的状态。
// 活着且签名匹配的进程优先于过期的 PID 文件。
package status

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/registry"
	"github.com/Hara602/idGuard/internal/sysutil"
	"go.uber.org/zap"
)

// 状态来源
const (
	DetectedInProcess = "in-process"
	DetectedPIDFile   = "pid-file"
	DetectedScan      = "process-scan"
	DetectedLock      = "lock" // 另一个宿主进程内的守护
)

// InProcess 进程内守护的只读视图，guardian.Core 实现了它
type InProcess interface {
	IsGuarding() bool
	Degraded() bool
	Stats() model.Stats
	Config() model.GuardConfig
}

type Aggregator struct {
	reg   *registry.Registry
	local func() InProcess
	log   *zap.Logger

	mu    sync.Mutex
	cache foldCache
}

// foldCache 事件日志的增量汇总，日志轮转或截断后重算
type foldCache struct {
	session string
	offset  int64
	file    os.FileInfo
	sum     eventlog.Summary
}

// New local 返回当前的进程内守护，没有时返回 nil
func New(reg *registry.Registry, local func() InProcess, logger *zap.Logger) *Aggregator {
	if local == nil {
		local = func() InProcess { return nil }
	}
	return &Aggregator{reg: reg, local: local, log: sysutil.OrNop(logger).Named("status")}
}

func (a *Aggregator) GetStatus() model.GuardStatus {
	if in := a.local(); in != nil && in.IsGuarding() {
		cfg := in.Config()
		return model.GuardStatus{
			IsGuarding:   true,
			Mode:         model.ModeInProcess,
			PID:          os.Getpid(),
			DeviceID:     cfg.DeviceID,
			SelectedHost: cfg.Options.SelectedIDE,
			StartTime:    cfg.Started(),
			Stats:        in.Stats(),
			Degraded:     in.Degraded(),
			DetectedBy:   DetectedInProcess,
		}
	}

	st := model.GuardStatus{Mode: model.ModeNone}
	cfg, cfgErr := a.reg.LoadConfig()
	haveCfg := cfgErr == nil
	if cfgErr != nil && !guarderr.Is(cfgErr, guarderr.KindNotFound) {
		st.Warnings = append(st.Warnings, "guard config unreadable: "+cfgErr.Error())
	}

	sig := registry.Signature{StateDir: a.reg.Paths().Dir, SessionID: cfg.SessionID}

	var worker *registry.ProcInfo
	pidStale := false
	h, pidErr := a.reg.LoadPID()
	switch {
	case pidErr == nil:
		if info, err := a.reg.Verify(h, sig); err == nil {
			worker = &info
			st.DetectedBy = DetectedPIDFile
		} else {
			pidStale = true
			st.Warnings = append(st.Warnings, fmt.Sprintf("pid file names pid %d but no matching worker is running", h.PID))
		}
	case guarderr.Is(pidErr, guarderr.KindNotFound):
	default:
		pidStale = true
		st.Warnings = append(st.Warnings, "pid file unreadable: "+pidErr.Error())
	}

	if worker == nil {
		workers, err := a.reg.FindWorkers(sig)
		if err != nil {
			a.log.Debug("process scan failed", zap.Error(err))
		}
		if len(workers) > 0 {
			worker = &workers[0]
			st.DetectedBy = DetectedScan
			if len(workers) > 1 {
				st.Warnings = append(st.Warnings, fmt.Sprintf("%d guardian workers share this state directory", len(workers)))
			}
		}
	}

	if worker == nil {
		// 没有 worker 但锁被持有：另一个宿主在进程内守护
		if haveCfg && registry.IsLocked(a.reg.Paths().Lock()) {
			return a.heldByHost(st, cfg)
		}
		st.Stale = pidStale || haveCfg
		if haveCfg && !pidStale {
			st.Warnings = append(st.Warnings, "guard config present but no worker is running")
		}
		return st
	}

	st.Mode = model.ModeStandalone
	st.PID = worker.PID

	session := cfg.SessionID
	if !haveCfg {
		session = worker.Session()
	}
	sum, err := a.summary(session)
	if err != nil {
		st.Warnings = append(st.Warnings, "event log unreadable: "+err.Error())
	}
	st.Stats = sum.Stats
	st.Degraded = sum.Degraded

	switch {
	case haveCfg:
		st.IsGuarding = true
		st.DeviceID = cfg.DeviceID
		st.SelectedHost = cfg.Options.SelectedIDE
		st.StartTime = cfg.Started()
	case sum.Started != nil && sum.Started.DeviceID != "":
		// 配置文件被清理掉了，目标取自 worker 的启动事件
		st.IsGuarding = true
		st.Stale = true
		st.DeviceID = sum.Started.DeviceID
		st.SelectedHost = sum.Started.Host
		st.StartTime = sum.Started.Timestamp
		st.Warnings = append(st.Warnings, "guard config missing; target taken from the worker start event")
	default:
		st.Stale = true
		st.Warnings = append(st.Warnings, fmt.Sprintf("worker pid %d is running without a guard config; its target is unknown", worker.PID))
	}
	return st
}

func (a *Aggregator) heldByHost(st model.GuardStatus, cfg model.GuardConfig) model.GuardStatus {
	st.IsGuarding = true
	st.Mode = model.ModeInProcess
	st.PID = cfg.HostPID
	st.DeviceID = cfg.DeviceID
	st.SelectedHost = cfg.Options.SelectedIDE
	st.StartTime = cfg.Started()
	st.DetectedBy = DetectedLock
	if cfg.HostPID <= 0 || !a.reg.Alive(cfg.HostPID) {
		st.Warnings = append(st.Warnings, fmt.Sprintf("guard lock is held but host pid %d is not in the process table", cfg.HostPID))
	}
	sum, err := a.summary(cfg.SessionID)
	if err != nil {
		st.Warnings = append(st.Warnings, "event log unreadable: "+err.Error())
	}
	st.Stats = sum.Stats
	st.Degraded = sum.Degraded
	return st
}

// summary 从上次的偏移继续读事件日志，只解析新增部分
func (a *Aggregator) summary(session string) (eventlog.Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.reg.Paths().Events()
	info, err := os.Stat(path)
	if err != nil {
		a.cache = foldCache{}
		if errors.Is(err, fs.ErrNotExist) {
			return eventlog.Summary{}, nil
		}
		return eventlog.Summary{}, err
	}

	c := &a.cache
	if c.session != session || c.file == nil || !os.SameFile(c.file, info) || info.Size() < c.offset {
		*c = foldCache{session: session}
	}
	evs, next, err := eventlog.ReadFrom(path, c.offset)
	if err != nil {
		return c.sum, err
	}
	c.sum.Fold(evs, session)
	c.offset = next
	c.file = info
	return c.sum, nil
}
