package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/shirou/gopsutil/v3/process"
)

// WorkerArg worker 子命令名，也是签名的一部分
const WorkerArg = "worker"

// ProcInfo 进程表中的一项
type ProcInfo struct {
	PID     int
	Cmdline []string
	Created time.Time
}

// Session worker 命令行里的 --session
func (p ProcInfo) Session() string { return flagValue(p.Cmdline, "--session") }

// ProcessTable 系统进程表，测试中可替换
type ProcessTable interface {
	Lookup(pid int) (ProcInfo, error)
	Scan() ([]ProcInfo, error)
	Terminate(pid int) error
	Kill(pid int) error
}

// SystemTable 基于 gopsutil，跨平台
type SystemTable struct{}

func (SystemTable) Lookup(pid int) (ProcInfo, error) {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return ProcInfo{}, err
	}
	if !ok {
		return ProcInfo{}, fmt.Errorf("%w: pid %d", guarderr.ErrNotFound, pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcInfo{}, fmt.Errorf("%w: pid %d: %v", guarderr.ErrNotFound, pid, err)
	}
	// 已退出但未被回收的僵尸进程视为不存在
	if st, err := p.Status(); err == nil && len(st) > 0 && st[0] == process.Zombie {
		return ProcInfo{}, fmt.Errorf("%w: pid %d is a zombie", guarderr.ErrNotFound, pid)
	}
	return describe(p), nil
}

func (SystemTable) Scan() ([]ProcInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, describe(p))
	}
	return out, nil
}

func (SystemTable) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("%w: pid %d", guarderr.ErrNotFound, pid)
	}
	return p.Terminate()
}

func (SystemTable) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("%w: pid %d", guarderr.ErrNotFound, pid)
	}
	return p.Kill()
}

func describe(p *process.Process) ProcInfo {
	info := ProcInfo{PID: int(p.Pid)}
	// 没有权限读取的进程命令行为空，自然不会匹配签名
	if args, err := p.CmdlineSlice(); err == nil {
		info.Cmdline = args
	}
	if ms, err := p.CreateTime(); err == nil {
		info.Created = time.UnixMilli(ms)
	}
	return info
}

// Signature worker 进程命令行特征
type Signature struct {
	StateDir  string
	SessionID string // 为空时匹配该状态目录下任意会话
}

// Matches 命令行需包含 worker 子命令、--state-dir，以及 (若指定) --session
func (s Signature) Matches(args []string) bool {
	hasWorker := false
	for _, a := range args {
		if a == WorkerArg {
			hasWorker = true
			break
		}
	}
	if !hasWorker {
		return false
	}
	if flagValue(args, "--state-dir") != s.StateDir {
		return false
	}
	if s.SessionID != "" && flagValue(args, "--session") != s.SessionID {
		return false
	}
	return true
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if len(a) > len(name) && a[:len(name)+1] == name+"=" {
			return a[len(name)+1:]
		}
	}
	return ""
}

// createTolerance PID 文件由父进程在 spawn 之后写，进程创建时间应早于 PID 文件
const createTolerance = 2 * time.Second

// Verify 用进程表核实句柄：存在、签名匹配、创建时间合理
func (r *Registry) Verify(h model.ProcessHandle, sig Signature) (ProcInfo, error) {
	info, err := r.procs.Lookup(h.PID)
	if err != nil {
		return ProcInfo{}, err
	}
	if !sig.Matches(info.Cmdline) {
		return info, fmt.Errorf("%w: pid %d is not a guardian worker", guarderr.ErrStaleProcessState, h.PID)
	}
	if !h.StartTime.IsZero() && !info.Created.IsZero() && info.Created.After(h.StartTime.Add(createTolerance)) {
		return info, fmt.Errorf("%w: pid %d was created after the pid file", guarderr.ErrStaleProcessState, h.PID)
	}
	return info, nil
}

// FindWorkers 扫描进程表寻找匹配签名的进程，用于 PID 文件丢失或过期的情况
func (r *Registry) FindWorkers(sig Signature) ([]ProcInfo, error) {
	all, err := r.procs.Scan()
	if err != nil {
		return nil, err
	}
	var out []ProcInfo
	for _, p := range all {
		if sig.Matches(p.Cmdline) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Alive 进程是否仍在进程表中
func (r *Registry) Alive(pid int) bool {
	_, err := r.procs.Lookup(pid)
	return err == nil
}

// IsNotRunning 错误是否代表"进程已不存在"
func IsNotRunning(err error) bool {
	return errors.Is(err, guarderr.ErrNotFound)
}
