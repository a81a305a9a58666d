// Package registrytest 提供内存进程表，供测试模拟 PID 复用、不响应信号等场景
package registrytest

import (
	"fmt"
	"sync"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/registry"
)

// FakeTable 实现 registry.ProcessTable
type FakeTable struct {
	mu         sync.Mutex
	procs      map[int]registry.ProcInfo
	Terminated []int
	// 为 true 时 Terminate 不会让进程消失 (模拟不响应 SIGTERM)
	IgnoreTerm bool
}

var _ registry.ProcessTable = (*FakeTable)(nil)

func NewFakeTable(procs ...registry.ProcInfo) *FakeTable {
	t := &FakeTable{procs: make(map[int]registry.ProcInfo)}
	for _, p := range procs {
		t.procs[p.PID] = p
	}
	return t
}

func (t *FakeTable) Put(p registry.ProcInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.PID] = p
}

func (t *FakeTable) Lookup(pid int) (registry.ProcInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return registry.ProcInfo{}, fmt.Errorf("%w: pid %d", guarderr.ErrNotFound, pid)
	}
	return p, nil
}

func (t *FakeTable) Scan() ([]registry.ProcInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]registry.ProcInfo, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out, nil
}

func (t *FakeTable) Terminate(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return fmt.Errorf("%w: pid %d", guarderr.ErrNotFound, pid)
	}
	t.Terminated = append(t.Terminated, pid)
	if !t.IgnoreTerm {
		delete(t.procs, pid)
	}
	return nil
}

func (t *FakeTable) Kill(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return fmt.Errorf("%w: pid %d", guarderr.ErrNotFound, pid)
	}
	delete(t.procs, pid)
	return nil
}
