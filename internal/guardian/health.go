package guardian

import (
	"sort"
	"sync"
	"time"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/cenkalti/backoff/v5"
)

const (
	kindTransient = guarderr.KindTransientIO
	kindNotFound  = guarderr.KindNotFound
)

func kindOf(err error) guarderr.Kind { return guarderr.Classify(err) }

type artifactHealth struct {
	denied int
	next   time.Time
	bo     *backoff.ExponentialBackOff
}

// healthTracker 按工件记录权限失败，做指数退避；连续失败达到阈值即 degraded
type healthTracker struct {
	mu        sync.Mutex
	base      time.Duration
	threshold int
	now       func() time.Time
	items     map[string]*artifactHealth
	degraded  bool
	reported  bool
}

func newHealthTracker(base time.Duration, threshold int, now func() time.Time) *healthTracker {
	if threshold <= 0 {
		threshold = 5
	}
	return &healthTracker{base: base, threshold: threshold, now: now, items: map[string]*artifactHealth{}}
}

func (h *healthTracker) fail(path string, err error) {
	if kindOf(err) != guarderr.KindPermissionDenied {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	it, ok := h.items[path]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = h.base
		bo.MaxInterval = 30 * time.Second
		bo.RandomizationFactor = 0.2
		bo.Reset()
		it = &artifactHealth{bo: bo}
		h.items[path] = it
	}
	it.denied++
	it.next = h.now().Add(it.bo.NextBackOff())
}

// ready 不在退避窗口内
func (h *healthTracker) ready(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	it, ok := h.items[path]
	return !ok || !h.now().Before(it.next)
}

// settle 本周期既没失败也没被推迟的工件视为恢复
func (h *healthTracker) settle(failing, deferred map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for path := range h.items {
		if !failing[path] && !deferred[path] {
			delete(h.items, path)
		}
	}
}

// transition 返回当前 degraded 状态、涉及的路径，以及是否与上次报告不同
func (h *healthTracker) transition() (bool, []string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var paths []string
	for p, it := range h.items {
		if it.denied >= h.threshold {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	now := len(paths) > 0
	changed := now != h.degraded
	h.degraded = now
	return now, paths, changed
}

func (h *healthTracker) isDegraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}
