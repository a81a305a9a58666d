package eventlog

import (
	"sync"

	"github.com/Hara602/idGuard/internal/model"
)

// Bus 事件广播，多个订阅者各自消费，互不影响。
// 订阅者处理不过来时丢弃事件，不阻塞守护循环
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan model.InterceptionEvent
	next   int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan model.InterceptionEvent)}
}

// Subscribe 返回事件通道和取消函数
func (b *Bus) Subscribe(buffer int) (<-chan model.InterceptionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.InterceptionEvent, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(ev model.InterceptionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close 关闭所有订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
