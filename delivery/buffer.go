package delivery

import (
	"sync"

	"github.com/ceyewan/pulse/model"
)

// buffer 临时存储不可用期间的进程内写入队列，容量有界
type buffer struct {
	mu    sync.Mutex
	items []*model.DeliveryStatusRecord
	size  int
}

func newBuffer(capacity int) *buffer {
	return &buffer{size: capacity}
}

// push 满时返回 false，由调用方改走持久层
func (b *buffer) push(rec *model.DeliveryStatusRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.size {
		return false
	}
	b.items = append(b.items, rec)
	return true
}

func (b *buffer) drain() []*model.DeliveryStatusRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
