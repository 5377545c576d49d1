package notify

import (
	"context"

	"github.com/ceyewan/genesis/xerrors"

	"github.com/ceyewan/pulse/model"
)

// ErrChannelFull 通道已满且未等到空位
var ErrChannelFull = xerrors.New("notify: channel full")

// Channel 进程内事件通道，同进程的传输层直接消费
type Channel struct {
	ch chan model.Event
	// block 为 true 时满队列阻塞等待，否则立即返回 ErrChannelFull
	block bool
}

// NewChannel 创建带缓冲的事件通道
func NewChannel(size int, block bool) *Channel {
	if size <= 0 {
		size = 1024
	}
	return &Channel{ch: make(chan model.Event, size), block: block}
}

// Emit 实现 Emitter
func (c *Channel) Emit(ctx context.Context, event model.Event) error {
	if c.block {
		select {
		case c.ch <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case c.ch <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Events 只读通道
func (c *Channel) Events() <-chan model.Event {
	return c.ch
}

// Close 关闭通道，之后不可再 Emit
func (c *Channel) Close() {
	close(c.ch)
}
