// Package notify 定义向外广播状态事件的出口
//
// 核心只负责产出事件，真正的扇出（WebSocket、推送、跨节点广播）由传输层订阅后完成。
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/ceyewan/genesis/clog"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/observability"
)

// Emitter 事件出口
type Emitter interface {
	Emit(ctx context.Context, event model.Event) error
}

// EmitterFunc 函数适配器
type EmitterFunc func(ctx context.Context, event model.Event) error

// Emit 实现 Emitter
func (f EmitterFunc) Emit(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// Nop 丢弃所有事件
var Nop Emitter = EmitterFunc(func(context.Context, model.Event) error { return nil })

// Multi 依次投递给所有出口，返回合并后的错误
func Multi(emitters ...Emitter) Emitter {
	return EmitterFunc(func(ctx context.Context, event model.Event) error {
		var errs []error
		for _, e := range emitters {
			if err := e.Emit(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Best 投递失败只记录日志，不向调用方返回错误
// 组件在状态已经落地后才发事件，事件失败不应回滚状态
func Best(emitter Emitter, logger clog.Logger) Emitter {
	if logger == nil {
		logger = clog.Discard()
	}
	return EmitterFunc(func(ctx context.Context, event model.Event) error {
		err := emitter.Emit(ctx, event)
		observability.RecordEventEmitted(ctx, string(event.Type), err)
		if err != nil {
			logger.WarnContext(ctx, "emit event failed",
				clog.String("type", string(event.Type)),
				clog.Error(err))
		}
		return nil
	})
}

// Recorder 记录所有事件，供测试断言
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// Emit 实现 Emitter
func (r *Recorder) Emit(_ context.Context, event model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录事件的副本
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType 返回指定类型的事件
func (r *Recorder) OfType(eventType model.EventType) []model.Event {
	var out []model.Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset 清空记录
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
