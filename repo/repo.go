// Package repo 实现持久层端口，基于 genesis db（GORM）访问 PostgreSQL
package repo

import (
	"context"

	"github.com/ceyewan/genesis/clog"

	"github.com/ceyewan/pulse/model"
)

// StatusRepo 投递状态表，写入按状态序保护
type StatusRepo interface {
	// AppendStatuses 批量 upsert，已有记录的状态序更高时保持不变
	AppendStatuses(ctx context.Context, records []*model.DeliveryStatusRecord) error
	// GetStatus 获取用户级聚合状态，不存在时返回 nil
	GetStatus(ctx context.Context, messageID, userID string) (*model.DeliveryStatusRecord, error)
	// ListDeviceStatuses 获取消息在用户各设备上的状态
	ListDeviceStatuses(ctx context.Context, messageID, userID string) ([]*model.DeliveryStatusRecord, error)
	Close() error
}

// MessageRepo 消息内容表（只读）
type MessageRepo interface {
	// GetLatestMessages 一次查询取每个会话的最后一条消息
	GetLatestMessages(ctx context.Context, sessionIDs []string) (map[string]*model.MessageContent, error)
	Close() error
}

// MemberRepo 会话成员表（只读）
type MemberRepo interface {
	// GetConversationMembers 获取会话全部成员的用户名
	GetConversationMembers(ctx context.Context, sessionID string) ([]string, error)
	Close() error
}

// CallRepo 通话归档表
type CallRepo interface {
	// ArchiveCall 按 call_id 幂等写入
	ArchiveCall(ctx context.Context, session *model.CallSession) error
	// ListCallHistory 用户作为主叫或被叫的通话记录，按开始时间倒序
	ListCallHistory(ctx context.Context, userID string, limit int) ([]*model.CallHistory, error)
	Close() error
}

// Option 配置选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildLogger(namespace string, opts []Option) clog.Logger {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		return clog.Discard()
	}
	return o.logger.WithNamespace(namespace)
}
