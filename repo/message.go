package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"

	"github.com/ceyewan/pulse/model"
)

type messageRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewMessageRepo 创建 MessageRepo 实例
func NewMessageRepo(database db.DB, opts ...Option) (MessageRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &messageRepo{
		db:     database,
		logger: buildLogger("message_repo", opts),
	}, nil
}

// GetLatestMessages 批量获取会话的最后一条消息（避免 N+1 查询）
// 依赖 idx_sess_time(session_id, sent_at)，同一时刻的多条消息按 msg_id 取最大者
func (r *messageRepo) GetLatestMessages(ctx context.Context, sessionIDs []string) (map[string]*model.MessageContent, error) {
	out := make(map[string]*model.MessageContent, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}

	var messages []*model.MessageContent
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.MessageContent{}).
		Select("DISTINCT ON (session_id) *").
		Where("session_id IN ?", sessionIDs).
		Order("session_id, sent_at DESC, msg_id DESC").
		Find(&messages).Error; err != nil {
		r.logger.Error("批量获取最后一条消息失败",
			clog.Int("count", len(sessionIDs)),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get latest messages: %w", err)
	}

	for _, m := range messages {
		out[m.SessionID] = m
	}
	return out, nil
}

// Close 释放资源
func (r *messageRepo) Close() error {
	r.logger.Info("关闭 MessageRepo")
	// db 实例由外部管理，这里不需要关闭
	return nil
}
