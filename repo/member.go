package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"

	"github.com/ceyewan/pulse/model"
)

type memberRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewMemberRepo 创建 MemberRepo 实例
func NewMemberRepo(database db.DB, opts ...Option) (MemberRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &memberRepo{
		db:     database,
		logger: buildLogger("member_repo", opts),
	}, nil
}

// GetConversationMembers 获取会话成员
func (r *memberRepo) GetConversationMembers(ctx context.Context, sessionID string) ([]string, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	var usernames []string
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.SessionMember{}).
		Where("session_id = ?", sessionID).
		Order("username").
		Pluck("username", &usernames).Error; err != nil {
		r.logger.Error("获取会话成员失败",
			clog.String("session_id", sessionID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	return usernames, nil
}

// Close 释放资源
func (r *memberRepo) Close() error {
	r.logger.Info("关闭 MemberRepo")
	return nil
}
