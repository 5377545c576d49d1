package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/pulse/model"
)

type callRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewCallRepo 创建 CallRepo 实例
func NewCallRepo(database db.DB, opts ...Option) (CallRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &callRepo{
		db:     database,
		logger: buildLogger("call_repo", opts),
	}, nil
}

// ArchiveCall 写入通话归档，重复归档时保持首次写入
func (r *callRepo) ArchiveCall(ctx context.Context, session *model.CallSession) error {
	if session == nil || session.CallID == "" {
		return fmt.Errorf("call session cannot be empty")
	}
	if !session.State.Terminal() {
		return fmt.Errorf("call %s not ended", session.CallID)
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		DoNothing: true,
	}).Create(session.ToHistory()).Error; err != nil {
		r.logger.Error("通话归档失败",
			clog.String("call_id", session.CallID),
			clog.Error(err))
		return fmt.Errorf("failed to archive call: %w", err)
	}
	return nil
}

// ListCallHistory 获取用户通话记录
func (r *callRepo) ListCallHistory(ctx context.Context, userID string, limit int) ([]*model.CallHistory, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var rows []*model.CallHistory
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("initiator_id = ? OR target_id = ?", userID, userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	return rows, nil
}

// Close 释放资源
func (r *callRepo) Close() error {
	r.logger.Info("关闭 CallRepo")
	return nil
}
