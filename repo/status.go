package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/pulse/model"
)

const statusBatchSize = 200

type statusRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewStatusRepo 创建 StatusRepo 实例
func NewStatusRepo(database db.DB, opts ...Option) (StatusRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &statusRepo{
		db:     database,
		logger: buildLogger("status_repo", opts),
	}, nil
}

// AppendStatuses 批量写入投递状态
// 同一批次内的重复主键先在内存中按状态序合并，PostgreSQL 不允许一条 upsert 命中同一行两次
func (r *statusRepo) AppendStatuses(ctx context.Context, records []*model.DeliveryStatusRecord) error {
	if len(records) == 0 {
		return nil
	}

	merged := make(map[[3]string]*model.DeliveryStatus, len(records))
	order := make([][3]string, 0, len(records))
	for _, rec := range records {
		row := rec.ToDurable()
		k := [3]string{row.MessageID, row.UserID, row.DeviceID}
		cur, ok := merged[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || model.DeliveryState(cur.Status).Supersedes(model.DeliveryState(row.Status)) {
			merged[k] = row
		}
	}
	rows := make([]*model.DeliveryStatus, 0, len(order))
	for _, k := range order {
		rows = append(rows, merged[k])
	}

	gormDB := r.db.DB(ctx)
	err := gormDB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "status_rank", "status_at",
			"fail_code", "retry_count", "max_retries", "next_retry_at", "permanent",
			"updated_at",
		}),
		// 状态序不回退；failed 只能覆盖未送达的记录，与 DeliveryState.Supersedes 一致
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL: "(excluded.status <> ? AND t_delivery_status.status_rank <= excluded.status_rank) OR " +
					"(excluded.status = ? AND t_delivery_status.status_rank < ?)",
				Vars: []interface{}{string(model.DeliveryFailed), string(model.DeliveryFailed), model.DeliveryDelivered.Rank()},
			},
		}},
	}).CreateInBatches(rows, statusBatchSize).Error
	if err != nil {
		r.logger.Error("写入投递状态失败",
			clog.Int("count", len(rows)),
			clog.Error(err))
		return fmt.Errorf("failed to append statuses: %w", err)
	}
	return nil
}

// GetStatus 获取用户级聚合状态
func (r *statusRepo) GetStatus(ctx context.Context, messageID, userID string) (*model.DeliveryStatusRecord, error) {
	if messageID == "" || userID == "" {
		return nil, fmt.Errorf("message_id and user_id cannot be empty")
	}

	var row model.DeliveryStatus
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("message_id = ? AND user_id = ? AND device_id = ''", messageID, userID).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Error("获取投递状态失败",
			clog.String("message_id", messageID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return model.DeliveryStatusFromDurable(&row), nil
}

// ListDeviceStatuses 获取各设备状态，不含聚合记录
func (r *statusRepo) ListDeviceStatuses(ctx context.Context, messageID, userID string) ([]*model.DeliveryStatusRecord, error) {
	var rows []*model.DeliveryStatus
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("message_id = ? AND user_id = ? AND device_id <> ''", messageID, userID).
		Order("device_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list device statuses: %w", err)
	}

	out := make([]*model.DeliveryStatusRecord, len(rows))
	for i, row := range rows {
		out[i] = model.DeliveryStatusFromDurable(row)
	}
	return out, nil
}

// Close 释放资源
func (r *statusRepo) Close() error {
	r.logger.Info("关闭 StatusRepo")
	return nil
}
