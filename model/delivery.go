package model

import "time"

// DeliveryState 消息投递状态
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// Rank 状态序：failed < sent < delivered < read，写入只能让序前进
// failed 排在最前，失败后的任何确认都能覆盖它
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// Supersedes next 能否覆盖当前状态 s
// 序不回退；显式的 failed 可以覆盖尚未送达的状态（sent、failed）
func (s DeliveryState) Supersedes(next DeliveryState) bool {
	if next == DeliveryFailed {
		return s.Rank() < DeliveryDelivered.Rank()
	}
	return next.Rank() >= s.Rank()
}

// Valid 是否为已知状态
func (s DeliveryState) Valid() bool {
	switch s {
	case DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return true
	}
	return false
}

// DeliveryStateFromRank Rank 的逆映射
func DeliveryStateFromRank(rank int) DeliveryState {
	switch rank {
	case 1:
		return DeliverySent
	case 2:
		return DeliveryDelivered
	case 3:
		return DeliveryRead
	}
	return DeliveryFailed
}

// FailureInfo 投递失败信息
type FailureInfo struct {
	Code        string    `json:"code"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Permanent   bool      `json:"permanent"`
}

// DeliveryStatusRecord 以 (MessageID, UserID, DeviceID) 唯一标识
// DeviceID 为空表示用户级聚合记录
type DeliveryStatusRecord struct {
	MessageID   string        `json:"message_id"`
	UserID      string        `json:"user_id"`
	DeviceID    string        `json:"device_id,omitempty"`
	Status      DeliveryState `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	FailureInfo *FailureInfo  `json:"failure_info,omitempty"`
}

// ToDurable 转换为持久化模型
func (r *DeliveryStatusRecord) ToDurable() *DeliveryStatus {
	row := &DeliveryStatus{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		DeviceID:  r.DeviceID,
		Status:    string(r.Status),
		Rank:      r.Status.Rank(),
		StatusAt:  r.Timestamp,
	}
	if f := r.FailureInfo; f != nil {
		row.FailCode = f.Code
		row.RetryCount = f.RetryCount
		row.MaxRetries = f.MaxRetries
		row.Permanent = f.Permanent
		if !f.NextRetryAt.IsZero() {
			next := f.NextRetryAt
			row.NextRetryAt = &next
		}
	}
	return row
}

// DeliveryStatusFromDurable 持久化模型转换为领域记录
func DeliveryStatusFromDurable(row *DeliveryStatus) *DeliveryStatusRecord {
	rec := &DeliveryStatusRecord{
		MessageID: row.MessageID,
		UserID:    row.UserID,
		DeviceID:  row.DeviceID,
		Status:    DeliveryState(row.Status),
		Timestamp: row.StatusAt,
	}
	if row.FailCode != "" || row.RetryCount > 0 {
		rec.FailureInfo = &FailureInfo{
			Code:       row.FailCode,
			RetryCount: row.RetryCount,
			MaxRetries: row.MaxRetries,
			Permanent:  row.Permanent,
		}
		if row.NextRetryAt != nil {
			rec.FailureInfo.NextRetryAt = *row.NextRetryAt
		}
	}
	return rec
}
