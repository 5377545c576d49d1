package model

import (
	"time"
)

// ============================================================================
// 持久化模型（PostgreSQL）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源 (Single Source of Truth)。
// 表结构通过 `go run main.go -module init` 调用 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表                 索引名                    列                                   类型       用途
//	────────────────── ──────────────────────── ──────────────────────────────────── ────────── ─────────────────────────────────
//	t_session_member   PK                       (session_id, username)               复合主键   按会话查成员
//	t_message_content  PK                       msg_id                               主键       按消息 ID 精确查询
//	t_message_content  idx_sess_time            (session_id, sent_at)                复合       取会话最后一条消息
//	t_delivery_status  PK                       (message_id, user_id, device_id)     复合主键   状态对账 upsert
//	t_delivery_status  idx_status_user          user_id                              普通       按用户查询投递记录
//	t_call_history     PK                       call_id                              主键       通话归档幂等写入
//	t_call_history     idx_call_initiator       (initiator_id, started_at)           复合       主叫通话记录
//	t_call_history     idx_call_target          (target_id, started_at)              复合       被叫通话记录
//
// t_session_member 与 t_message_content 由聊天主服务写入，本服务只读。
// ============================================================================

// SessionMember 会话成员表（只读）
type SessionMember struct {
	SessionID string `gorm:"primaryKey;column:session_id;type:varchar(64);not null"`
	Username  string `gorm:"primaryKey;column:username;type:varchar(64);not null"`
	Role      int    `gorm:"column:role;type:smallint;default:0"` // 0-成员, 1-管理员
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageContent 消息内容表（只读）
// 索引：PK(msg_id) + idx_sess_time(session_id, sent_at)
//
//	典型查询: WHERE session_id = ? ORDER BY sent_at DESC LIMIT 1
type MessageContent struct {
	MsgID           string    `gorm:"primaryKey;column:msg_id;type:varchar(64);not null"`
	SessionID       string    `gorm:"column:session_id;type:varchar(64);not null;index:idx_sess_time,priority:1"`
	SenderID        string    `gorm:"column:sender_id;type:varchar(64);not null"`
	Content         string    `gorm:"column:content;type:text"`
	MsgType         string    `gorm:"column:msg_type;type:varchar(32)"`
	AttachmentCount int       `gorm:"column:attachment_count;type:int;default:0"`
	SentAt          time.Time `gorm:"column:sent_at;not null;index:idx_sess_time,priority:2"`
	CreatedAt       time.Time
}

// DeliveryStatus 投递/已读状态表，对账任务从 Redis 批量刷入
// 索引：PK(message_id, user_id, device_id) + idx_status_user(user_id)
//   - device_id 为空串表示该用户在所有设备上的聚合状态
type DeliveryStatus struct {
	MessageID   string     `gorm:"primaryKey;column:message_id;type:varchar(64);not null"`
	UserID      string     `gorm:"primaryKey;column:user_id;type:varchar(64);not null;index:idx_status_user"`
	DeviceID    string     `gorm:"primaryKey;column:device_id;type:varchar(64);not null;default:''"`
	Status      string     `gorm:"column:status;type:varchar(16);not null"`
	Rank        int        `gorm:"column:status_rank;type:smallint;not null;default:0"`
	StatusAt    time.Time  `gorm:"column:status_at;not null"`
	FailCode    string     `gorm:"column:fail_code;type:varchar(64)"`
	RetryCount  int        `gorm:"column:retry_count;type:int;default:0"`
	MaxRetries  int        `gorm:"column:max_retries;type:int;default:0"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at"`
	Permanent   bool       `gorm:"column:permanent;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CallHistory 通话归档表
// 索引：PK(call_id) + idx_call_initiator + idx_call_target
type CallHistory struct {
	CallID      string     `gorm:"primaryKey;column:call_id;type:varchar(64);not null"`
	InitiatorID string     `gorm:"column:initiator_id;type:varchar(64);not null;index:idx_call_initiator,priority:1"`
	TargetID    string     `gorm:"column:target_id;type:varchar(64);not null;index:idx_call_target,priority:1"`
	CallType    string     `gorm:"column:call_type;type:varchar(16);not null"`
	FinalState  string     `gorm:"column:final_state;type:varchar(16);not null"`
	EndReason   string     `gorm:"column:end_reason;type:varchar(32)"`
	StartedAt   time.Time  `gorm:"column:started_at;not null;index:idx_call_initiator,priority:2;index:idx_call_target,priority:2"`
	ConnectedAt *time.Time `gorm:"column:connected_at"`
	EndedAt     *time.Time `gorm:"column:ended_at"`
	DurationSec int64      `gorm:"column:duration_sec;type:bigint;default:0"`
	CreatedAt   time.Time
}

// ============================================================================
// 表名映射
// ============================================================================

func (SessionMember) TableName() string  { return "t_session_member" }
func (MessageContent) TableName() string { return "t_message_content" }
func (DeliveryStatus) TableName() string { return "t_delivery_status" }
func (CallHistory) TableName() string    { return "t_call_history" }

// AllModels 返回所有需要 AutoMigrate 的模型列表
func AllModels() []any {
	return []any{
		&SessionMember{},
		&MessageContent{},
		&DeliveryStatus{},
		&CallHistory{},
	}
}

// OwnedModels 返回本服务负责写入的表
func OwnedModels() []any {
	return []any{
		&DeliveryStatus{},
		&CallHistory{},
	}
}
