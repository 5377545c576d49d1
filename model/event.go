package model

import (
	"encoding/json"
	"time"
)

// EventType 对外广播的事件类型
type EventType string

const (
	EventPresenceChanged  EventType = "presence.changed"
	EventDeliveryChanged  EventType = "delivery.changed"
	EventDeliveryRetry    EventType = "delivery.retry"
	EventSummaryChanged   EventType = "summary.changed"
	EventCallStateChanged EventType = "call.stateChanged"

	// EventMessagePersisted 聊天主服务在消息落库后发布，本服务消费
	EventMessagePersisted EventType = "message.persisted"
)

// Event 由核心写出、由传输层扇出给客户端
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// PresenceChanged presence.changed
type PresenceChanged struct {
	UserID        string         `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	StatusMessage string         `json:"status_message,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// 在线状态变化原因
const (
	ReasonStaleConnection = "stale_connection"
	ReasonDisconnect      = "disconnect"
	ReasonConnect         = "connect"
	ReasonStatusUpdate    = "status_update"
)

// DeliveryChanged delivery.changed
type DeliveryChanged struct {
	MessageID string        `json:"message_id"`
	UserID    string        `json:"user_id"`
	DeviceID  string        `json:"device_id,omitempty"`
	Status    DeliveryState `json:"status"`
}

// DeliveryRetry delivery.retry，通知传输层重投
type DeliveryRetry struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Attempt   int    `json:"attempt"`
}

// SummaryChanged summary.changed
type SummaryChanged struct {
	ConversationID string               `json:"conversation_id"`
	Summary        *ConversationSummary `json:"summary"`
}

// CallStateChanged call.stateChanged
type CallStateChanged struct {
	CallID      string    `json:"call_id"`
	State       CallState `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	InitiatorID string    `json:"initiator_id"`
	TargetID    string    `json:"target_id"`

	// Payload 信令附带的会话描述，原样转发给对端
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePersisted message.persisted
type MessagePersisted struct {
	ConversationID string   `json:"conversation_id"`
	Message        *Message `json:"message"`
}

// NewEvent 构造事件
func NewEvent(t EventType, at time.Time, payload any) Event {
	return Event{Type: t, OccurredAt: at, Payload: payload}
}
