package model

import "time"

// 消息类型
const (
	MessageText     = "text"
	MessageImage    = "image"
	MessageVideo    = "video"
	MessageAudio    = "audio"
	MessageFile     = "file"
	MessageLocation = "location"
	MessageSticker  = "sticker"
	MessageContact  = "contact"
	MessageSystem   = "system"
)

// Attachment 消息附件
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message 已持久化的消息，由聊天主服务在落库后投递给本服务
type Message struct {
	MessageID      string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// ConversationSummary 会话列表使用的最后一条消息摘要
type ConversationSummary struct {
	ConversationID  string    `json:"conversation_id"`
	MessageID       string    `json:"message_id"`
	SenderID        string    `json:"sender_id"`
	ContentPreview  string    `json:"content_preview"`
	HasMore         bool      `json:"has_more"`
	MessageType     string    `json:"message_type"`
	Timestamp       time.Time `json:"timestamp"`
	ReadBy          []string  `json:"read_by"`
	DeliveredTo     []string  `json:"delivered_to"`
	AttachmentCount int       `json:"attachment_count"`
	// ReadByViewer 请求方是否已读该消息
	ReadByViewer bool `json:"read_by_viewer"`
}

// SummaryFromContent 由持久化消息构造摘要（读扩散回源使用）
func SummaryFromContent(msg *MessageContent, preview string, hasMore bool) *ConversationSummary {
	return &ConversationSummary{
		ConversationID:  msg.SessionID,
		MessageID:       msg.MsgID,
		SenderID:        msg.SenderID,
		ContentPreview:  preview,
		HasMore:         hasMore,
		MessageType:     msg.MsgType,
		Timestamp:       msg.SentAt,
		AttachmentCount: msg.AttachmentCount,
	}
}
