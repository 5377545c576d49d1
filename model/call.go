package model

import "time"

// CallType 通话类型
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Valid 是否为已知通话类型
func (t CallType) Valid() bool {
	return t == CallVoice || t == CallVideo
}

// CallState 通话状态，只能向前推进
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallActive     CallState = "active"
	CallEnded      CallState = "ended"
)

// Terminal 是否为终态
func (s CallState) Terminal() bool {
	return s == CallEnded
}

// 结束原因
const (
	EndReasonDeclined       = "declined"
	EndReasonHangup         = "hangup"
	EndReasonError          = "error"
	EndReasonTimeout        = "timeout"
	EndReasonConnectTimeout = "connect_timeout"
	EndReasonMaxDuration    = "max_duration"
)

// CallSession 一次通话尝试
type CallSession struct {
	CallID      string     `json:"call_id"`
	InitiatorID string     `json:"initiator_id"`
	TargetID    string     `json:"target_id"`
	CallType    CallType   `json:"call_type"`
	State       CallState  `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
	// Deadline 当前状态的超时时间，终态为零值
	Deadline time.Time `json:"deadline,omitempty"`
}

// Participant 是否为通话双方之一
func (s *CallSession) Participant(userID string) bool {
	return userID != "" && (s.InitiatorID == userID || s.TargetID == userID)
}

// ToHistory 转换为归档记录
func (s *CallSession) ToHistory() *CallHistory {
	h := &CallHistory{
		CallID:      s.CallID,
		InitiatorID: s.InitiatorID,
		TargetID:    s.TargetID,
		CallType:    string(s.CallType),
		FinalState:  string(s.State),
		EndReason:   s.EndReason,
		StartedAt:   s.StartedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
	}
	if s.ConnectedAt != nil && s.EndedAt != nil {
		h.DurationSec = int64(s.EndedAt.Sub(*s.ConnectedAt) / time.Second)
	}
	return h
}
