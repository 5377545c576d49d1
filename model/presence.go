package model

import "time"

// PresenceStatus 在线状态
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
	// PresenceUnknown 只在存储不可用时返回给调用方，从不落地
	PresenceUnknown PresenceStatus = "unknown"
)

// Valid 是否是可写入的状态
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Active 非 offline 即视为在线
func (s PresenceStatus) Active() bool {
	return s.Valid() && s != PresenceOffline
}

// Device 设备连接描述，由网关在连接建立时提供
type Device struct {
	DeviceID   string `json:"device_id"`
	SocketID   string `json:"socket_id"`
	Platform   string `json:"platform,omitempty"` // ios, android, web, desktop
	AppVersion string `json:"app_version,omitempty"`
}

// DevicePresence 单设备（或用户聚合）在线记录，存储在 Redis 中
type DevicePresence struct {
	UserID        string         `json:"user_id"`
	DeviceID      string         `json:"device_id"`
	Status        PresenceStatus `json:"status"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	ConnectedAt   time.Time      `json:"connected_at"`
	StatusMessage string         `json:"status_message,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	DeviceCount   int            `json:"device_count"`
}

// Online 是否在线
func (p *DevicePresence) Online() bool {
	return p != nil && p.Status.Active()
}
