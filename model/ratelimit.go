package model

import "time"

// RateLimitWindow 固定窗口计数，只在窗口内 count > 0 时存在
type RateLimitWindow struct {
	IdentityKey   string    `json:"identity_key"`
	ActionKey     string    `json:"action_key"`
	Count         int64     `json:"count"`
	WindowStart   time.Time `json:"window_start"`
	WindowSeconds int       `json:"window_seconds"`
	Limit         int64     `json:"limit"`
}
