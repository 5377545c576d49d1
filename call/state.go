package call

import "github.com/ceyewan/pulse/model"

// Signal 信令类型
type Signal string

const (
	SignalRing      Signal = "ring"
	SignalAccept    Signal = "accept"
	SignalConnected Signal = "connected"
	SignalDecline   Signal = "decline"
	SignalHangup    Signal = "hangup"
	SignalError     Signal = "error"
)

// Valid 是否为已知信令
func (s Signal) Valid() bool {
	switch s {
	case SignalRing, SignalAccept, SignalConnected, SignalDecline, SignalHangup, SignalError:
		return true
	}
	return false
}

// Role 信令发出方在通话中的角色
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleTarget
)

// RoleOf 计算 userID 在会话中的角色
func RoleOf(s *model.CallSession, userID string) Role {
	switch {
	case userID == "":
		return RoleNone
	case userID == s.InitiatorID:
		return RoleInitiator
	case userID == s.TargetID:
		return RoleTarget
	}
	return RoleNone
}

// Next 纯状态转移：返回目标状态与结束原因
//
//	idle       --ring(initiator)---> ringing
//	ringing    --accept(target)----> connecting
//	connecting --connected(any)----> active
//	非终态      --decline/hangup/error(any)--> ended
func Next(from model.CallState, sig Signal, role Role) (model.CallState, string, error) {
	if from.Terminal() {
		return from, "", ErrCallEnded
	}
	if role == RoleNone {
		return from, "", ErrNotParticipant
	}

	switch sig {
	case SignalRing:
		if from == model.CallIdle && role == RoleInitiator {
			return model.CallRinging, "", nil
		}
	case SignalAccept:
		if from == model.CallRinging && role == RoleTarget {
			return model.CallConnecting, "", nil
		}
	case SignalConnected:
		if from == model.CallConnecting {
			return model.CallActive, "", nil
		}
	case SignalDecline:
		return model.CallEnded, model.EndReasonDeclined, nil
	case SignalHangup:
		return model.CallEnded, model.EndReasonHangup, nil
	case SignalError:
		return model.CallEnded, model.EndReasonError, nil
	}
	return from, "", ErrInvalidTransition
}

// expiryReason 状态超时对应的结束原因
func expiryReason(state model.CallState) string {
	switch state {
	case model.CallConnecting:
		return model.EndReasonConnectTimeout
	case model.CallActive:
		return model.EndReasonMaxDuration
	}
	return model.EndReasonTimeout
}
