package domain

import (
	"fmt"
	"time"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallState string

const (
	CallRinging  CallState = "ringing"
	CallAccepted CallState = "accepted"
	CallRejected CallState = "rejected"
	CallEnded    CallState = "ended"
)

type CallSession struct {
	ID         string     `json:"callId"`
	CallerID   UserID     `json:"fromUserId"`
	CalleeID   UserID     `json:"toUserId"`
	Type       CallType   `json:"callType"`
	State      CallState  `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
}

func NewCallID(caller, callee UserID, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", caller, callee, at.UnixMilli())
}

func (c *CallSession) Active() bool {
	return c.State == CallRinging || c.State == CallAccepted
}

// Peer returns the other participant of the call.
func (c *CallSession) Peer(u UserID) (UserID, bool) {
	switch u {
	case c.CallerID:
		return c.CalleeID, true
	case c.CalleeID:
		return c.CallerID, true
	}
	return "", false
}
