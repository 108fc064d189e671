package app

import "github.com/dkeye/Tether/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(conn *core.Connection) BackpressureAction
}

// SimplePolicy kicks slow connections; a client that silently misses events
// is worse off than one that reconnects.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Connection) BackpressureAction {
	return KickMember
}

// DropPolicy only drops the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*core.Connection) BackpressureAction {
	return DropFrame
}
