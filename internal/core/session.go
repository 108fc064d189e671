package core

import (
	"sync"

	"github.com/dkeye/Tether/internal/domain"
	"github.com/google/uuid"
)

type ConnID string

// Connection is one authenticated transport connection of a user.
// A user may hold several at once (devices, tabs).
type Connection struct {
	ID       ConnID
	UserID   domain.UserID
	DeviceID string
	Signal   SignalConnection

	closeOnce sync.Once
	done      chan struct{}
}

func NewConnection(user domain.UserID, device string, sig SignalConnection) *Connection {
	return &Connection{
		ID:       ConnID(uuid.NewString()),
		UserID:   user,
		DeviceID: device,
		Signal:   sig,
		done:     make(chan struct{}),
	}
}

func (c *Connection) Send(f Frame) error {
	return c.Signal.TrySend(f)
}

// MarkClosed returns true only for the first caller; everything that must
// run exactly once per disconnect hangs off that.
func (c *Connection) MarkClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
	})
	return first
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
