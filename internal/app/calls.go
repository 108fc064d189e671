package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	EventIncomingCall = "incoming-call"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
	EventCallSignal   = "call-signal"
)

const (
	EndHangup       = "hangup"
	EndCanceled     = "canceled"
	EndTimeout      = "timeout"
	EndDisconnected = "disconnected"
)

type CallEvent struct {
	CallID     string          `json:"callId"`
	FromUserID domain.UserID   `json:"fromUserId"`
	ToUserID   domain.UserID   `json:"toUserId"`
	CallType   domain.CallType `json:"callType,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	By         domain.UserID   `json:"by,omitempty"`
}

type CallSignalEvent struct {
	CallID     string          `json:"callId"`
	FromUserID domain.UserID   `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

// Calls tracks call intent. A user takes part in at most one active call;
// a single lock covers the busy check on both parties.
type Calls struct {
	mu     sync.Mutex
	calls  map[string]*callEntry
	byUser map[domain.UserID]string

	oracle      core.RelationshipOracle
	bcast       core.Broadcaster
	metrics     *metrics.Metrics
	ringTimeout time.Duration
	timeout     time.Duration
	now         func() time.Time
}

type callEntry struct {
	session domain.CallSession
	timer   *time.Timer
}

func NewCalls(oracle core.RelationshipOracle, bcast core.Broadcaster, m *metrics.Metrics, ringTimeout, storeTimeout time.Duration) *Calls {
	return &Calls{
		calls:       make(map[string]*callEntry),
		byUser:      make(map[domain.UserID]string),
		oracle:      oracle,
		bcast:       bcast,
		metrics:     m,
		ringTimeout: ringTimeout,
		timeout:     storeTimeout,
		now:         time.Now,
	}
}

func callEvent(s domain.CallSession) CallEvent {
	return CallEvent{CallID: s.ID, FromUserID: s.CallerID, ToUserID: s.CalleeID, CallType: s.Type}
}

// Initiate starts a ringing call from caller to callee.
func (c *Calls) Initiate(ctx context.Context, caller, callee domain.UserID, typ domain.CallType) (domain.CallSession, error) {
	callee, err := parseTarget(callee)
	if err != nil {
		return domain.CallSession{}, err
	}
	if caller == callee {
		return domain.CallSession{}, core.Invalid(core.ReasonInvalidUserID, "cannot call yourself")
	}
	if typ == "" {
		typ = domain.CallAudio
	}
	if typ != domain.CallAudio && typ != domain.CallVideo {
		return domain.CallSession{}, core.Invalid(core.ReasonInvalidPayload, "unknown call type")
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.oracle.AreConnected(sctx, caller, callee)
	if err != nil {
		return domain.CallSession{}, core.StoreFailure("relationship", err)
	}
	if !ok {
		return domain.CallSession{}, core.Forbidden(core.ReasonNotConnected, "you are not connected with this user")
	}

	c.mu.Lock()
	if _, busy := c.byUser[caller]; busy {
		c.mu.Unlock()
		return domain.CallSession{}, core.Conflict(core.ReasonUserInCall, "you are already in a call")
	}
	if _, busy := c.byUser[callee]; busy {
		c.mu.Unlock()
		return domain.CallSession{}, core.Conflict(core.ReasonUserBusy, "user is busy")
	}
	now := c.now()
	s := domain.CallSession{
		ID:        domain.NewCallID(caller, callee, now),
		CallerID:  caller,
		CalleeID:  callee,
		Type:      typ,
		State:     domain.CallRinging,
		CreatedAt: now,
	}
	e := &callEntry{session: s}
	if c.ringTimeout > 0 {
		id := s.ID
		e.timer = time.AfterFunc(c.ringTimeout, func() { c.expire(id) })
	}
	c.calls[s.ID] = e
	c.byUser[caller] = s.ID
	c.byUser[callee] = s.ID
	c.mu.Unlock()

	c.metrics.ActiveCalls.Inc()
	c.bcast.ToUser(callee, core.Event{Type: EventIncomingCall, Data: callEvent(s)})
	log.Info().Str("module", "app.calls").Str("call", s.ID).Str("type", string(typ)).Msg("call ringing")
	return s, nil
}

// lookup returns the entry for id if u takes part in it. Caller holds mu.
func (c *Calls) lookup(id string, u domain.UserID) (*callEntry, error) {
	e, ok := c.calls[id]
	if !ok {
		return nil, core.NotFound(core.ReasonCallNotFound, "call not found")
	}
	if _, ok := e.session.Peer(u); !ok {
		return nil, core.NotFound(core.ReasonCallNotFound, "call not found")
	}
	return e, nil
}

// remove drops a finished call. Caller holds mu.
func (c *Calls) remove(e *callEntry, state domain.CallState, outcome string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.session.State = state
	delete(c.calls, e.session.ID)
	if c.byUser[e.session.CallerID] == e.session.ID {
		delete(c.byUser, e.session.CallerID)
	}
	if c.byUser[e.session.CalleeID] == e.session.ID {
		delete(c.byUser, e.session.CalleeID)
	}
	c.metrics.ActiveCalls.Dec()
	c.metrics.Calls.WithLabelValues(outcome).Inc()
}

func (c *Calls) Accept(u domain.UserID, id string) (domain.CallSession, error) {
	c.mu.Lock()
	e, err := c.lookup(id, u)
	if err == nil && u != e.session.CalleeID {
		err = core.NotFound(core.ReasonCallNotFound, "call not found")
	}
	if err == nil && e.session.State != domain.CallRinging {
		err = core.Conflict(core.ReasonInvalidCallState, "call is not ringing")
	}
	if err != nil {
		c.mu.Unlock()
		return domain.CallSession{}, err
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	now := c.now()
	e.session.State = domain.CallAccepted
	e.session.AcceptedAt = &now
	s := e.session
	c.mu.Unlock()

	c.bcast.ToUser(s.CallerID, core.Event{Type: EventCallAccepted, Data: callEvent(s)})
	log.Info().Str("module", "app.calls").Str("call", id).Msg("call accepted")
	return s, nil
}

func (c *Calls) Reject(u domain.UserID, id string) (domain.CallSession, error) {
	c.mu.Lock()
	e, err := c.lookup(id, u)
	if err == nil && u != e.session.CalleeID {
		err = core.NotFound(core.ReasonCallNotFound, "call not found")
	}
	if err == nil && e.session.State != domain.CallRinging {
		err = core.Conflict(core.ReasonInvalidCallState, "call is not ringing")
	}
	if err != nil {
		c.mu.Unlock()
		return domain.CallSession{}, err
	}
	c.remove(e, domain.CallRejected, "rejected")
	s := e.session
	c.mu.Unlock()

	c.bcast.ToUser(s.CallerID, core.Event{Type: EventCallRejected, Data: callEvent(s)})
	log.Info().Str("module", "app.calls").Str("call", id).Msg("call rejected")
	return s, nil
}

// End hangs up an accepted call or cancels a ringing one.
func (c *Calls) End(u domain.UserID, id string) (domain.CallSession, error) {
	c.mu.Lock()
	e, err := c.lookup(id, u)
	if err != nil {
		c.mu.Unlock()
		return domain.CallSession{}, err
	}
	reason := EndHangup
	if e.session.State == domain.CallRinging {
		reason = EndCanceled
	}
	c.remove(e, domain.CallEnded, reason)
	s := e.session
	c.mu.Unlock()

	c.notifyEnded(s, reason, u)
	return s, nil
}

// Signal relays an opaque offer, answer or candidate to the other party.
func (c *Calls) Signal(u domain.UserID, id string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return core.Invalid(core.ReasonInvalidPayload, "signal payload is required")
	}
	c.mu.Lock()
	e, err := c.lookup(id, u)
	var peer domain.UserID
	if err == nil {
		peer, _ = e.session.Peer(u)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.bcast.ToUser(peer, core.Event{Type: EventCallSignal, Data: CallSignalEvent{CallID: id, FromUserID: u, Payload: payload}})
	return nil
}

// Status returns the call u is currently part of, if any.
func (c *Calls) Status(u domain.UserID) (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byUser[u]
	if !ok {
		return domain.CallSession{}, false
	}
	return c.calls[id].session, true
}

// DropUser ends the active call of a user whose last connection went away.
func (c *Calls) DropUser(u domain.UserID) {
	c.mu.Lock()
	id, ok := c.byUser[u]
	if !ok {
		c.mu.Unlock()
		return
	}
	e := c.calls[id]
	c.remove(e, domain.CallEnded, EndDisconnected)
	s := e.session
	c.mu.Unlock()

	c.notifyEnded(s, EndDisconnected, u)
}

func (c *Calls) expire(id string) {
	c.mu.Lock()
	e, ok := c.calls[id]
	if !ok || e.session.State != domain.CallRinging {
		c.mu.Unlock()
		return
	}
	c.remove(e, domain.CallEnded, EndTimeout)
	s := e.session
	c.mu.Unlock()

	c.notifyEnded(s, EndTimeout, "")
}

func (c *Calls) notifyEnded(s domain.CallSession, reason string, by domain.UserID) {
	ev := callEvent(s)
	ev.Reason = reason
	ev.By = by
	c.bcast.ToUser(s.CallerID, core.Event{Type: EventCallEnded, Data: ev})
	c.bcast.ToUser(s.CalleeID, core.Event{Type: EventCallEnded, Data: ev})
	log.Info().Str("module", "app.calls").Str("call", s.ID).Str("reason", reason).Msg("call ended")
}

// Close stops pending ring timers.
func (c *Calls) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.calls {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
