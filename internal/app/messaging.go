package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	EventMessage      = "receive-message"
	EventDelivered    = "message-delivered"
	EventRead         = "messages-read"
	EventEdited       = "message-edited"
	EventDeleted      = "message-deleted"
	EventReaction     = "message-reaction"
	EventPinned       = "message-pinned"
	EventUnpinned     = "message-unpinned"
	EventGroupCreated = "group-created"
)

// errNoChange aborts a store update without persisting anything.
var errNoChange = errors.New("no change")

type MessageEvent struct {
	ChatID  string         `json:"chatId"`
	RoomID  domain.RoomID  `json:"roomId"`
	Message domain.Message `json:"message"`
}

type DeliveredEvent struct {
	ChatID    string               `json:"chatId"`
	MessageID string               `json:"messageId"`
	Status    domain.MessageStatus `json:"status"`
}

type ReadEvent struct {
	ChatID     string        `json:"chatId"`
	ReadBy     domain.UserID `json:"readBy"`
	MessageIDs []string      `json:"messageIds"`
	ReadAt     time.Time     `json:"readAt"`
}

// SendAck is returned to the sender once the message is persisted.
type SendAck struct {
	MessageID string               `json:"messageId"`
	ChatID    string               `json:"chatId"`
	RoomID    domain.RoomID        `json:"roomId"`
	Status    domain.MessageStatus `json:"status"`
	CreatedAt time.Time            `json:"createdAt"`
}

type MessagingOptions struct {
	MaxTextLen   int
	StoreTimeout time.Duration
}

// Messaging validates, persists and fans out chat messages and their
// mutations.
type Messaging struct {
	store    core.ConversationStore
	oracle   core.RelationshipOracle
	limiter  *RateLimiter
	registry *Registry
	rooms    *RoomIndex
	presence *PresenceTracker
	bcast    core.Broadcaster
	metrics  *metrics.Metrics

	maxText int
	timeout time.Duration
	now     func() time.Time
}

type MessagingDeps struct {
	Store    core.ConversationStore
	Oracle   core.RelationshipOracle
	Limiter  *RateLimiter
	Registry *Registry
	Rooms    *RoomIndex
	Presence *PresenceTracker
	Bcast    core.Broadcaster
	Metrics  *metrics.Metrics
}

func NewMessaging(d MessagingDeps, opts MessagingOptions) *Messaging {
	return &Messaging{
		store:    d.Store,
		oracle:   d.Oracle,
		limiter:  d.Limiter,
		registry: d.Registry,
		rooms:    d.Rooms,
		presence: d.Presence,
		bcast:    d.Bcast,
		metrics:  d.Metrics,
		maxText:  opts.MaxTextLen,
		timeout:  opts.StoreTimeout,
		now:      func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
	}
}

func (e *Messaging) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// storeErr passes engine errors through, maps missing records to notFound
// and wraps everything else as a store failure.
func (e *Messaging) storeErr(op string, err error, notFound core.Reason) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, core.ErrNotFound) {
		return core.NotFound(notFound, op+": not found")
	}
	e.metrics.StoreErrors.WithLabelValues(op).Inc()
	return core.StoreFailure(op, err)
}

func (e *Messaging) requireConnected(ctx context.Context, a, b domain.UserID) error {
	if a == b {
		return core.Invalid(core.ReasonInvalidUserID, "cannot message yourself")
	}
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	ok, err := e.oracle.AreConnected(sctx, a, b)
	if err != nil {
		return e.storeErr("relationship", err, core.ReasonNotConnected)
	}
	if !ok {
		return core.Forbidden(core.ReasonNotConnected, "you are not connected with this user")
	}
	return nil
}

func parseTarget(raw domain.UserID) (domain.UserID, error) {
	id, err := domain.ParseUserID(string(raw))
	if err != nil {
		return "", core.Invalid(core.ReasonInvalidUserID, "invalid user id")
	}
	return id, nil
}

// JoinConversation subscribes conn to the room it shares with target and
// pushes the target's presence to it.
func (e *Messaging) JoinConversation(ctx context.Context, conn *core.Connection, target domain.UserID) (domain.RoomID, error) {
	target, err := parseTarget(target)
	if err != nil {
		return "", err
	}
	if err := e.requireConnected(ctx, conn.UserID, target); err != nil {
		return "", err
	}
	room := domain.CanonicalRoomID(conn.UserID, target)
	if !e.rooms.Join(room, conn) {
		return "", core.NotFound(core.ReasonRoomNotFound, "connection is closed")
	}

	pr, err := e.presence.GetPresence(ctx, target)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.messaging").Str("user", string(target)).Msg("presence lookup failed")
	} else if f, ok := encode(core.Event{Type: EventPresence, Data: pr}); ok {
		_ = conn.Send(f)
	}
	log.Debug().Str("module", "app.messaging").Str("conn", string(conn.ID)).Str("room", string(room)).Msg("joined conversation")
	return room, nil
}

func (e *Messaging) LeaveConversation(conn *core.Connection, target domain.UserID) domain.RoomID {
	room := domain.CanonicalRoomID(conn.UserID, target)
	e.rooms.Leave(room, conn)
	return room
}

// JoinChat subscribes conn to the room of an existing conversation by id.
func (e *Messaging) JoinChat(ctx context.Context, conn *core.Connection, chatID string) (domain.RoomID, error) {
	conv, err := e.participantConversation(ctx, conn.UserID, chatID)
	if err != nil {
		return "", err
	}
	room := conv.RoomID()
	if !e.rooms.Join(room, conn) {
		return "", core.NotFound(core.ReasonRoomNotFound, "connection is closed")
	}
	return room, nil
}

// SendMessage persists a direct message from sender to target and fans it
// out. The rate limiter is consulted before anything else.
func (e *Messaging) SendMessage(ctx context.Context, sender, target domain.UserID, p domain.Payload) (SendAck, error) {
	if !e.limiter.Admit(sender) {
		return SendAck{}, core.RateLimited()
	}
	target, err := parseTarget(target)
	if err != nil {
		return SendAck{}, err
	}
	p, err = e.validatePayload(p)
	if err != nil {
		return SendAck{}, err
	}
	if err := e.requireConnected(ctx, sender, target); err != nil {
		return SendAck{}, err
	}
	conv, err := e.findOrCreate(ctx, []domain.UserID{sender, target})
	if err != nil {
		return SendAck{}, err
	}
	return e.deliver(ctx, sender, conv, p)
}

// SendToChat persists a message into an existing conversation, typically a
// group.
func (e *Messaging) SendToChat(ctx context.Context, sender domain.UserID, chatID string, p domain.Payload) (SendAck, error) {
	if !e.limiter.Admit(sender) {
		return SendAck{}, core.RateLimited()
	}
	p, err := e.validatePayload(p)
	if err != nil {
		return SendAck{}, err
	}
	conv, err := e.participantConversation(ctx, sender, chatID)
	if err != nil {
		return SendAck{}, err
	}
	return e.deliver(ctx, sender, conv, p)
}

func (e *Messaging) validatePayload(p domain.Payload) (domain.Payload, error) {
	p = p.Normalize()
	switch err := p.Validate(e.maxText); {
	case err == nil:
		return p, nil
	case errors.Is(err, domain.ErrEmptyText):
		return p, core.Invalid(core.ReasonEmptyMessage, "message cannot be empty")
	case errors.Is(err, domain.ErrTextTooLong):
		return p, core.Invalid(core.ReasonMessageTooLong, "message is too long")
	case errors.Is(err, domain.ErrMissingMediaURL):
		return p, core.Invalid(core.ReasonMissingMediaURL, "media reference is required")
	default:
		return p, core.Invalid(core.ReasonInvalidPayload, err.Error())
	}
}

func (e *Messaging) findOrCreate(ctx context.Context, participants []domain.UserID) (*domain.Conversation, error) {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	conv, err := e.store.FindByParticipants(sctx, participants)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, e.storeErr("find conversation", err, core.ReasonChatNotFound)
	}
	conv, err = e.store.Create(sctx, participants, nil)
	if err != nil {
		return nil, e.storeErr("create conversation", err, core.ReasonChatNotFound)
	}
	log.Info().Str("module", "app.messaging").Str("chat", conv.ID).Msg("conversation created")
	return conv, nil
}

func (e *Messaging) deliver(ctx context.Context, sender domain.UserID, conv *domain.Conversation, p domain.Payload) (SendAck, error) {
	now := e.now()
	msg := domain.NewMessage(domain.NewObjectID(now), sender, p, now)

	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.AppendMessage(sctx, conv.ID, msg); err != nil {
		return SendAck{}, e.storeErr("append message", err, core.ReasonChatNotFound)
	}
	e.metrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()

	room := conv.RoomID()
	e.bcast.ToRoom(room, core.Event{Type: EventMessage, Data: MessageEvent{ChatID: conv.ID, RoomID: room, Message: msg}})

	ack := SendAck{MessageID: msg.ID, ChatID: conv.ID, RoomID: room, Status: msg.Status, CreatedAt: msg.CreatedAt}
	if e.anyRecipientOnline(ctx, conv, sender) && e.markDelivered(ctx, sender, conv.ID, msg.ID) {
		ack.Status = domain.StatusDelivered
	}
	return ack, nil
}

func (e *Messaging) anyRecipientOnline(ctx context.Context, conv *domain.Conversation, sender domain.UserID) bool {
	for _, u := range conv.Participants {
		if u != sender && e.presence.Online(ctx, u) {
			return true
		}
	}
	return false
}

// markDelivered is a broadcast-only path: failures are logged, never returned.
func (e *Messaging) markDelivered(ctx context.Context, sender domain.UserID, chatID, msgID string) bool {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	now := e.now()
	_, err := e.store.UpdateMessage(sctx, chatID, msgID, func(m *domain.Message) error {
		if !m.Advance(domain.StatusDelivered, now) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false
	}
	if err != nil {
		e.metrics.StoreErrors.WithLabelValues("mark delivered").Inc()
		log.Warn().Err(err).Str("module", "app.messaging").Str("chat", chatID).Str("msg", msgID).Msg("mark delivered failed")
		return false
	}
	e.bcast.ToUser(sender, core.Event{Type: EventDelivered, Data: DeliveredEvent{ChatID: chatID, MessageID: msgID, Status: domain.StatusDelivered}})
	return true
}

// MarkRead flips every message target sent to reader to read and tells
// target about it.
func (e *Messaging) MarkRead(ctx context.Context, reader, target domain.UserID) (ReadEvent, error) {
	target, err := parseTarget(target)
	if err != nil {
		return ReadEvent{}, err
	}
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	conv, err := e.store.FindByParticipants(sctx, []domain.UserID{reader, target})
	if err != nil {
		return ReadEvent{}, e.storeErr("find conversation", err, core.ReasonChatNotFound)
	}

	now := e.now()
	var changed []string
	_, err = e.store.UpdateConversation(sctx, conv.ID, func(c *domain.Conversation) error {
		changed = c.MarkReadFrom(target, now)
		if len(changed) == 0 {
			return errNoChange
		}
		return nil
	})
	ev := ReadEvent{ChatID: conv.ID, ReadBy: reader, MessageIDs: []string{}, ReadAt: now}
	if errors.Is(err, errNoChange) {
		return ev, nil
	}
	if err != nil {
		return ReadEvent{}, e.storeErr("mark read", err, core.ReasonChatNotFound)
	}
	ev.MessageIDs = changed
	e.bcast.ToUser(target, core.Event{Type: EventRead, Data: ev})
	return ev, nil
}

// CreateGroup creates a group conversation owned by creator. Every member
// must be connected to the creator.
func (e *Messaging) CreateGroup(ctx context.Context, creator domain.UserID, name, photo string, members []domain.UserID) (*domain.Conversation, error) {
	if name == "" {
		return nil, core.Invalid(core.ReasonInvalidPayload, "group name is required")
	}
	participants := []domain.UserID{creator}
	for _, m := range members {
		id, err := parseTarget(m)
		if err != nil {
			return nil, err
		}
		participants = append(participants, id)
	}
	participants = domain.SortedParticipants(participants)
	if len(participants) < domain.MinGroupParticipants {
		return nil, core.Invalid(core.ReasonInvalidPayload, "a group needs at least 3 participants")
	}
	for _, m := range participants {
		if m == creator {
			continue
		}
		if err := e.requireConnected(ctx, creator, m); err != nil {
			return nil, err
		}
	}

	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	conv, err := e.store.Create(sctx, participants, &domain.GroupInfo{Name: name, Photo: photo, Admins: []domain.UserID{creator}})
	if err != nil {
		return nil, e.storeErr("create group", err, core.ReasonChatNotFound)
	}
	for _, u := range conv.Participants {
		e.bcast.ToUser(u, core.Event{Type: EventGroupCreated, Data: conv})
	}
	log.Info().Str("module", "app.messaging").Str("chat", conv.ID).Int("participants", len(participants)).Msg("group created")
	return conv, nil
}

func (e *Messaging) participantConversation(ctx context.Context, u domain.UserID, chatID string) (*domain.Conversation, error) {
	if !domain.ValidObjectID(chatID) {
		return nil, core.Invalid(core.ReasonInvalidPayload, "invalid chat id")
	}
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	conv, err := e.store.Get(sctx, chatID)
	if err != nil {
		return nil, e.storeErr("get conversation", err, core.ReasonChatNotFound)
	}
	if !conv.HasParticipant(u) {
		return nil, core.Forbidden(core.ReasonNotParticipant, "you are not part of this chat")
	}
	return conv, nil
}
