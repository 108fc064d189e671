package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

type EditedEvent struct {
	ChatID  string         `json:"chatId"`
	Message domain.Message `json:"message"`
}

type DeletedEvent struct {
	ChatID    string     `json:"chatId"`
	MessageID string     `json:"messageId"`
	Text      string     `json:"text"`
	DeletedAt *time.Time `json:"deletedAt"`
}

type ReactionEvent struct {
	ChatID    string            `json:"chatId"`
	MessageID string            `json:"messageId"`
	Reactions []domain.Reaction `json:"reactions"`
}

type PinEvent struct {
	ChatID    string     `json:"chatId"`
	MessageID string     `json:"messageId,omitempty"`
	PinnedAt  *time.Time `json:"pinnedAt,omitempty"`
}

func tombstoneErr(err error) error {
	if errors.Is(err, domain.ErrTombstoned) {
		return core.Conflict(core.ReasonMessageDeleted, "message was deleted")
	}
	return err
}

// mutate loads the conversation for the participant check and runs fn on
// the message atomically.
func (e *Messaging) mutate(ctx context.Context, op string, u domain.UserID, chatID, msgID string, fn func(*domain.Message) error) (*domain.Conversation, *domain.Message, error) {
	if msgID == "" {
		return nil, nil, core.Invalid(core.ReasonInvalidPayload, "message id is required")
	}
	conv, err := e.participantConversation(ctx, u, chatID)
	if err != nil {
		return nil, nil, err
	}
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	msg, err := e.store.UpdateMessage(sctx, chatID, msgID, func(m *domain.Message) error {
		return tombstoneErr(fn(m))
	})
	if err != nil {
		return nil, nil, err
	}
	e.metrics.MessageMutations.WithLabelValues(op).Inc()
	return conv, msg, nil
}

func (e *Messaging) mutationErr(op string, err error) error {
	return e.storeErr(op, err, core.ReasonMessageNotFound)
}

// EditMessage replaces the text of a message. Only its sender may edit and
// a message deleted for everyone stays deleted.
func (e *Messaging) EditMessage(ctx context.Context, u domain.UserID, chatID, msgID, text string) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if _, err := e.validatePayload(domain.Payload{Kind: domain.KindText, Text: text}); err != nil {
		return nil, err
	}
	now := e.now()
	conv, msg, err := e.mutate(ctx, "edit", u, chatID, msgID, func(m *domain.Message) error {
		if m.SenderID != u {
			return core.Forbidden(core.ReasonNotSender, "only the sender can edit this message")
		}
		return m.Edit(text, now)
	})
	if err != nil {
		return nil, e.mutationErr("edit message", err)
	}
	e.bcast.ToRoom(conv.RoomID(), core.Event{Type: EventEdited, Data: EditedEvent{ChatID: chatID, Message: *msg}})
	return msg, nil
}

// DeleteForMe hides the message for u only. Repeating it changes nothing.
func (e *Messaging) DeleteForMe(ctx context.Context, u domain.UserID, chatID, msgID string) error {
	_, _, err := e.mutate(ctx, "delete_for_me", u, chatID, msgID, func(m *domain.Message) error {
		if !m.HideFor(u) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return e.mutationErr("delete for me", err)
	}
	return nil
}

// DeleteForEveryone tombstones the message. Every participant hears about
// it, whether or not they have the conversation open.
func (e *Messaging) DeleteForEveryone(ctx context.Context, u domain.UserID, chatID, msgID string) (*domain.Message, error) {
	now := e.now()
	conv, msg, err := e.mutate(ctx, "delete_for_everyone", u, chatID, msgID, func(m *domain.Message) error {
		if m.SenderID != u {
			return core.Forbidden(core.ReasonNotSender, "only the sender can delete this message for everyone")
		}
		if !m.Tombstone(now) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, e.mutationErr("delete for everyone", err)
	}

	ev := core.Event{Type: EventDeleted, Data: DeletedEvent{ChatID: chatID, MessageID: msgID, Text: msg.Text, DeletedAt: msg.DeletedAt}}
	var reached []core.ConnID
	for _, p := range conv.Participants {
		for _, c := range e.registry.Connections(p) {
			reached = append(reached, c.ID)
		}
		e.bcast.ToUser(p, ev)
	}
	e.bcast.ToRoom(conv.RoomID(), ev, reached...)
	return msg, nil
}

// React toggles the reaction of u on a message and broadcasts the full list.
func (e *Messaging) React(ctx context.Context, u domain.UserID, chatID, msgID, emoji string) ([]domain.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, core.Invalid(core.ReasonInvalidPayload, "emoji is required")
	}
	conv, msg, err := e.mutate(ctx, "react", u, chatID, msgID, func(m *domain.Message) error {
		return m.React(u, emoji)
	})
	if err != nil {
		return nil, e.mutationErr("react", err)
	}
	e.bcast.ToRoom(conv.RoomID(), core.Event{Type: EventReaction, Data: ReactionEvent{ChatID: chatID, MessageID: msgID, Reactions: msg.Reactions}})
	return msg.Reactions, nil
}

// Pin makes msgID the single pinned message of the conversation.
func (e *Messaging) Pin(ctx context.Context, u domain.UserID, chatID, msgID string) error {
	if msgID == "" {
		return core.Invalid(core.ReasonInvalidPayload, "message id is required")
	}
	conv, err := e.participantConversation(ctx, u, chatID)
	if err != nil {
		return err
	}
	now := e.now()
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	_, err = e.store.UpdateConversation(sctx, chatID, func(c *domain.Conversation) error {
		err := c.Pin(msgID, now)
		if errors.Is(err, domain.ErrMessageNotFound) {
			return core.NotFound(core.ReasonMessageNotFound, "message not found")
		}
		return tombstoneErr(err)
	})
	if err != nil {
		return e.mutationErr("pin", err)
	}
	e.metrics.MessageMutations.WithLabelValues("pin").Inc()
	e.bcast.ToRoom(conv.RoomID(), core.Event{Type: EventPinned, Data: PinEvent{ChatID: chatID, MessageID: msgID, PinnedAt: &now}})
	return nil
}

func (e *Messaging) Unpin(ctx context.Context, u domain.UserID, chatID string) error {
	conv, err := e.participantConversation(ctx, u, chatID)
	if err != nil {
		return err
	}
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	_, err = e.store.UpdateConversation(sctx, chatID, func(c *domain.Conversation) error {
		c.Unpin()
		return nil
	})
	if err != nil {
		return e.mutationErr("unpin", err)
	}
	e.metrics.MessageMutations.WithLabelValues("unpin").Inc()
	e.bcast.ToRoom(conv.RoomID(), core.Event{Type: EventUnpinned, Data: PinEvent{ChatID: chatID}})
	return nil
}
