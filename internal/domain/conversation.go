package domain

import (
	"errors"
	"slices"
	"time"
)

// MinGroupParticipants counts the creator.
const MinGroupParticipants = 3

var (
	ErrTooFewParticipants = errors.New("too few participants")
	ErrMessageNotFound    = errors.New("message not found")
)

type Conversation struct {
	ID           string    `json:"id"`
	Participants []UserID  `json:"participants"`
	IsGroup      bool      `json:"isGroup"`
	Name         string    `json:"groupName,omitempty"`
	Photo        string    `json:"groupPhoto,omitempty"`
	Admins       []UserID  `json:"admins,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// GroupInfo is the metadata of an explicitly created group.
type GroupInfo struct {
	Name   string
	Photo  string
	Admins []UserID
}

// SortedParticipants returns a sorted, de-duplicated copy of ids.
func SortedParticipants(ids []UserID) []UserID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Conversation) HasParticipant(u UserID) bool {
	return slices.Contains(c.Participants, u)
}

func (c *Conversation) RoomID() RoomID {
	return CanonicalRoomID(c.Participants...)
}

func (c *Conversation) Message(id string) (*Message, bool) {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// MarkReadFrom flips every message authored by author that is not read yet.
// Returns the ids that changed.
func (c *Conversation) MarkReadFrom(author UserID, at time.Time) []string {
	var changed []string
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.SenderID != author {
			continue
		}
		if m.Advance(StatusRead, at) {
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// Pin sets the pin on id and clears it everywhere else, so at most one
// message is pinned.
func (c *Conversation) Pin(id string, at time.Time) error {
	target, ok := c.Message(id)
	if !ok {
		return ErrMessageNotFound
	}
	if target.DeletedForEveryone {
		return ErrTombstoned
	}
	c.Unpin()
	target.Pinned = true
	target.PinnedAt = &at
	return nil
}

func (c *Conversation) Unpin() {
	for i := range c.Messages {
		c.Messages[i].Pinned = false
		c.Messages[i].PinnedAt = nil
	}
}

func (c *Conversation) Pinned() (*Message, bool) {
	for i := range c.Messages {
		if c.Messages[i].Pinned {
			return &c.Messages[i], true
		}
	}
	return nil, false
}
