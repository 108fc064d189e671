package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
	KindMedia MessageKind = "media"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaFile  MediaType = "file"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// DeletedPlaceholder replaces the body of a message deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

var (
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrEmptyText        = errors.New("message text is empty")
	ErrTextTooLong      = errors.New("message text too long")
	ErrMissingMediaURL  = errors.New("media reference is empty")
	ErrInvalidMediaType = errors.New("invalid media type")
	ErrTombstoned       = errors.New("message was deleted for everyone")
	ErrEmptyEmoji       = errors.New("emoji is empty")
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Before reports whether s comes strictly earlier than other in the
// sent -> delivered -> read order.
func (s MessageStatus) Before(other MessageStatus) bool {
	return s.rank() < other.rank()
}

type Reaction struct {
	UserID UserID `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Payload is the client supplied body of a new message.
type Payload struct {
	Kind          MessageKind `json:"messageType"`
	Text          string      `json:"text,omitempty"`
	AudioURL      string      `json:"audioUrl,omitempty"`
	AudioDuration float64     `json:"audioDuration,omitempty"`
	MediaURL      string      `json:"mediaUrl,omitempty"`
	MediaType     MediaType   `json:"mediaType,omitempty"`
	FileName      string      `json:"fileName,omitempty"`
	FileSize      int64       `json:"fileSize,omitempty"`
}

// Normalize defaults an empty kind to text and trims the text body.
func (p Payload) Normalize() Payload {
	if p.Kind == "" {
		p.Kind = KindText
	}
	p.Text = strings.TrimSpace(p.Text)
	return p
}

// Validate checks a normalized payload. maxText counts runes.
func (p Payload) Validate(maxText int) error {
	switch p.Kind {
	case KindText:
		if p.Text == "" {
			return ErrEmptyText
		}
		if utf8.RuneCountInString(p.Text) > maxText {
			return ErrTextTooLong
		}
	case KindAudio:
		if strings.TrimSpace(p.AudioURL) == "" {
			return ErrMissingMediaURL
		}
	case KindMedia:
		if strings.TrimSpace(p.MediaURL) == "" {
			return ErrMissingMediaURL
		}
		switch p.MediaType {
		case MediaImage, MediaVideo, MediaFile:
		default:
			return ErrInvalidMediaType
		}
	default:
		return ErrUnknownKind
	}
	if utf8.RuneCountInString(p.Text) > maxText {
		return ErrTextTooLong
	}
	return nil
}

type Message struct {
	ID            string        `json:"id"`
	SenderID      UserID        `json:"senderId"`
	Kind          MessageKind   `json:"messageType"`
	Text          string        `json:"text"`
	AudioURL      string        `json:"audioUrl,omitempty"`
	AudioDuration float64       `json:"audioDuration,omitempty"`
	MediaURL      string        `json:"mediaUrl,omitempty"`
	MediaType     MediaType     `json:"mediaType,omitempty"`
	FileName      string        `json:"fileName,omitempty"`
	FileSize      int64         `json:"fileSize,omitempty"`
	Status        MessageStatus `json:"status"`
	ReadAt        *time.Time    `json:"readAt,omitempty"`

	DeletedFor         []UserID   `json:"deletedFor,omitempty"`
	DeletedForEveryone bool       `json:"isDeletedForEveryone"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`

	Edited   bool       `json:"isEdited"`
	EditedAt *time.Time `json:"editedAt,omitempty"`

	Reactions []Reaction `json:"reactions"`

	Pinned   bool       `json:"isPinned"`
	PinnedAt *time.Time `json:"pinnedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func NewMessage(id string, sender UserID, p Payload, at time.Time) Message {
	return Message{
		ID:            id,
		SenderID:      sender,
		Kind:          p.Kind,
		Text:          p.Text,
		AudioURL:      p.AudioURL,
		AudioDuration: p.AudioDuration,
		MediaURL:      p.MediaURL,
		MediaType:     p.MediaType,
		FileName:      p.FileName,
		FileSize:      p.FileSize,
		Status:        StatusSent,
		Reactions:     []Reaction{},
		CreatedAt:     at,
	}
}

// Advance moves the status forward. It never regresses and reports whether
// anything changed.
func (m *Message) Advance(to MessageStatus, at time.Time) bool {
	if !m.Status.Before(to) {
		return false
	}
	m.Status = to
	if to == StatusRead {
		m.ReadAt = &at
	}
	return true
}

func (m *Message) HiddenFor(u UserID) bool {
	return slices.Contains(m.DeletedFor, u)
}

// HideFor adds u to the hide set. Calling it again is a no-op.
func (m *Message) HideFor(u UserID) bool {
	if m.HiddenFor(u) {
		return false
	}
	m.DeletedFor = append(m.DeletedFor, u)
	return true
}

// Tombstone replaces the body for everyone. The pin is dropped along with
// the body, and attachments are cleared.
func (m *Message) Tombstone(at time.Time) bool {
	if m.DeletedForEveryone {
		return false
	}
	m.DeletedForEveryone = true
	m.DeletedAt = &at
	m.Text = DeletedPlaceholder
	m.AudioURL, m.AudioDuration = "", 0
	m.MediaURL, m.MediaType, m.FileName, m.FileSize = "", "", "", 0
	m.Pinned, m.PinnedAt = false, nil
	return true
}

func (m *Message) Edit(text string, at time.Time) error {
	if m.DeletedForEveryone {
		return ErrTombstoned
	}
	m.Text = text
	m.Edited = true
	m.EditedAt = &at
	return nil
}

// React toggles u's reaction: the same emoji removes it, a different one
// replaces it.
func (m *Message) React(u UserID, emoji string) error {
	if m.DeletedForEveryone {
		return ErrTombstoned
	}
	if emoji == "" {
		return ErrEmptyEmoji
	}
	for i, r := range m.Reactions {
		if r.UserID != u {
			continue
		}
		if r.Emoji == emoji {
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
			return nil
		}
		m.Reactions[i].Emoji = emoji
		return nil
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: u, Emoji: emoji})
	return nil
}
