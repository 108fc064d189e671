package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice UserID = "aaaaaaaaaaaaaaaaaaaaaaaa"
	bob   UserID = "bbbbbbbbbbbbbbbbbbbbbbbb"
	carol UserID = "cccccccccccccccccccccccc"
)

func TestParseUserID(t *testing.T) {
	_, err := ParseUserID("64b7f0c2a1d3e4f5a6b7c8d9")
	assert.NoError(t, err)

	for _, bad := range []string{"", "xyz", "64b7f0c2a1d3e4f5a6b7c8d", "64b7f0c2a1d3e4f5a6b7c8dz"} {
		_, err := ParseUserID(bad)
		assert.ErrorIs(t, err, ErrInvalidUserID, bad)
	}
}

func TestCanonicalRoomID(t *testing.T) {
	assert.Equal(t, CanonicalRoomID(alice, bob), CanonicalRoomID(bob, alice))
	assert.Equal(t, RoomID(string(alice)+"_"+string(bob)), CanonicalRoomID(bob, alice))
	assert.Equal(t, CanonicalRoomID(alice, bob, carol), CanonicalRoomID(carol, alice, bob, alice))
}

func TestNewObjectID(t *testing.T) {
	now := time.Now()
	a, b := NewObjectID(now), NewObjectID(now)
	assert.True(t, ValidObjectID(a))
	assert.NotEqual(t, a, b)
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    error
	}{
		{"text ok", Payload{Text: "hi"}, nil},
		{"blank text", Payload{Text: "   "}, ErrEmptyText},
		{"text at limit", Payload{Text: strings.Repeat("й", 1000)}, nil},
		{"text over limit", Payload{Text: strings.Repeat("a", 1001)}, ErrTextTooLong},
		{"audio ok", Payload{Kind: KindAudio, AudioURL: "https://cdn/x.webm", AudioDuration: 3.2}, nil},
		{"audio missing url", Payload{Kind: KindAudio}, ErrMissingMediaURL},
		{"media ok", Payload{Kind: KindMedia, MediaURL: "https://cdn/x.png", MediaType: MediaImage}, nil},
		{"media missing url", Payload{Kind: KindMedia, MediaType: MediaFile}, ErrMissingMediaURL},
		{"media bad type", Payload{Kind: KindMedia, MediaURL: "u", MediaType: "gif"}, ErrInvalidMediaType},
		{"unknown kind", Payload{Kind: "sticker", Text: "x"}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Normalize().Validate(1000)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMessageAdvanceNeverRegresses(t *testing.T) {
	now := time.Now()
	m := NewMessage("m1", alice, Payload{Kind: KindText, Text: "hi"}, now)
	require.Equal(t, StatusSent, m.Status)

	assert.True(t, m.Advance(StatusDelivered, now))
	assert.False(t, m.Advance(StatusSent, now))
	assert.Equal(t, StatusDelivered, m.Status)

	assert.True(t, m.Advance(StatusRead, now))
	assert.NotNil(t, m.ReadAt)
	assert.False(t, m.Advance(StatusDelivered, now))
	assert.Equal(t, StatusRead, m.Status)
}

func TestMessageHideForIsIdempotent(t *testing.T) {
	m := NewMessage("m1", alice, Payload{Kind: KindText, Text: "hi"}, time.Now())
	assert.True(t, m.HideFor(bob))
	assert.False(t, m.HideFor(bob))
	assert.Equal(t, []UserID{bob}, m.DeletedFor)
}

func TestMessageReactToggleAndReplace(t *testing.T) {
	m := NewMessage("m1", alice, Payload{Kind: KindText, Text: "hi"}, time.Now())

	require.NoError(t, m.React(bob, "👍"))
	require.NoError(t, m.React(bob, "👍"))
	assert.Empty(t, m.Reactions)

	require.NoError(t, m.React(bob, "👍"))
	require.NoError(t, m.React(bob, "❤️"))
	require.NoError(t, m.React(alice, "😂"))
	assert.Equal(t, []Reaction{{UserID: bob, Emoji: "❤️"}, {UserID: alice, Emoji: "😂"}}, m.Reactions)
}

func TestTombstoneBlocksFurtherMutation(t *testing.T) {
	now := time.Now()
	m := NewMessage("m1", alice, Payload{Kind: KindText, Text: "hi"}, now)
	m.Pinned = true

	assert.True(t, m.Tombstone(now))
	assert.False(t, m.Tombstone(now))
	assert.Equal(t, DeletedPlaceholder, m.Text)
	assert.False(t, m.Pinned)

	assert.ErrorIs(t, m.Edit("again", now), ErrTombstoned)
	assert.ErrorIs(t, m.React(bob, "👍"), ErrTombstoned)
	assert.Equal(t, DeletedPlaceholder, m.Text)
}

func TestConversationPinKeepsSinglePin(t *testing.T) {
	now := time.Now()
	c := &Conversation{Participants: []UserID{alice, bob}}
	for _, id := range []string{"m1", "m2", "m3"} {
		c.Messages = append(c.Messages, NewMessage(id, alice, Payload{Kind: KindText, Text: id}, now))
	}

	require.NoError(t, c.Pin("m1", now))
	require.NoError(t, c.Pin("m3", now))

	pinned := 0
	for _, m := range c.Messages {
		if m.Pinned {
			pinned++
		}
	}
	assert.Equal(t, 1, pinned)
	p, ok := c.Pinned()
	require.True(t, ok)
	assert.Equal(t, "m3", p.ID)

	assert.ErrorIs(t, c.Pin("missing", now), ErrMessageNotFound)

	c.Unpin()
	_, ok = c.Pinned()
	assert.False(t, ok)
}

func TestConversationMarkReadFrom(t *testing.T) {
	now := time.Now()
	c := &Conversation{Participants: []UserID{alice, bob}}
	c.Messages = []Message{
		NewMessage("m1", alice, Payload{Kind: KindText, Text: "a"}, now),
		NewMessage("m2", bob, Payload{Kind: KindText, Text: "b"}, now),
		NewMessage("m3", alice, Payload{Kind: KindText, Text: "c"}, now),
	}
	c.Messages[2].Status = StatusRead

	assert.Equal(t, []string{"m1"}, c.MarkReadFrom(alice, now))
	assert.Empty(t, c.MarkReadFrom(alice, now))
	assert.Equal(t, StatusSent, c.Messages[1].Status)
}
