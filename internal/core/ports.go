package core

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Tether/internal/domain"
)

// Identity is the result of authenticating a connection. Verifier names the
// secret that matched; it is telemetry only.
type Identity struct {
	UserID   domain.UserID
	Verifier string
}

type IdentityProvider interface {
	Authenticate(r *http.Request) (Identity, error)
}

// RelationshipOracle answers whether two users may talk to each other.
type RelationshipOracle interface {
	AreConnected(ctx context.Context, a, b domain.UserID) (bool, error)
}

// ConversationStore persists conversations. Every mutating call is atomic
// per conversation; UpdateMessage and UpdateConversation run fn under that
// guarantee and persist only if fn returns nil.
type ConversationStore interface {
	FindByParticipants(ctx context.Context, ids []domain.UserID) (*domain.Conversation, error)
	Create(ctx context.Context, participants []domain.UserID, group *domain.GroupInfo) (*domain.Conversation, error)
	Get(ctx context.Context, chatID string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, chatID string, msg domain.Message) error
	UpdateMessage(ctx context.Context, chatID, msgID string, fn func(*domain.Message) error) (*domain.Message, error)
	UpdateConversation(ctx context.Context, chatID string, fn func(*domain.Conversation) error) (*domain.Conversation, error)
}

type ProfileStore interface {
	SetOnline(ctx context.Context, id domain.UserID, online bool, lastSeen time.Time) error
	GetPresence(ctx context.Context, id domain.UserID) (domain.Presence, error)
}

// Broadcaster pushes events to connections. Delivery is best effort.
type Broadcaster interface {
	ToRoom(room domain.RoomID, ev Event, except ...ConnID)
	ToUser(user domain.UserID, ev Event)
}

// Announcer reaches every connected user except one.
type Announcer interface {
	ToAll(ev Event, exceptUser domain.UserID)
}

// PresenceCounter counts live connections per user across every server
// instance. Incr and Decr return the count after the change.
type PresenceCounter interface {
	Incr(ctx context.Context, u domain.UserID) (int64, error)
	Decr(ctx context.Context, u domain.UserID) (int64, error)
	Count(ctx context.Context, u domain.UserID) (int64, error)
}
