package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

type Profiles struct {
	mu       sync.RWMutex
	presence map[domain.UserID]domain.Presence
}

func NewProfiles() *Profiles {
	return &Profiles{presence: make(map[domain.UserID]domain.Presence)}
}

func (s *Profiles) SetOnline(_ context.Context, id domain.UserID, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.presence[id] = domain.OnlinePresence(id)
		return nil
	}
	s.presence[id] = domain.OfflinePresence(id, lastSeen)
	return nil
}

func (s *Profiles) GetPresence(_ context.Context, id domain.UserID) (domain.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[id]
	if !ok {
		return domain.Presence{}, core.ErrNotFound
	}
	return p, nil
}
