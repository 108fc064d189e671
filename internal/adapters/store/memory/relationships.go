package memory

import (
	"context"
	"sync"

	"github.com/dkeye/Tether/internal/domain"
)

// Relationships records accepted connection requests.
type Relationships struct {
	mu    sync.RWMutex
	pairs map[[2]domain.UserID]struct{}
}

func NewRelationships() *Relationships {
	return &Relationships{pairs: make(map[[2]domain.UserID]struct{})}
}

// Accept records an accepted request from a to b.
func (s *Relationships) Accept(a, b domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[[2]domain.UserID{a, b}] = struct{}{}
}

// AreConnected is true if a request was accepted in either direction.
func (s *Relationships) AreConnected(_ context.Context, a, b domain.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ab := s.pairs[[2]domain.UserID{a, b}]
	_, ba := s.pairs[[2]domain.UserID{b, a}]
	return ab || ba, nil
}
