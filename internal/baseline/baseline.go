// Package baseline holds the one locked identity embedding of a session.
package baseline

import (
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// Store keeps the locked embedding. The zero value is an empty store.
type Store struct {
	mu       sync.RWMutex
	emb      types.Embedding
	lockedAt time.Time
}

// Lock stores a copy of the embedding, replacing any previous one.
func (s *Store) Lock(e types.Embedding, at time.Time) {
	cp := make(types.Embedding, len(e))
	copy(cp, e)

	s.mu.Lock()
	s.emb = cp
	s.lockedAt = at
	s.mu.Unlock()
}

// Current returns the locked embedding, or false if none is locked.
func (s *Store) Current() (types.Embedding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.emb == nil {
		return nil, false
	}
	return s.emb, true
}

// LockedAt returns when the baseline was locked (zero if absent).
func (s *Store) LockedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockedAt
}

// Reset clears the store.
func (s *Store) Reset() {
	s.mu.Lock()
	s.emb = nil
	s.lockedAt = time.Time{}
	s.mu.Unlock()
}
