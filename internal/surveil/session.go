package surveil

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/vigil/internal/baseline"
	"github.com/andresmejia3/vigil/internal/detect"
	"github.com/andresmejia3/vigil/internal/ledger"
)

// InitialScore is reported before any frame has been scored.
const InitialScore = 100.0

// Schedule gates work to a minimum interval. A zero interval is always due.
type Schedule struct {
	Interval time.Duration
	last     time.Time
}

// Due reports whether the interval has elapsed since the last Mark.
func (s *Schedule) Due(now time.Time) bool {
	return s.Interval <= 0 || s.last.IsZero() || now.Sub(s.last) >= s.Interval
}

// Mark records a run at now.
func (s *Schedule) Mark(now time.Time) { s.last = now }

// Session is the single owned mutable state a tick operates on.
// Everything the loop reads or writes lives here, so a tick never works
// from a stale copy of the baseline.
type Session struct {
	Baseline *baseline.Store
	Bank     *detect.Bank
	Ledger   *ledger.Ledger

	// Fast runs every tick (identity); Slow gates the object/face/landmark batch.
	Fast Schedule
	Slow Schedule

	mu    sync.RWMutex
	score float64
	ended atomic.Bool
}

// NewSession wires a fresh session.
func NewSession(bank *detect.Bank, l *ledger.Ledger, slowInterval time.Duration) *Session {
	return &Session{
		Baseline: &baseline.Store{},
		Bank:     bank,
		Ledger:   l,
		Slow:     Schedule{Interval: slowInterval},
		score:    InitialScore,
	}
}

// MatchScore returns the latest match percentage.
func (s *Session) MatchScore() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.score
}

func (s *Session) setScore(v float64) {
	s.mu.Lock()
	s.score = v
	s.mu.Unlock()
}

// End marks the session finished and seals its ledger. Idempotent.
func (s *Session) End() {
	if s.ended.CompareAndSwap(false, true) {
		s.Ledger.Seal()
	}
}

// Ended reports whether End has been called.
func (s *Session) Ended() bool { return s.ended.Load() }
