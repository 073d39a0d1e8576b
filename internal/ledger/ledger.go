// Package ledger is the append-only, debounced log of recorded violations.
package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// DefaultDebounce is the window in which a repeat of the most recent type is dropped.
const DefaultDebounce = 2 * time.Second

// Sink receives every violation the ledger accepts. Sinks are advisory:
// a failing sink is logged and never affects recording.
type Sink interface {
	Record(v types.Violation) error
}

// Counts partitions the ledger by severity.
type Counts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
}

// Ledger stores violations newest-first.
type Ledger struct {
	mu       sync.Mutex
	entries  []types.Violation
	sealed   bool
	debounce time.Duration
	now      func() time.Time
	sinks    []Sink
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(l *Ledger) { l.debounce = d }
}

// WithSink adds an observability sink.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, s) }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		debounce: DefaultDebounce,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends the incident stamped with the current time. It is a silent
// no-op when the most recent entry has the same type and is younger than the
// debounce window, or when the ledger is sealed. Only the single latest entry
// is compared, so an intervening type reopens the window.
func (l *Ledger) Record(in types.Incident) bool {
	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return false
	}

	now := l.now()
	if len(l.entries) > 0 {
		last := l.entries[0]
		if last.Type == in.Type && now.Sub(last.Time) < l.debounce {
			l.mu.Unlock()
			return false
		}
	}

	v := types.Violation{Type: in.Type, Severity: in.Severity, Time: now}
	l.entries = append(l.entries, types.Violation{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = v
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Record(v); err != nil {
			l.logger.Warn("violation sink failed", "type", v.Type, "error", err)
		}
	}
	return true
}

// Entries returns a copy of the ledger, newest first.
func (l *Ledger) Entries() []types.Violation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.Violation, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded violations.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Counts tallies entries by severity.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()

	var c Counts
	for _, v := range l.entries {
		switch v.Severity {
		case types.SeverityCritical:
			c.Critical++
		case types.SeverityWarning:
			c.Warning++
		}
	}
	return c
}

// Seal rejects all further records. Called when the session ends.
func (l *Ledger) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}
