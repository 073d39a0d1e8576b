// Package session drives the exam lifecycle: it gates the surveillance loop
// on capability readiness, locks the identity baseline and ends or resets
// the session on operator request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/vigil/internal/detect"
	"github.com/andresmejia3/vigil/internal/ledger"
	"github.com/andresmejia3/vigil/internal/surveil"
	"github.com/andresmejia3/vigil/internal/types"
)

// Readiness is the external signal that every capability has loaded.
type Readiness interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to Readiness.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) Ready(ctx context.Context) error { return f(ctx) }

// SinkFactory builds a ledger sink bound to one session id.
type SinkFactory func(sessionID string) ledger.Sink

// Config holds the engine tunables.
type Config struct {
	Detect       detect.Config
	SlowInterval time.Duration
	Debounce     time.Duration
	TickRate     int
}

// DefaultConfig returns the reference cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		Detect:       detect.DefaultConfig(),
		SlowInterval: 500 * time.Millisecond,
		Debounce:     ledger.DefaultDebounce,
		TickRate:     surveil.DefaultTickRate,
	}
}

// Controller owns the current session and its state machine.
type Controller struct {
	cfg    Config
	loop   *surveil.Loop
	now    func() time.Time
	logger *slog.Logger
	sinks  []SinkFactory
	onEnd  []func(types.Audit)

	mu        sync.Mutex
	state     State
	loadErr   error
	id        string
	startedAt time.Time
	endedAt   time.Time
	sess      *surveil.Session
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithClock overrides time.Now for the loop, ledger and detectors.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithSink attaches a sink to the ledger of every session this controller creates.
func WithSink(f SinkFactory) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, f) }
}

// OnEnd registers a hook called with the final audit after a session ends.
func OnEnd(fn func(types.Audit)) Option {
	return func(c *Controller) { c.onEnd = append(c.onEnd, fn) }
}

// New creates a controller in NotStarted.
func New(caps surveil.Capabilities, source surveil.FrameSource, opts ...Option) *Controller {
	c := &Controller{
		cfg:    DefaultConfig(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.loop = surveil.NewLoop(caps, source,
		surveil.WithClock(c.now),
		surveil.WithTickRate(c.cfg.TickRate),
		surveil.WithLogger(c.logger),
	)
	c.fresh()
	return c
}

// fresh replaces the session with a new one. Caller holds mu or owns c.
func (c *Controller) fresh() {
	c.id = uuid.New().String()
	c.state = NotStarted
	c.loadErr = nil
	c.startedAt = time.Time{}
	c.endedAt = time.Time{}

	opts := []ledger.Option{
		ledger.WithClock(c.now),
		ledger.WithDebounce(c.cfg.Debounce),
		ledger.WithLogger(c.logger),
	}
	for _, f := range c.sinks {
		if s := f(c.id); s != nil {
			opts = append(opts, ledger.WithSink(s))
		}
	}
	bank := detect.NewBank(c.cfg.Detect, c.logger)
	c.sess = surveil.NewSession(bank, ledger.New(opts...), c.cfg.SlowInterval)
}

// Ready waits on the readiness signal. On success the session moves to
// AwaitingBaseline; on failure the error is kept as LoadError and the state
// stays NotStarted. Failures are not retried.
func (c *Controller) Ready(ctx context.Context, r Readiness) error {
	c.mu.Lock()
	if c.state != NotStarted {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: ready from %s", ErrInvalidTransition, st)
	}
	id := c.id
	c.mu.Unlock()

	err := r.Ready(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another Ready or a reset got in while the signal was awaited.
	if c.id != id || c.state != NotStarted {
		return fmt.Errorf("%w: session %s changed while awaiting readiness", ErrInvalidTransition, id)
	}
	if err != nil {
		c.loadErr = err
		c.logger.Error("capabilities failed to load", "session", c.id, "error", err)
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	c.loadErr = nil
	c.state = AwaitingBaseline
	c.startedAt = c.now()
	c.logger.Info("capabilities ready", "session", c.id)
	return nil
}

// active returns the current session if the loop may run.
func (c *Controller) active() (*surveil.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case NotStarted:
		return nil, ErrNotReady
	case Ended:
		return nil, ErrEnded
	}
	return c.sess, nil
}

// Tick runs one loop evaluation against the current session.
func (c *Controller) Tick(ctx context.Context) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	if err := c.loop.Tick(ctx, s); errors.Is(err, surveil.ErrSessionEnded) {
		return ErrEnded
	} else if err != nil {
		return err
	}
	return nil
}

// Start runs the loop in the background until the session ends, is reset or
// ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active() {
		if c.state == Ended {
			return ErrEnded
		}
		return ErrNotReady
	}
	if c.done != nil {
		return fmt.Errorf("%w: loop already running", ErrInvalidTransition)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	s := c.sess
	go func() {
		defer close(done)
		if err := c.loop.Run(runCtx, s); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("surveillance loop failed", "error", err)
		}
		cancel()

		// The loop may have stopped on its own, so a later Start can run it again.
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
	}()
	return nil
}

// stop cancels a running loop and waits for it. Caller must not hold mu.
func (c *Controller) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// LockBaseline embeds the current frame and stores it as the identity
// baseline. With no frame ready it is a no-op returning ErrNoFrame and may
// be retried.
func (c *Controller) LockBaseline(ctx context.Context) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	_, emb, err := c.loop.Capture(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoFrame, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || !c.state.Active() {
		return ErrEnded
	}
	s.Baseline.Lock(emb, c.now())
	c.state = Monitoring
	c.logger.Info("identity baseline locked", "session", c.id, "dims", len(emb))
	return nil
}

// EndSession ends the session, permanently stopping the loop and sealing
// the ledger, then runs the OnEnd hooks.
func (c *Controller) EndSession() error {
	c.mu.Lock()
	switch c.state {
	case NotStarted:
		c.mu.Unlock()
		return fmt.Errorf("%w: end from %s", ErrInvalidTransition, NotStarted)
	case Ended:
		c.mu.Unlock()
		return ErrEnded
	}
	c.state = Ended
	c.endedAt = c.now()
	c.sess.End()
	c.mu.Unlock()

	c.stop()

	audit := c.Snapshot()
	c.logger.Info("session ended", "session", audit.SessionID,
		"critical", audit.Critical, "warning", audit.Warning, "match_score", audit.MatchScore)
	for _, fn := range c.onEnd {
		fn(audit)
	}
	return nil
}

// ResetSession discards all session state and returns to NotStarted with a
// new session id. Readiness must be signalled again.
func (c *Controller) ResetSession() {
	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.id
	c.sess.End()
	c.fresh()
	c.logger.Info("session reset", "previous", old, "session", c.id)
}

// Report records an externally observed incident, such as a lockdown event.
// Incidents are only accepted while the session is active.
func (c *Controller) Report(in types.Incident) bool {
	s, err := c.active()
	if err != nil {
		return false
	}
	return s.Ledger.Record(in)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LoadError returns the capability load failure, if any.
func (c *Controller) LoadError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// SessionID returns the id of the current session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) current() *surveil.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// MatchScore returns the latest match percentage (100 before any scored tick).
func (c *Controller) MatchScore() float64 { return c.current().MatchScore() }

// Violations returns the ledger newest-first.
func (c *Controller) Violations() []types.Violation { return c.current().Ledger.Entries() }

// SeverityCounts returns the ledger counts.
func (c *Controller) SeverityCounts() ledger.Counts { return c.current().Ledger.Counts() }

// Snapshot returns the read-only audit view of the current session.
func (c *Controller) Snapshot() types.Audit {
	c.mu.Lock()
	s := c.sess
	a := types.Audit{
		SessionID: c.id,
		State:     c.state.String(),
		StartedAt: c.startedAt,
		EndedAt:   c.endedAt,
	}
	c.mu.Unlock()

	counts := s.Ledger.Counts()
	a.MatchScore = s.MatchScore()
	a.Critical = counts.Critical
	a.Warning = counts.Warning
	a.Violations = s.Ledger.Entries()
	if base, ok := s.Baseline.Current(); ok {
		a.Baseline = base
		a.BaselineLockedAt = s.Baseline.LockedAt()
	}
	return a
}
