package trace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/vigil/internal/lockdown"
	"github.com/andresmejia3/vigil/internal/session"
	"github.com/andresmejia3/vigil/internal/surveil"
	"github.com/andresmejia3/vigil/internal/types"
)

// Player steps through a trace. It serves as frame source, capabilities,
// readiness signal and clock for one replay. Not safe for concurrent Advance.
type Player struct {
	trace *Trace
	ticks []Tick
	start time.Time
	pos   int
}

// NewPlayer expands t and positions before the first tick.
func NewPlayer(t *Trace, start time.Time) (*Player, error) {
	ticks, err := t.Expand()
	if err != nil {
		return nil, err
	}
	return &Player{trace: t, ticks: ticks, start: start, pos: -1}, nil
}

// Len returns the number of expanded ticks.
func (p *Player) Len() int { return len(p.ticks) }

// Advance moves to the next tick.
func (p *Player) Advance() (Tick, error) {
	if p.pos+1 >= len(p.ticks) {
		return Tick{}, ErrExhausted
	}
	p.pos++
	return p.ticks[p.pos], nil
}

func (p *Player) current() (Tick, error) {
	if p.pos < 0 || p.pos >= len(p.ticks) {
		return Tick{}, ErrExhausted
	}
	return p.ticks[p.pos], nil
}

// Now returns the trace clock at the current tick.
func (p *Player) Now() time.Time {
	if p.pos < 0 {
		return p.start
	}
	return p.start.Add(p.ticks[p.pos].At)
}

// Ready implements session.Readiness using the trace's load_error.
func (p *Player) Ready(ctx context.Context) error {
	if p.trace.LoadError != "" {
		return errors.New(p.trace.LoadError)
	}
	return nil
}

// Capabilities exposes the player as all four models.
func (p *Player) Capabilities() surveil.Capabilities {
	return surveil.Capabilities{Embedder: p, Objects: p, Faces: p, Landmarks: p}
}

// Frame implements surveil.FrameSource.
func (p *Player) Frame(ctx context.Context) (types.Frame, bool) {
	t, err := p.current()
	if err != nil || !t.FrameReady {
		return types.Frame{}, false
	}
	return types.Frame{Seq: uint64(p.pos + 1), Timestamp: p.Now()}, true
}

// Predict implements surveil.EmbeddingModel.
func (p *Player) Predict(ctx context.Context, f types.Frame) (types.Embedding, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	if t.Embedding == nil {
		return nil, fmt.Errorf("embedding: %w", ErrNoDetection)
	}
	return t.Embedding, nil
}

// Detect implements surveil.ObjectDetector.
func (p *Player) Detect(ctx context.Context, f types.Frame) ([]types.ObjectDetection, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	return t.Objects, nil
}

// EstimateFaces implements surveil.FaceDetector.
func (p *Player) EstimateFaces(ctx context.Context, f types.Frame) ([]types.Face, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	if t.Faces == nil {
		return nil, fmt.Errorf("faces: %w", ErrNoDetection)
	}
	return t.Faces, nil
}

// EstimateLandmarks implements surveil.LandmarkDetector.
func (p *Player) EstimateLandmarks(ctx context.Context, f types.Frame) ([]types.FaceMesh, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	return t.Landmarks, nil
}

// NewController builds a session controller driven by the player's clock
// and capabilities.
func (p *Player) NewController(opts ...session.Option) *session.Controller {
	opts = append(opts, session.WithClock(p.Now))
	return session.New(p.Capabilities(), p, opts...)
}

// Replay signals readiness then plays every tick through c: the loop tick
// runs first, then the tick's lockdown events, then its operator action.
// progress, if set, is called after each tick.
func Replay(ctx context.Context, p *Player, c *session.Controller, progress func(done, total int)) error {
	if err := c.Ready(ctx, p); err != nil {
		return err
	}

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := p.Advance()
		if errors.Is(err, ErrExhausted) {
			return nil
		}

		if err := c.Tick(ctx); err != nil && !errors.Is(err, session.ErrEnded) {
			return fmt.Errorf("tick %d: %w", i, err)
		}
		for _, e := range t.Events {
			lockdown.Dispatch(c, e)
		}
		if err := apply(ctx, p, c, t.Action); err != nil {
			return fmt.Errorf("tick %d: %s: %w", i, t.Action, err)
		}

		if progress != nil {
			progress(i+1, p.Len())
		}
	}
}

func apply(ctx context.Context, p *Player, c *session.Controller, action string) error {
	switch action {
	case ActionLock:
		// A failed lock is retryable and leaves the session as it was.
		if err := c.LockBaseline(ctx); err != nil && !errors.Is(err, session.ErrNoFrame) {
			return err
		}
	case ActionEnd:
		if err := c.EndSession(); err != nil && !errors.Is(err, session.ErrEnded) {
			return err
		}
	case ActionReset:
		c.ResetSession()
		return c.Ready(ctx, p)
	}
	return nil
}
