// Package surveil runs the per-frame integrity loop: it pulls a frame, asks
// the external models for detections and feeds them to the detection bank.
package surveil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

var (
	// ErrTickBusy is returned when a tick is requested while another is running.
	ErrTickBusy = errors.New("tick already in progress")
	// ErrSessionEnded is returned once the session has ended.
	ErrSessionEnded = errors.New("session ended")
	// ErrNoFrame means no frame or embedder was available.
	ErrNoFrame = errors.New("no frame ready")
)

// DefaultTickRate approximates a display refresh cadence.
const DefaultTickRate = 60

// Loop evaluates ticks against a Session. A Loop admits one tick at a time;
// overlapping requests are rejected rather than queued.
type Loop struct {
	caps     Capabilities
	source   FrameSource
	now      func() time.Time
	tickRate int
	logger   *slog.Logger

	busy  atomic.Bool
	ticks atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithTickRate sets the number of ticks per second used by Run.
func WithTickRate(hz int) Option {
	return func(l *Loop) {
		if hz > 0 {
			l.tickRate = hz
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a loop over the given capabilities and frame source.
func NewLoop(caps Capabilities, source FrameSource, opts ...Option) *Loop {
	l := &Loop{
		caps:     caps,
		source:   source,
		now:      time.Now,
		tickRate: DefaultTickRate,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ticks returns how many ticks have completed.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Now returns the loop's clock reading.
func (l *Loop) Now() time.Time { return l.now() }

// Capture grabs the current frame and embeds it.
func (l *Loop) Capture(ctx context.Context) (types.Frame, types.Embedding, error) {
	if l.caps.Embedder == nil || l.source == nil {
		return types.Frame{}, nil, ErrNoFrame
	}
	frame, ok := l.source.Frame(ctx)
	if !ok {
		return types.Frame{}, nil, ErrNoFrame
	}
	emb, err := l.caps.Embedder.Predict(ctx, frame)
	if err != nil {
		return frame, nil, fmt.Errorf("embedding failed: %w", err)
	}
	return frame, emb, nil
}

// Tick runs one evaluation. Sensing gaps are not errors: the tick simply
// does less work. Only ErrTickBusy and ErrSessionEnded are returned.
func (l *Loop) Tick(ctx context.Context, s *Session) error {
	if !l.busy.CompareAndSwap(false, true) {
		return ErrTickBusy
	}
	defer l.busy.Store(false)

	if s.Ended() {
		return ErrSessionEnded
	}
	defer l.ticks.Add(1)

	frame, emb, err := l.Capture(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			l.logger.Debug("tick skipped", "error", err)
		}
		return nil
	}

	// Without a baseline the loop idles: no score, no detectors.
	base, ok := s.Baseline.Current()
	if !ok {
		return nil
	}

	now := l.now()
	if s.Fast.Due(now) {
		l.runFast(now, s, base, emb)
		s.Fast.Mark(now)
	}
	if s.Slow.Due(now) {
		l.runSlow(ctx, now, s, frame)
		s.Slow.Mark(now)
	}
	return nil
}

// runFast scores the frame against the baseline and feeds the strike counter.
func (l *Loop) runFast(now time.Time, s *Session, base, emb types.Embedding) {
	sim, err := utils.CosineSimilarity(base, emb)
	if err != nil {
		l.logger.Warn("identity check skipped", "error", err)
		return
	}
	s.setScore(utils.MatchPercent(sim))
	s.Bank.CheckIdentity(now, sim, s.Ledger)
}

// slowResults holds one batch of detector outputs. A nil slice with ok=false
// means the capability was absent or failed this tick.
type slowResults struct {
	objects   []types.ObjectDetection
	objectsOK bool
	faces     []types.Face
	facesOK   bool
	meshes    []types.FaceMesh
	meshesOK  bool
}

// runSlow awaits the object, face and landmark models concurrently, then
// handles their results in a fixed order on the calling goroutine.
func (l *Loop) runSlow(ctx context.Context, now time.Time, s *Session, frame types.Frame) {
	var res slowResults
	var wg conc.WaitGroup

	if l.caps.Objects != nil {
		wg.Go(func() {
			objs, err := l.caps.Objects.Detect(ctx, frame)
			if err != nil {
				l.logger.Debug("object detection failed", "seq", frame.Seq, "error", err)
				return
			}
			res.objects, res.objectsOK = objs, true
		})
	}
	if l.caps.Faces != nil {
		wg.Go(func() {
			faces, err := l.caps.Faces.EstimateFaces(ctx, frame)
			if err != nil {
				l.logger.Debug("face detection failed", "seq", frame.Seq, "error", err)
				return
			}
			res.faces, res.facesOK = faces, true
		})
	}
	if l.caps.Landmarks != nil {
		wg.Go(func() {
			meshes, err := l.caps.Landmarks.EstimateLandmarks(ctx, frame)
			if err != nil {
				l.logger.Debug("landmark detection failed", "seq", frame.Seq, "error", err)
				return
			}
			res.meshes, res.meshesOK = meshes, true
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		l.logger.Error("capability panicked", "seq", frame.Seq, "error", r.String())
	}

	if res.objectsOK {
		s.Bank.CheckObjects(res.objects, s.Ledger)
	}
	if res.facesOK {
		s.Bank.CheckFaceCount(res.faces, s.Ledger)
	}
	if res.meshesOK {
		s.Bank.CheckLandmarks(now, res.meshes, s.Ledger)
	}
}

// Run ticks at the configured rate until the session ends or ctx is done.
// Cancellation is checked between ticks only.
func (l *Loop) Run(ctx context.Context, s *Session) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.tickRate))
	defer ticker.Stop()

	l.logger.Info("surveillance loop started", "tick_rate_hz", l.tickRate)
	for {
		if err := l.Tick(ctx, s); errors.Is(err, ErrSessionEnded) {
			l.logger.Info("surveillance loop stopped", "reason", "session ended", "ticks", l.Ticks())
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Info("surveillance loop stopped", "reason", "context cancelled", "ticks", l.Ticks())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
