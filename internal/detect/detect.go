// Package detect is the bank of behavioral detectors evaluated by the
// surveillance loop. Each detector owns its own cooldown; the strike counter
// belongs to the identity detector alone.
package detect

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// Violation tags emitted by the bank.
const (
	IdentityMismatch   = "IDENTITY_MISMATCH"
	UnauthorizedPrefix = "UNAUTHORIZED_OBJECT: "
	MultipleFaces      = "MULTIPLE_FACES_DETECTED"
	NoFace             = "NO_FACE_IN_FRAME"
	Talking            = "TALKING_DETECTED"
	LookingAway        = "LOOKING_AWAY_FROM_SCREEN"
)

// Landmark indices fixed by the face-mesh model.
const (
	UpperLip   = 13
	LowerLip   = 14
	EyeOuter   = 33
	EyeInner   = 133
	IrisCenter = 468
)

// Kind identifies a detector.
type Kind string

const (
	KindIdentity  Kind = "identity"
	KindObject    Kind = "object"
	KindFaceCount Kind = "face_count"
	KindTalking   Kind = "talking"
	KindGaze      Kind = "gaze"
)

// Recorder accepts incidents. Satisfied by *ledger.Ledger.
type Recorder interface {
	Record(in types.Incident) bool
}

// Config holds detector thresholds.
type Config struct {
	IdentityThreshold float64
	IdentityStrikes   int
	IdentityCooldown  time.Duration

	ForbiddenClasses []string

	TalkingThreshold float64
	TalkingCooldown  time.Duration

	GazeMinRatio float64
	GazeMaxRatio float64
	GazeCooldown time.Duration
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		IdentityThreshold: 0.75,
		IdentityStrikes:   30,
		IdentityCooldown:  4 * time.Second,
		ForbiddenClasses:  []string{"cell phone", "book"},
		TalkingThreshold:  5,
		TalkingCooldown:   2 * time.Second,
		GazeMinRatio:      0.30,
		GazeMaxRatio:      0.70,
		GazeCooldown:      2 * time.Second,
	}
}

// Cooldown remembers when a detector last fired.
type Cooldown struct {
	LastFired time.Time
}

// Ready reports whether at least d has passed since the last firing.
func (c *Cooldown) Ready(now time.Time, d time.Duration) bool {
	return c.LastFired.IsZero() || now.Sub(c.LastFired) >= d
}

// Bank evaluates detectors and forwards incidents to a Recorder.
type Bank struct {
	cfg       Config
	forbidden map[string]bool
	strikes   int
	cooldowns map[Kind]*Cooldown
	logger    *slog.Logger
}

// NewBank creates a bank with fresh counters.
func NewBank(cfg Config, logger *slog.Logger) *Bank {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bank{
		cfg:       cfg,
		forbidden: make(map[string]bool, len(cfg.ForbiddenClasses)),
		logger:    logger,
	}
	for _, c := range cfg.ForbiddenClasses {
		b.forbidden[c] = true
	}
	b.Reset()
	return b
}

// Reset clears strikes and cooldowns.
func (b *Bank) Reset() {
	b.strikes = 0
	b.cooldowns = map[Kind]*Cooldown{
		KindIdentity: {},
		KindTalking:  {},
		KindGaze:     {},
	}
}

// Strikes returns the current identity strike count.
func (b *Bank) Strikes() int { return b.strikes }

// lastFired returns when the given detector last emitted.
func (b *Bank) lastFired(k Kind) time.Time {
	if c, ok := b.cooldowns[k]; ok {
		return c.LastFired
	}
	return time.Time{}
}

// CheckIdentity accumulates a strike for every below-threshold similarity and
// resets on a match. More than IdentityStrikes strikes with the cooldown
// elapsed raises IDENTITY_MISMATCH and clears the strikes.
func (b *Bank) CheckIdentity(now time.Time, similarity float64, rec Recorder) {
	b.guard(KindIdentity, func() {
		if similarity < b.cfg.IdentityThreshold {
			b.strikes++
		} else {
			b.strikes = 0
		}

		cd := b.cooldowns[KindIdentity]
		if b.strikes > b.cfg.IdentityStrikes && cd.Ready(now, b.cfg.IdentityCooldown) {
			rec.Record(types.Incident{Type: IdentityMismatch, Severity: types.SeverityCritical})
			cd.LastFired = now
			b.strikes = 0
		}
	})
}

// CheckObjects emits one incident naming every forbidden class present,
// deduplicated in order of first occurrence.
func (b *Bank) CheckObjects(objects []types.ObjectDetection, rec Recorder) {
	b.guard(KindObject, func() {
		seen := make(map[string]bool)
		var classes []string
		for _, o := range objects {
			if !b.forbidden[o.Class] || seen[o.Class] {
				continue
			}
			seen[o.Class] = true
			classes = append(classes, o.Class)
		}
		if len(classes) > 0 {
			rec.Record(types.Incident{
				Type:     UnauthorizedPrefix + strings.Join(classes, ", "),
				Severity: types.SeverityWarning,
			})
		}
	})
}

// CheckFaceCount flags zero or several faces.
func (b *Bank) CheckFaceCount(faces []types.Face, rec Recorder) {
	b.guard(KindFaceCount, func() {
		switch {
		case len(faces) > 1:
			rec.Record(types.Incident{Type: MultipleFaces, Severity: types.SeverityCritical})
		case len(faces) == 0:
			rec.Record(types.Incident{Type: NoFace, Severity: types.SeverityCritical})
		}
	})
}

// CheckLandmarks runs the talking and gaze detectors on the first mesh.
// Each is isolated from the other.
func (b *Bank) CheckLandmarks(now time.Time, meshes []types.FaceMesh, rec Recorder) {
	if len(meshes) == 0 {
		return
	}
	kp := meshes[0].Keypoints
	b.guard(KindTalking, func() { b.checkTalking(now, kp, rec) })
	b.guard(KindGaze, func() { b.checkGaze(now, kp, rec) })
}

func (b *Bank) checkTalking(now time.Time, kp []types.Keypoint, rec Recorder) {
	if len(kp) <= LowerLip {
		return
	}
	dist := math.Abs(kp[UpperLip].Y - kp[LowerLip].Y)
	cd := b.cooldowns[KindTalking]
	if dist > b.cfg.TalkingThreshold && cd.Ready(now, b.cfg.TalkingCooldown) {
		rec.Record(types.Incident{Type: Talking, Severity: types.SeverityWarning})
		cd.LastFired = now
	}
}

func (b *Bank) checkGaze(now time.Time, kp []types.Keypoint, rec Recorder) {
	ratio, ok := GazeRatio(kp)
	if !ok {
		return
	}
	cd := b.cooldowns[KindGaze]
	if (ratio < b.cfg.GazeMinRatio || ratio > b.cfg.GazeMaxRatio) && cd.Ready(now, b.cfg.GazeCooldown) {
		rec.Record(types.Incident{Type: LookingAway, Severity: types.SeverityWarning})
		cd.LastFired = now
	}
}

// GazeRatio is the iris offset from the outer eye corner divided by the eye
// width. 0.5 is centered. It is undefined when the mesh lacks iris points or
// the eye has zero width.
func GazeRatio(kp []types.Keypoint) (float64, bool) {
	if len(kp) <= IrisCenter {
		return 0, false
	}
	outer, inner, iris := kp[EyeOuter], kp[EyeInner], kp[IrisCenter]
	width := math.Abs(inner.X - outer.X)
	if width <= 0 {
		return 0, false
	}
	return math.Abs(iris.X-outer.X) / width, true
}

// guard keeps a panicking detector from taking down the rest of the tick.
func (b *Bank) guard(k Kind, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("detector failed", "detector", string(k), "error", fmt.Sprint(r))
		}
	}()
	fn()
}
