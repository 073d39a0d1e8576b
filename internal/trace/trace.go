// Package trace loads recorded detection traces and plays them back as a
// frame source and model capabilities, so a session can be evaluated
// deterministically without a camera or model host.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/vigil/internal/lockdown"
	"github.com/andresmejia3/vigil/internal/types"
)

// DefaultStep separates ticks that give no at_ms.
const DefaultStep = 16 * time.Millisecond

// Operator actions a tick may carry.
const (
	ActionLock  = "lock"
	ActionEnd   = "end"
	ActionReset = "reset"
)

var (
	// ErrExhausted is returned once every tick has been played.
	ErrExhausted = errors.New("trace exhausted")
	// ErrNoDetection is returned by a capability with nothing recorded for the tick.
	ErrNoDetection = errors.New("no detection recorded")
)

// Mesh is a face mesh with sparse keypoints keyed by landmark index.
type Mesh struct {
	Keypoints map[int][2]float64 `yaml:"keypoints"`
}

// Step is one entry of a trace file. Repeat expands it into several ticks
// spaced EveryMS apart.
type Step struct {
	AtMS       *int64                  `yaml:"at_ms"`
	FrameReady *bool                   `yaml:"frame_ready"`
	Embedding  []float64               `yaml:"embedding"`
	Objects    []types.ObjectDetection `yaml:"objects"`
	FaceCount  *int                    `yaml:"face_count"`
	Landmarks  []Mesh                  `yaml:"landmarks"`
	Events     []lockdown.Event        `yaml:"events"`
	Action     string                  `yaml:"action"`
	Repeat     int                     `yaml:"repeat"`
	EveryMS    int64                   `yaml:"every_ms"`
}

// Trace is a parsed trace file.
type Trace struct {
	Name      string `yaml:"name"`
	LoadError string `yaml:"load_error"`
	Steps     []Step `yaml:"ticks"`
}

// Tick is one expanded, playable tick.
type Tick struct {
	At         time.Duration
	FrameReady bool
	Embedding  types.Embedding
	Objects    []types.ObjectDetection
	// Faces is nil when the face detector produced nothing this tick.
	Faces     []types.Face
	Landmarks []types.FaceMesh
	Events    []lockdown.Event
	Action    string
}

// Parse decodes a trace document.
func Parse(r io.Reader) (*Trace, error) {
	var t Trace
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	if len(t.Steps) == 0 {
		return nil, errors.New("trace has no ticks")
	}
	return &t, nil
}

// Load reads and parses a trace file.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Expand flattens the steps into ticks in time order.
func (t *Trace) Expand() ([]Tick, error) {
	var out []Tick
	var next time.Duration
	for i, s := range t.Steps {
		switch s.Action {
		case "", ActionLock, ActionEnd, ActionReset:
		default:
			return nil, fmt.Errorf("tick %d: unknown action %q", i, s.Action)
		}

		if s.FaceCount != nil && *s.FaceCount < 0 {
			return nil, fmt.Errorf("tick %d: negative face_count", i)
		}

		at := next
		if s.AtMS != nil {
			at = time.Duration(*s.AtMS) * time.Millisecond
		}
		if len(out) > 0 && at < out[len(out)-1].At {
			return nil, fmt.Errorf("tick %d: at_ms %d goes back in time", i, at.Milliseconds())
		}

		step := DefaultStep
		if s.EveryMS > 0 {
			step = time.Duration(s.EveryMS) * time.Millisecond
		}
		n := s.Repeat
		if n < 1 {
			n = 1
		}

		base := s.tick()
		for k := 0; k < n; k++ {
			tk := base
			tk.At = at + time.Duration(k)*step
			// Events and actions happen once, on the first expanded tick.
			if k > 0 {
				tk.Events, tk.Action = nil, ""
			}
			out = append(out, tk)
		}
		next = out[len(out)-1].At + step
	}
	return out, nil
}

func (s Step) tick() Tick {
	t := Tick{
		FrameReady: s.FrameReady == nil || *s.FrameReady,
		Objects:    s.Objects,
		Events:     s.Events,
		Action:     s.Action,
	}
	if len(s.Embedding) > 0 {
		t.Embedding = types.Embedding(s.Embedding)
	}
	if s.FaceCount != nil {
		t.Faces = make([]types.Face, *s.FaceCount)
	}
	for _, m := range s.Landmarks {
		t.Landmarks = append(t.Landmarks, m.mesh())
	}
	return t
}

// mesh fills a dense keypoint slice up to the highest index given.
func (m Mesh) mesh() types.FaceMesh {
	hi := -1
	for i := range m.Keypoints {
		if i > hi {
			hi = i
		}
	}
	kp := make([]types.Keypoint, hi+1)
	for i, xy := range m.Keypoints {
		if i >= 0 {
			kp[i] = types.Keypoint{X: xy[0], Y: xy[1]}
		}
	}
	return types.FaceMesh{Keypoints: kp}
}
