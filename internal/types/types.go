package types

import "time"

// Embedding is a fixed-length face descriptor produced by the embedding model.
type Embedding []float64

// Severity classifies a violation.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWarning  Severity = "Warning"
)

// Incident is a detector's request to record a violation. The ledger stamps the time.
type Incident struct {
	Type     string
	Severity Severity
}

// Violation is an incident accepted by the ledger.
type Violation struct {
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

// Frame is a single captured webcam frame (JPEG bytes).
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Data      []byte
}

// ObjectDetection is one labelled box from the object detector. Only the class is consumed.
type ObjectDetection struct {
	Class      string  `json:"class" yaml:"class" msgpack:"class"`
	Confidence float64 `json:"confidence" yaml:"confidence" msgpack:"confidence"`
}

// Face is one face from the face detector. The engine only counts them.
type Face struct {
	Box   [4]float64 `json:"box" yaml:"box" msgpack:"box"` // [top, right, bottom, left]
	Score float64    `json:"score" yaml:"score" msgpack:"score"`
}

// Keypoint is a 2D landmark in frame pixels.
type Keypoint struct {
	X float64 `json:"x" yaml:"x" msgpack:"x"`
	Y float64 `json:"y" yaml:"y" msgpack:"y"`
}

// FaceMesh is the indexed keypoint set for one face, in the landmark model's fixed index scheme.
type FaceMesh struct {
	Keypoints []Keypoint `json:"keypoints" yaml:"keypoints" msgpack:"keypoints"`
}

// Audit is the read-only view of a session handed to presentation and the archive.
type Audit struct {
	SessionID  string      `json:"session_id"`
	State      string      `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
	MatchScore float64     `json:"match_score"`
	Critical   int         `json:"critical"`
	Warning    int         `json:"warning"`
	Violations []Violation `json:"violations"`
	Baseline   Embedding   `json:"-"`

	// BaselineLockedAt is zero when the session ended before a baseline was locked.
	BaselineLockedAt time.Time `json:"baseline_locked_at,omitzero"`
}
