package surveil

import (
	"context"

	"github.com/andresmejia3/vigil/internal/types"
)

// EmbeddingModel turns a frame into an identity embedding.
type EmbeddingModel interface {
	Predict(ctx context.Context, f types.Frame) (types.Embedding, error)
}

// ObjectDetector lists labelled objects in a frame.
type ObjectDetector interface {
	Detect(ctx context.Context, f types.Frame) ([]types.ObjectDetection, error)
}

// FaceDetector lists faces in a frame.
type FaceDetector interface {
	EstimateFaces(ctx context.Context, f types.Frame) ([]types.Face, error)
}

// LandmarkDetector returns face meshes in a frame.
type LandmarkDetector interface {
	EstimateLandmarks(ctx context.Context, f types.Frame) ([]types.FaceMesh, error)
}

// FrameSource hands out the most recent frame. The bool is false when no
// frame is ready yet, which is an expected transient state.
type FrameSource interface {
	Frame(ctx context.Context) (types.Frame, bool)
}

// Capabilities bundles the external models. Any detector may be nil and is
// then skipped; a nil Embedder disables the loop's detection work entirely.
type Capabilities struct {
	Embedder  EmbeddingModel
	Objects   ObjectDetector
	Faces     FaceDetector
	Landmarks LandmarkDetector
}
