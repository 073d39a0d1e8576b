package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/vigil/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockHost returns a host whose data pipe is pre-filled with the given replies.
func newMockHost(t *testing.T, replies ...response) (*ModelHost, *MockCloser) {
	t.Helper()
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	for _, r := range replies {
		if err := writeReply(dataPipeMock, r); err != nil {
			t.Fatalf("failed to write reply: %v", err)
		}
	}

	// Cmd is nil because we aren't testing process management, just the protocol
	return &ModelHost{Stdin: stdinMock, DataPipe: dataPipeMock, Timeout: time.Second}, stdinMock
}

// writeReply frames one response the way the host does.
func writeReply(w io.Writer, r response) error {
	payload, err := msgpack.Marshal(r)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// decodeRequests reads every framed request written to stdin.
func decodeRequests(t *testing.T, buf *bytes.Buffer) []request {
	t.Helper()
	var out []request
	for buf.Len() > 0 {
		var n uint32
		if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
			t.Fatalf("bad length header: %v", err)
		}
		var req request
		if err := msgpack.Unmarshal(buf.Next(int(n)), &req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		out = append(out, req)
	}
	return out
}

func TestPredict(t *testing.T) {
	h, stdin := newMockHost(t, response{Status: 0, Embedding: []float64{0.5, 0.25}})

	frame := types.Frame{Seq: 7, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	emb, err := h.Predict(context.Background(), frame)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// Use epsilon for float comparison
	if len(emb) != 2 || math.Abs(emb[0]-0.5) > 1e-9 {
		t.Errorf("Expected embedding [0.5 0.25], got %v", emb)
	}

	reqs := decodeRequests(t, stdin.Buffer)
	if len(reqs) != 1 || reqs[0].Op != OpEmbed || !bytes.Equal(reqs[0].Frame, frame.Data) {
		t.Errorf("Unexpected request sent: %+v", reqs)
	}
}

func TestPredict_NoFace(t *testing.T) {
	h, _ := newMockHost(t, response{Status: 0})
	if _, err := h.Predict(context.Background(), types.Frame{}); err == nil {
		t.Fatal("Expected error for empty embedding")
	}
}

func TestDetectors(t *testing.T) {
	h, stdin := newMockHost(t,
		response{Objects: []types.ObjectDetection{{Class: "book", Confidence: 0.9}}},
		response{Faces: []types.Face{{Score: 0.99}, {Score: 0.8}}},
		response{Landmarks: []types.FaceMesh{{Keypoints: []types.Keypoint{{X: 1, Y: 2}}}}},
	)
	ctx := context.Background()
	f := types.Frame{Data: []byte("frame")}

	objs, err := h.Detect(ctx, f)
	if err != nil || len(objs) != 1 || objs[0].Class != "book" {
		t.Errorf("Detect() = %v, %v", objs, err)
	}
	faces, err := h.EstimateFaces(ctx, f)
	if err != nil || len(faces) != 2 {
		t.Errorf("EstimateFaces() = %v, %v", faces, err)
	}
	meshes, err := h.EstimateLandmarks(ctx, f)
	if err != nil || len(meshes) != 1 || meshes[0].Keypoints[0].Y != 2 {
		t.Errorf("EstimateLandmarks() = %v, %v", meshes, err)
	}

	var ops []string
	for _, r := range decodeRequests(t, stdin.Buffer) {
		ops = append(ops, r.Op)
	}
	want := []string{OpObjects, OpFaces, OpLandmarks}
	for i := range want {
		if i >= len(ops) || ops[i] != want[i] {
			t.Fatalf("Expected ops %v, got %v", want, ops)
		}
	}
}

func TestCall_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	h, _ := newMockHost(t, response{Status: 1, Error: errMsg})

	err := h.Ready(context.Background())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "model host error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "model host error: "+errMsg, err)
	}
}

func TestCall_ClosedPipeBreaksHost(t *testing.T) {
	h, _ := newMockHost(t) // no reply queued: reading hits EOF

	if err := h.Ready(context.Background()); !errors.Is(err, ErrBroken) {
		t.Fatalf("Expected ErrBroken, got %v", err)
	}
	if err := h.Ready(context.Background()); !errors.Is(err, ErrBroken) {
		t.Errorf("Expected host to stay broken, got %v", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	h := &ModelHost{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: r,
		Timeout:  20 * time.Millisecond,
	}

	start := time.Now()
	_, err := h.Detect(context.Background(), types.Frame{})
	if !errors.Is(err, ErrBroken) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Timeout was not honoured")
	}
}

func TestCall_CallerCancelKeepsHostUsable(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	h := &ModelHost{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: r,
		Timeout:  time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.Predict(ctx, types.Frame{Data: []byte("frame")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrBroken) {
		t.Fatalf("Cancelled call must not break the host: %v", err)
	}

	// The host answers the abandoned embed first, then the ping.
	go func() {
		writeReply(w, response{Embedding: []float64{1, 0}})
		writeReply(w, response{Status: 0, Models: []string{"embed"}})
	}()
	if err := h.Ready(context.Background()); err != nil {
		t.Fatalf("Ready after cancelled call failed: %v", err)
	}
	if h.pending != nil {
		t.Error("Expected late reply to be consumed")
	}
}

func TestCall_CancelledWhileDraining(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	h := &ModelHost{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: r,
		Timeout:  time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Detect(ctx, types.Frame{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// Still waiting on the first reply: a second cancelled call leaves it pending.
	if err := h.Ready(ctx); !errors.Is(err, context.Canceled) || errors.Is(err, ErrBroken) {
		t.Fatalf("Expected plain cancellation, got %v", err)
	}

	go func() {
		writeReply(w, response{})
		writeReply(w, response{})
	}()
	if err := h.Ready(context.Background()); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
}
