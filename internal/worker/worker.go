package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils" // Using the SafeCommand wrapper
)

// Ops understood by the model host.
const (
	OpPing      = "ping"
	OpEmbed     = "embed"
	OpObjects   = "objects"
	OpFaces     = "faces"
	OpLandmarks = "landmarks"
)

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 5 * time.Second

// ErrBroken is returned after an exchange timed out or the stream desynced.
// The host must be restarted.
var ErrBroken = errors.New("model host unusable")

type request struct {
	Op    string `msgpack:"op"`
	Frame []byte `msgpack:"frame,omitempty"`
}

type response struct {
	Status    int                     `msgpack:"status"`
	Error     string                  `msgpack:"error,omitempty"`
	Models    []string                `msgpack:"models,omitempty"`
	Embedding []float64               `msgpack:"embedding,omitempty"`
	Objects   []types.ObjectDetection `msgpack:"objects,omitempty"`
	Faces     []types.Face            `msgpack:"faces,omitempty"`
	Landmarks []types.FaceMesh        `msgpack:"landmarks,omitempty"`
}

// ModelHost is a python subprocess serving the embedding, object, face and
// landmark models. Only one request is in flight at a time.
type ModelHost struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken bool
	// pending carries the reply of an exchange whose caller gave up.
	pending chan exchange
}

type exchange struct {
	body []byte
	err  error
}

// NewModelHost starts the host script.
func NewModelHost(ctx context.Context, script string, timeout time.Duration) (*ModelHost, error) {
	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("model host failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ModelHost{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  timeout,
	}, nil
}

// Communicate sends one framed message and reads one framed reply.
func (h *ModelHost) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(h.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := h.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(h.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import crash in the host
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(h.DataPipe, respBody)
	return respBody, err
}

func (h *ModelHost) call(ctx context.Context, op string, frame []byte) (*response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broken {
		return nil, ErrBroken
	}

	payload, err := msgpack.Marshal(request{Op: op, Frame: frame})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.awaitPending(ctx, tctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	done := make(chan exchange, 1)
	go func() {
		body, err := h.Communicate(payload)
		done <- exchange{body, err}
	}()

	var res exchange
	select {
	case res = <-done:
	case <-tctx.Done():
		if ctx.Err() != nil {
			// The host is still working on it. The next call discards the reply.
			h.pending = done
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		// A reply after the deadline would be read as the answer to the
		// next request.
		h.broken = true
		return nil, fmt.Errorf("%s: %w: %w", op, ErrBroken, tctx.Err())
	}
	if res.err != nil {
		h.broken = true
		return nil, fmt.Errorf("%s: %w: %w", op, ErrBroken, res.err)
	}

	var resp response
	if err := msgpack.Unmarshal(res.body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("model host error: %s", resp.Error)
	}
	return &resp, nil
}

// awaitPending discards the late reply of an abandoned exchange so the
// stream is back in step. Must be called with mu held.
func (h *ModelHost) awaitPending(ctx, tctx context.Context) error {
	if h.pending == nil {
		return nil
	}
	select {
	case res := <-h.pending:
		h.pending = nil
		if res.err != nil {
			h.broken = true
			return fmt.Errorf("%w: %w", ErrBroken, res.err)
		}
		return nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.broken = true
		return fmt.Errorf("%w: %w", ErrBroken, tctx.Err())
	}
}

// Ready pings the host. It succeeds once every model has loaded.
func (h *ModelHost) Ready(ctx context.Context) error {
	_, err := h.call(ctx, OpPing, nil)
	return err
}

// Predict implements surveil.EmbeddingModel.
func (h *ModelHost) Predict(ctx context.Context, f types.Frame) (types.Embedding, error) {
	resp, err := h.call(ctx, OpEmbed, f.Data)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("no face to embed in frame %d", f.Seq)
	}
	return types.Embedding(resp.Embedding), nil
}

// Detect implements surveil.ObjectDetector.
func (h *ModelHost) Detect(ctx context.Context, f types.Frame) ([]types.ObjectDetection, error) {
	resp, err := h.call(ctx, OpObjects, f.Data)
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// EstimateFaces implements surveil.FaceDetector.
func (h *ModelHost) EstimateFaces(ctx context.Context, f types.Frame) ([]types.Face, error) {
	resp, err := h.call(ctx, OpFaces, f.Data)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// EstimateLandmarks implements surveil.LandmarkDetector.
func (h *ModelHost) EstimateLandmarks(ctx context.Context, f types.Frame) ([]types.FaceMesh, error) {
	resp, err := h.call(ctx, OpLandmarks, f.Data)
	if err != nil {
		return nil, err
	}
	return resp.Landmarks, nil
}

// Close shuts the host down and waits for it to exit.
func (h *ModelHost) Close() {
	h.Stdin.Close()
	h.DataPipe.Close()
	if h.Cmd != nil {
		h.Cmd.Wait()
	}
}
