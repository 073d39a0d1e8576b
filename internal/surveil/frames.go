package surveil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/vigil/internal/types"
)

// LatestFrame is a single-slot mailbox: Publish overwrites, Frame reads the
// newest without consuming it. Old frames are dropped, never queued.
type LatestFrame struct {
	mu      sync.RWMutex
	frame   types.Frame
	ready   bool
	seq     uint64
	dropped uint64
	read    bool
}

// Publish stores a copy of data as the newest frame.
func (m *LatestFrame) Publish(data []byte, at time.Time) {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready && !m.read {
		m.dropped++
	}
	m.seq++
	m.frame = types.Frame{
		Seq:       m.seq,
		Timestamp: at,
		TraceID:   uuid.New().String(),
		Data:      buf,
	}
	m.ready = true
	m.read = false
}

// Frame implements FrameSource.
func (m *LatestFrame) Frame(ctx context.Context) (types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return types.Frame{}, false
	}
	m.read = true
	return m.frame, true
}

// Stats returns how many frames were published and how many were
// overwritten before any tick looked at them.
func (m *LatestFrame) Stats() (published, dropped uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, m.dropped
}
