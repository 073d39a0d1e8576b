package ledger

import (
	"log/slog"

	"github.com/andresmejia3/vigil/internal/types"
)

// LogSink writes one structured line per recorded violation.
type LogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(v types.Violation) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("violation logged",
		"type", v.Type,
		"severity", string(v.Severity),
		"time", v.Time.Format("15:04:05"),
	)
	return nil
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(v types.Violation) error

// Record implements Sink.
func (f SinkFunc) Record(v types.Violation) error { return f(v) }
