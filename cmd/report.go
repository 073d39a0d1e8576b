package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alpkeskin/gotoon"
	"github.com/google/uuid"

	"github.com/andresmejia3/vigil/internal/emitter"
	"github.com/andresmejia3/vigil/internal/ledger"
	"github.com/andresmejia3/vigil/internal/session"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// Output formats shared by replay and audit.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatToon  = "toon"
)

func outputFormat(asJSON, asToon bool) (string, error) {
	switch {
	case asJSON && asToon:
		return "", fmt.Errorf("--json and --toon are mutually exclusive")
	case asJSON:
		return formatJSON, nil
	case asToon:
		return formatToon, nil
	}
	return formatTable, nil
}

// printAudit writes the post-exam audit in the chosen format.
func printAudit(w io.Writer, a types.Audit, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	case formatToon:
		output, err := gotoon.Encode(a)
		if err != nil {
			return fmt.Errorf("failed to encode Toon: %w", err)
		}
		fmt.Fprintln(w, output)
		return nil
	}

	fmt.Fprintf(w, "Session:     %s\n", a.SessionID)
	fmt.Fprintf(w, "State:       %s\n", a.State)
	fmt.Fprintf(w, "Match Score: %.1f%%\n", a.MatchScore)
	fmt.Fprintf(w, "Critical:    %d\n", a.Critical)
	fmt.Fprintf(w, "Warning:     %d\n", a.Warning)
	if !a.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:     %s\n", a.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if !a.BaselineLockedAt.IsZero() {
		fmt.Fprintf(w, "Locked:      %s\n", a.BaselineLockedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if !a.EndedAt.IsZero() {
		fmt.Fprintf(w, "Ended:       %s\n", a.EndedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w)

	if len(a.Violations) == 0 {
		fmt.Fprintln(w, "No violations recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tTYPE")
	fmt.Fprintln(tw, "----\t--------\t----")
	for _, v := range a.Violations {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Time.Local().Format("15:04:05"), v.Severity, v.Type)
	}
	return tw.Flush()
}

// printSessions writes the archive listing.
func printSessions(w io.Writer, sessions []types.Audit) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No archived sessions found in database.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tDURATION\tSCORE\tCRITICAL\tWARNING")
	fmt.Fprintln(tw, "-------\t-------\t--------\t-----\t--------\t-------")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%d\t%d\n",
			s.SessionID,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.EndedAt.Sub(s.StartedAt).Round(time.Second),
			s.MatchScore, s.Critical, s.Warning)
	}
	return tw.Flush()
}

// sessionOptions wires the configured sinks and the archive hook into a
// controller. The returned func releases the sinks.
func sessionOptions(ctx context.Context, archive bool) ([]session.Option, func(), error) {
	logger := slog.Default()
	opts := []session.Option{
		session.WithConfig(Cfg.Session),
		session.WithLogger(logger),
		session.WithSink(func(id string) ledger.Sink {
			return ledger.LogSink{Logger: logger.With("session", id)}
		}),
	}
	cleanup := func() {}

	if Cfg.MQTT.Broker != "" {
		mqttCfg := Cfg.MQTT
		mqttCfg.ClientID = fmt.Sprintf("%s-%s", mqttCfg.ClientID, uuid.New().String()[:8])
		em := emitter.NewMQTTEmitter(mqttCfg)
		if err := em.Connect(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📡 Publishing violations to %s\n", em.Topic("<session>"))
		opts = append(opts, session.WithSink(em.ForSession))
		cleanup = func() { em.Disconnect() }
	}

	if archive {
		if err := connectDB(ctx); err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, session.OnEnd(func(a types.Audit) {
			// The signal context may already be cancelled when the exam ends on Ctrl+C
			if err := DB.SaveAudit(context.Background(), a); err != nil {
				utils.ShowError("Failed to archive session", err, nil)
				return
			}
			fmt.Fprintf(os.Stderr, "🗄️  Session %s archived.\n", a.SessionID)
		}))
	}
	return opts, cleanup, nil
}
