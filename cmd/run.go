package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/lockdown"
	"github.com/andresmejia3/vigil/internal/session"
	"github.com/andresmejia3/vigil/internal/surveil"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/worker"
)

const megabyte = 1024 * 1024

var (
	runDevice  string
	runFPS     int
	runArchive bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Proctor a live exam from a webcam",
	Long: `Starts the model host and webcam capture, then monitors the candidate.
Operator commands are read from stdin:
  lock               lock the identity baseline from the current frame
  end                end the exam and print the audit
  reset              discard the session and start over
  status             print score, state and counts
  event <kind> ...   report a lockdown event (blur, hidden, key ctrl+c, key F12)
  quit               end the exam if running and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runDevice, "device", "d", "/dev/video0", "Webcam device")
	runCmd.Flags().IntVar(&runFPS, "fps", 30, "Capture frame rate")
	runCmd.Flags().BoolVar(&runArchive, "archive", false, "Archive the session to PostgreSQL when it ends")
	rootCmd.AddCommand(runCmd)
}

func runLive(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	opts, cleanup, err := sessionOptions(ctx, runArchive)
	defer cleanup()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Starting model host (%s)...\n", Cfg.Worker.Script)
	host, err := worker.NewModelHost(ctx, Cfg.Worker.Script, Cfg.Worker.Timeout)
	if err != nil {
		utils.ShowError("Failed to start model host", err, nil)
		return err
	}
	defer host.Close()

	frames := &surveil.LatestFrame{}
	capture := utils.NewCaptureCmd(ctx, runDevice, runFPS)
	captureOut, err := capture.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := capture.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}
	defer func() {
		cancel()
		capture.Wait()
	}()
	go pumpFrames(captureOut, frames)

	caps := surveil.Capabilities{Embedder: host, Objects: host, Faces: host, Landmarks: host}
	ctrl := session.New(caps, frames, opts...)

	fmt.Fprintln(os.Stderr, "⏳ Waiting for models to load...")
	if err := ctrl.Ready(ctx, host); err != nil {
		utils.ShowError("Model host failed to load", ctrl.LoadError(), host.Cmd)
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "🎥 Session %s armed. Type 'lock' to capture the identity baseline.\n", ctrl.SessionID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			finish(ctrl, out)
			return nil
		case line, ok := <-lines:
			if !ok {
				finish(ctrl, out)
				return nil
			}
			if quit := handleCommand(ctx, ctrl, host, line, out); quit {
				finish(ctrl, out)
				return nil
			}
		}
	}
}

// pumpFrames splits the MJPEG stream into the single-slot mailbox.
func pumpFrames(r io.Reader, frames *surveil.LatestFrame) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	for scanner.Scan() {
		frames.Publish(scanner.Bytes(), time.Now())
	}
	published, dropped := frames.Stats()
	fmt.Fprintf(os.Stderr, "📷 Capture stopped after %d frames (%d never evaluated).\n", published, dropped)
}

// finish ends a running session and prints its audit.
func finish(ctrl *session.Controller, w io.Writer) {
	if ctrl.State().Active() {
		ctrl.EndSession()
	}
	printAudit(w, ctrl.Snapshot(), formatTable)
}

// handleCommand executes one operator command. It returns true on quit.
func handleCommand(ctx context.Context, ctrl *session.Controller, ready session.Readiness, line string, w io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "lock":
		if err := ctrl.LockBaseline(ctx); err != nil {
			fmt.Fprintf(w, "⚠️  Baseline not locked: %v\n", err)
			return false
		}
		fmt.Fprintln(w, "🔒 Identity baseline locked. Monitoring.")
	case "end":
		if err := ctrl.EndSession(); err != nil {
			fmt.Fprintf(w, "⚠️  %v\n", err)
			return false
		}
		printAudit(w, ctrl.Snapshot(), formatTable)
	case "reset":
		ctrl.ResetSession()
		if err := ctrl.Ready(ctx, ready); err != nil {
			fmt.Fprintf(w, "⚠️  %v\n", err)
			return false
		}
		if err := ctrl.Start(ctx); err != nil {
			fmt.Fprintf(w, "⚠️  %v\n", err)
			return false
		}
		fmt.Fprintf(w, "🔄 New session %s armed.\n", ctrl.SessionID())
	case "status":
		counts := ctrl.SeverityCounts()
		fmt.Fprintf(w, "State: %s | Match: %.1f%% | Critical: %d | Warning: %d\n",
			ctrl.State(), ctrl.MatchScore(), counts.Critical, counts.Warning)
	case "event":
		e, err := parseEvent(fields[1:])
		if err != nil {
			fmt.Fprintf(w, "⚠️  %v\n", err)
			return false
		}
		if lockdown.Dispatch(ctrl, e) {
			fmt.Fprintln(w, "🚫 Lockdown violation recorded.")
		}
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(w, "Unknown command %q\n", fields[0])
	}
	return false
}

// parseEvent reads "blur", "hidden" or "key [ctrl+|meta+]<key>".
func parseEvent(args []string) (lockdown.Event, error) {
	if len(args) == 0 {
		return lockdown.Event{}, fmt.Errorf("usage: event blur|hidden|key <combo>")
	}
	switch args[0] {
	case "blur":
		return lockdown.Event{Kind: lockdown.KindBlur}, nil
	case "hidden":
		return lockdown.Event{Kind: lockdown.KindVisibility, Hidden: true}, nil
	case "key":
		if len(args) < 2 {
			return lockdown.Event{}, fmt.Errorf("usage: event key <combo>")
		}
		e := lockdown.Event{Kind: lockdown.KindKeyDown}
		parts := strings.Split(args[1], "+")
		for _, mod := range parts[:len(parts)-1] {
			switch strings.ToLower(mod) {
			case "ctrl":
				e.Ctrl = true
			case "meta", "cmd":
				e.Meta = true
			default:
				return lockdown.Event{}, fmt.Errorf("unknown modifier %q", mod)
			}
		}
		e.Key = parts[len(parts)-1]
		return e, nil
	}
	return lockdown.Event{}, fmt.Errorf("unknown event %q", args[0])
}
