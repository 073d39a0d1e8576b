package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/trace"
	"github.com/andresmejia3/vigil/internal/utils"
)

var (
	replayInput   string
	replayJSON    bool
	replayToon    bool
	replayArchive bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded detection trace through the integrity engine",
	Long: `Plays a YAML trace of per-tick detections, lockdown events and operator
actions through a session, then prints the post-exam audit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(replayJSON, replayToon)
		if err != nil {
			return err
		}
		return runReplay(cmd, format)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "", "Path to trace file (required)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the audit as JSON")
	replayCmd.Flags().BoolVar(&replayToon, "toon", false, "Print the audit as Toon")
	replayCmd.Flags().BoolVar(&replayArchive, "archive", false, "Archive the session to PostgreSQL when it ends")
	replayCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, format string) error {
	ctx := cmd.Context()

	tr, err := trace.Load(replayInput)
	if err != nil {
		utils.ShowError("Failed to load trace", err, nil)
		return err
	}
	player, err := trace.NewPlayer(tr, time.Now())
	if err != nil {
		utils.ShowError("Invalid trace", err, nil)
		return err
	}

	opts, cleanup, err := sessionOptions(ctx, replayArchive)
	defer cleanup()
	if err != nil {
		return err
	}
	ctrl := player.NewController(opts...)

	name := tr.Name
	if name == "" {
		name = replayInput
	}
	fmt.Fprintf(os.Stderr, "📼 Replaying %s (%d ticks)\n", name, player.Len())

	bar := progressbar.NewOptions(player.Len(),
		progressbar.OptionSetDescription("🎞️  Replaying"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	err = trace.Replay(ctx, player, ctrl, func(done, total int) {
		bar.Set(done)
	})
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		if loadErr := ctrl.LoadError(); loadErr != nil {
			utils.ShowError("Capabilities failed to load", loadErr, nil)
		} else {
			utils.ShowError("Replay failed", err, nil)
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "🏁 Replay Complete. Session %s is %s.\n", ctrl.SessionID(), ctrl.State())
	return printAudit(cmd.OutOrStdout(), ctrl.Snapshot(), format)
}
