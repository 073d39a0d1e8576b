package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/utils"
)

var (
	auditJSON      bool
	auditToon      bool
	matchThreshold float64
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect archived exam sessions",
}

var auditListCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all archived sessions",
	Annotations: map[string]string{annotationDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := DB.ListSessions(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list sessions", err, nil)
			return err
		}
		return printSessions(cmd.OutOrStdout(), sessions)
	},
}

var auditShowCmd = &cobra.Command{
	Use:         "show <session-id>",
	Short:       "Show the post-exam audit of a session",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(auditJSON, auditToon)
		if err != nil {
			return err
		}
		a, err := DB.GetAudit(cmd.Context(), args[0])
		if err != nil {
			utils.ShowError("Failed to load session", err, nil)
			return err
		}
		return printAudit(cmd.OutOrStdout(), a, format)
	},
}

var auditMatchCmd = &cobra.Command{
	Use:         "match <session-id>",
	Short:       "Find other sessions whose identity baseline matches this one",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := DB.GetAudit(ctx, args[0])
		if err != nil {
			utils.ShowError("Failed to load session", err, nil)
			return err
		}
		if len(a.Baseline) == 0 {
			return fmt.Errorf("session %s ended before a baseline was locked", a.SessionID)
		}

		fmt.Fprintf(os.Stderr, "🔍 Searching archive (Threshold: %.2f)...\n", matchThreshold)
		matches, err := DB.FindSessionsByBaseline(ctx, a.Baseline, matchThreshold)
		if err != nil {
			utils.ShowError("Database search failed", err, nil)
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTARTED\tDISTANCE")
		fmt.Fprintln(w, "-------\t-------\t--------")
		found := 0
		for _, m := range matches {
			if m.SessionID == a.SessionID {
				continue
			}
			found++
			fmt.Fprintf(w, "%s\t%s\t%.4f\n", m.SessionID, m.StartedAt.Local().Format("2006-01-02 15:04"), m.Distance)
		}
		if found == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No matching sessions found.")
			return nil
		}
		return w.Flush()
	},
}

func init() {
	auditShowCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the audit as JSON")
	auditShowCmd.Flags().BoolVar(&auditToon, "toon", false, "Print the audit as Toon")
	auditMatchCmd.Flags().Float64VarP(&matchThreshold, "threshold", "t", 0.25, "Maximum cosine distance for a match")

	auditCmd.AddCommand(auditListCmd, auditShowCmd, auditMatchCmd)
	rootCmd.AddCommand(auditCmd)
}
