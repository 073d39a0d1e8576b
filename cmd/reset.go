package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Drop the audit archive",
	Long:        "Drops every archived session and violation. The schema is recreated on next connect.",
	Annotations: map[string]string{annotationDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)
		if !resetYes && !confirm(reader, cmd.OutOrStdout(), "⚠️  Are you sure you want to DROP all archive tables?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), "🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.ShowError("Failed to reset database", err, nil)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✨ Archive Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
