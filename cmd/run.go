package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// errAnomaly makes the run command exit non-zero when every attempted source failed.
var errAnomaly = errors.New("run finished with status anomaly: every attempted source failed")

// newRunCmd creates the 'run' subcommand, which executes exactly one run.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Executes a single crawl-and-compile run",
		Long: `Enumerates sources, fetches the changed ones, merges them into the
database and publishes a fresh snapshot. The run report is printed as JSON.
Exits non-zero on a run-fatal error or when every attempted source failed.`,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(cmd.Context(), appInstance)
	report, runErr := appInstance.RunOnce(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if report.RunID != "" {
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if report.Status == lyrics.RunAnomaly {
		appInstance.Logger().Error("run anomaly", zap.String("run_id", report.RunID), zap.Int("failed", report.Failed))
		return errAnomaly
	}
	return nil
}
