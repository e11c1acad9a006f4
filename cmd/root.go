// Package cmd defines and implements the CLI commands for the lyricsdb executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/config"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can inject a fake.
type App interface {
	RunOnce(ctx context.Context) (lyrics.RunReport, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, cfg, nil)
}

// newRootCmd creates and configures the root command.
func newRootCmd(out io.Writer) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "lyricsdb",
		Short: "Incremental crawl-and-compile engine for a synced lyric database.",
		Long: `lyricsdb enumerates lyric repositories, fetches only the ones that changed
since their last checkpoint, merges the parsed lyrics into a SQLite database and
publishes a brotli-compressed snapshot of it.`,
		SilenceUsage: true,

		// Runs before the subcommand's RunE: build and inject the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env LYRICSDB_* overrides)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp releases the application. Subcommands defer it because cobra skips
// post-run hooks when RunE fails.
func closeApp(ctx context.Context, appInstance App) {
	if err := appInstance.Close(context.WithoutCancel(ctx)); err != nil {
		appInstance.Logger().Warn("shutdown failed", zap.Error(err))
	}
}

// Execute is the main entry point. It returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lyricsdb: %v\n", err)
		return 1
	}
	return 0
}
