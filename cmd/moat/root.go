package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/moat/internal/app"
	"github.com/felixgeelhaar/moat/internal/domain/config"
	"github.com/felixgeelhaar/moat/internal/ports"
)

const (
	// configEnv names the config file when --config is not given.
	configEnv = "MOAT_CONFIG"

	// defaultConfigFile is picked up from the working directory as a last
	// resort.
	defaultConfigFile = "moat.yaml"
)

var (
	// Global flags
	cfgFile  string
	verbose  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "moat",
	Short: "A sandboxed WebAssembly runtime",
	Long: `Moat runs untrusted WebAssembly modules under hard resource limits.

Modules get memory, fuel, wall-clock and host-call budgets, a session
state store, path-guarded file access and a bridge to external MCP
services with pooling, result caching, rate limiting and retry.`,
	SilenceErrors: true, // We handle error formatting ourselves
	SilenceUsage:  true, // Don't show usage on error
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $MOAT_CONFIG, then moat.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	_ = rootCmd.RegisterFlagCompletionFunc("config", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "toml"}, cobra.ShellCompDirectiveFilterFileExt
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config, then $MOAT_CONFIG, then moat.yaml in the
// working directory, and falls back to the defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return applyOverrides(config.DefaultConfig())
		}
		path = defaultConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return applyOverrides(cfg)
}

func applyOverrides(cfg *config.Config) (*config.Config, error) {
	if logLevel != "" {
		if _, ok := ports.ParseLevel(logLevel); !ok {
			return nil, config.NewUserError(config.ErrCodeValidationFailed, fmt.Sprintf("unknown log level %q", logLevel)).
				WithContext("--log-level").
				WithSuggestion("Use debug, info, warn or error.")
		}
		cfg.Log.Level = logLevel
	} else if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openMoat loads the configuration and starts every component. Logs go to
// the command's stderr.
func openMoat(ctx context.Context, cmd *cobra.Command) (*app.Moat, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{Version: version, LogOutput: cmd.ErrOrStderr()})
}

// exitError carries a process exit code without a message of its own.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// formatError returns a user-friendly error message.
// With verbose=false: shows only the user message and suggestion.
// With verbose=true: also shows the underlying technical error.
func formatError(err error) string {
	var list *config.ErrorList
	if errors.As(err, &list) {
		return list.Detail()
	}

	var userErr *config.UserError
	if errors.As(err, &userErr) {
		msg := userErr.Message
		if userErr.Context != "" {
			msg += fmt.Sprintf(" (at %s)", userErr.Context)
		}
		if userErr.Suggestion != "" {
			msg += fmt.Sprintf("\n\nSuggestion: %s", userErr.Suggestion)
		}
		if verbose && userErr.Underlying != nil {
			msg += fmt.Sprintf("\n\nTechnical details: %v", userErr.Underlying)
		}
		return msg
	}
	return err.Error()
}

// printError prints an error message to stderr with proper formatting.
// Exit errors are silent; the command already reported the outcome.
func printError(err error) {
	var ee *exitError
	if errors.As(err, &ee) {
		return
	}
	printErrorTo(os.Stderr, err)
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", formatError(err))
}
