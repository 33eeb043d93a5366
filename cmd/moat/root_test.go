package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/moat/internal/domain/config"
)

// executeCommand runs the root command with args after restoring every flag
// to its default. Commands share package-level flag variables, so tests in
// this package do not run in parallel.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestRootCommand_UseLine(t *testing.T) {
	assert.Equal(t, "moat", rootCmd.Use)
	assert.Equal(t, "A sandboxed WebAssembly runtime", rootCmd.Short)
}

func TestRootCommand_HasPersistentFlags(t *testing.T) {
	flags := rootCmd.PersistentFlags()

	tests := []struct {
		name string
		def  string
	}{
		{"config", ""},
		{"verbose", "false"},
		{"log-level", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := flags.Lookup(tt.name)
			require.NotNil(t, flag)
			assert.Equal(t, tt.def, flag.DefValue)
		})
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"run", "validate", "mcp", "config", "version"} {
		assert.True(t, names[want], "%s should be a subcommand of root", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "moat dev")
	assert.Contains(t, out, "commit: none")
}

func TestFormatError(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, "boom", formatError(errors.New("boom")))
	})

	t.Run("user error", func(t *testing.T) {
		err := config.NewUserError(config.ErrCodeConfigNotFound, "config not found").
			WithContext("moat.yaml").
			WithSuggestion("Pass --config.")
		msg := formatError(err)
		assert.Contains(t, msg, "config not found (at moat.yaml)")
		assert.Contains(t, msg, "Suggestion: Pass --config.")
		assert.NotContains(t, msg, "Technical details")
	})

	t.Run("error list", func(t *testing.T) {
		list := &config.ErrorList{}
		list.AddValidation("limits.timeout", "must be positive", "Use 250ms.")
		msg := formatError(list)
		assert.Contains(t, msg, "Found 1 error(s)")
		assert.Contains(t, msg, "limits.timeout")
	})
}

func TestPrintErrorTo(t *testing.T) {
	var buf bytes.Buffer
	printErrorTo(&buf, errors.New("boom"))
	assert.Equal(t, "Error: boom\n", buf.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(&exitError{code: 2}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestLogLevelOverride(t *testing.T) {
	resetFlags(rootCmd)
	logLevel = "shout"
	t.Cleanup(func() { logLevel = "" })

	_, err := applyOverrides(config.DefaultConfig())
	assert.True(t, config.IsUserError(err, config.ErrCodeValidationFailed))

	logLevel = "warn"
	cfg, err := applyOverrides(config.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}
