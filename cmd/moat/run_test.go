package main

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
	"github.com/felixgeelhaar/moat/internal/testutil"
)

func TestRunCommand_Text(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "add.wasm", testutil.AddModule())

	out, err := executeCommand(t, "run", path, "--arg", "i32:40", "--arg", "i32:2")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ completed")
	assert.Contains(t, out, "→ i32:42")
	assert.NotContains(t, out, "session:")
}

func TestRunCommand_JSON(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "add.wasm", testutil.AddModule())

	out, err := executeCommand(t, "run", path, "-a", "i32:1", "-a", "i32:2", "--json")
	require.NoError(t, err)

	var got struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
		Values    []struct {
			Type  string `json:"type"`
			Value int32  `json:"value"`
		} `json:"values"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "completed", got.Status)
	assert.NotEmpty(t, got.SessionID)
	require.Len(t, got.Values, 1)
	assert.Equal(t, "i32", got.Values[0].Type)
	assert.Equal(t, int32(3), got.Values[0].Value)
}

func TestRunCommand_PackageDir(t *testing.T) {
	dir := testutil.WritePackage(t, t.TempDir(), "adder", testutil.AddModule(), "i32:20", "i32:22")

	out, err := executeCommand(t, "run", dir, "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "→ i32:42")
	assert.Contains(t, out, "session:")
	assert.Contains(t, out, "fuel:")
}

func TestRunCommand_FuelExhausted(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "loop.wasm", testutil.LoopModule())

	out, err := executeCommand(t, "run", path, "--fuel", "1000")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "✗ limit_exceeded")
	assert.Contains(t, out, sandbox.KindLimitExceeded)
}

func TestRunCommand_Restricted(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "add.wasm", testutil.AddModule())

	out, err := executeCommand(t, "run", path, "--restricted", "-a", "i32:2", "-a", "i32:3")
	require.NoError(t, err)
	assert.Contains(t, out, "→ i32:5")

	loop := testutil.WriteFile(t, t.TempDir(), "loop.wasm", testutil.LoopModule())
	out, err = executeCommand(t, "run", loop, "--restricted", "--fuel", "1000")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "✗ limit_exceeded")
}

func TestRunCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "add.wasm", testutil.AddModule())

	tests := []struct {
		name string
		args []string
	}{
		{"missing module", []string{"run", filepath.Join(dir, "none.wasm")}},
		{"bad argument", []string{"run", path, "--arg", "forty-two"}},
		{"no argument", []string{"run"}},
		{"missing config", []string{"run", path, "--config", filepath.Join(dir, "none.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, 1, exitCode(err))
		})
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := testutil.WriteFile(t, dir, "add.wasm", testutil.AddModule())
	bad := testutil.WriteFile(t, dir, "bad.wasm", []byte("definitely not wasm"))

	t.Run("valid", func(t *testing.T) {
		out, err := executeCommand(t, "validate", good)
		require.NoError(t, err)
		assert.Contains(t, out, "✓ Module is valid")
		assert.Contains(t, out, "export main")
	})

	t.Run("invalid", func(t *testing.T) {
		out, err := executeCommand(t, "validate", bad)
		require.Error(t, err)
		assert.Equal(t, 2, exitCode(err))
		assert.Contains(t, out, "✗ Module is invalid")
	})

	t.Run("invalid json", func(t *testing.T) {
		out, err := executeCommand(t, "validate", bad, "--json")
		require.Error(t, err)

		var got struct {
			Valid bool             `json:"valid"`
			Error *sandbox.Failure `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.False(t, got.Valid)
		require.NotNil(t, got.Error)
		assert.Equal(t, sandbox.KindInvalid, got.Error.Kind)
	})
}

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testutil.WriteFile(t, dir, "moat.yaml", []byte("limits:\n  timeout: 3s\n"))

	t.Run("defaults as toml", func(t *testing.T) {
		out, err := executeCommand(t, "config", "--format", "toml")
		require.NoError(t, err)
		assert.Contains(t, out, "[limits]")
		assert.Contains(t, out, "[state]")
	})

	t.Run("file as yaml", func(t *testing.T) {
		out, err := executeCommand(t, "config", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "timeout: 3s")
	})

	t.Run("file from environment", func(t *testing.T) {
		t.Setenv(configEnv, cfgPath)
		out, err := executeCommand(t, "config")
		require.NoError(t, err)
		assert.Contains(t, out, "timeout: 3s")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := executeCommand(t, "config", "--format", "json")
		assert.Error(t, err)
	})
}
