package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
)

var validateCmd = &cobra.Command{
	Use:   "validate <module.wasm|package-dir>",
	Short: "Validate a module against the host interface",
	Long: `Validate compiles a module without running it and checks its imports
against the sandbox host interface.

Exit codes:
  0 - Module is valid
  1 - Could not read the module or configuration
  2 - Module is invalid or uses unsupported features

Examples:
  moat validate add.wasm
  moat validate ./modules/report --json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output results as JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := openMoat(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close(ctx) }()

	req, err := m.Load(args[0])
	if err != nil {
		if !errors.Is(err, sandbox.ErrChecksumMismatch) && !errors.Is(err, sandbox.ErrManifestInvalid) {
			return err
		}
		outputValidation(cmd.OutOrStdout(), nil, err)
		return &exitError{code: 2}
	}

	info, err := m.Runtime.Validate(ctx, req.Module)
	if errors.Is(err, sandbox.ErrRuntimeClosed) {
		return err
	}
	outputValidation(cmd.OutOrStdout(), info, err)
	if err != nil {
		return &exitError{code: 2}
	}
	return nil
}

func outputValidation(w io.Writer, info *sandbox.ModuleInfo, err error) {
	if validateJSON {
		output := struct {
			Valid  bool                `json:"valid"`
			Error  *sandbox.Failure    `json:"error,omitempty"`
			Module *sandbox.ModuleInfo `json:"module,omitempty"`
		}{Valid: err == nil, Module: info}
		if err != nil {
			failure := sandbox.FailureOf(err)
			output.Error = &failure
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(output)
		return
	}

	if err != nil {
		_, _ = fmt.Fprintf(w, "✗ Module is invalid\n  %v\n", err)
		return
	}

	_, _ = fmt.Fprintln(w, "✓ Module is valid")
	_, _ = fmt.Fprintf(w, "  hash: %s\n", info.Hash)
	for _, fn := range info.Exports {
		_, _ = fmt.Fprintf(w, "  export %s\n", fn.Name)
	}
	for _, imp := range info.Imports {
		_, _ = fmt.Fprintf(w, "  import %s\n", imp)
	}
}
