package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run <module.wasm|package-dir>",
	Short: "Run a WebAssembly module in the sandbox",
	Long: `Run executes an exported function of a module under the configured limits.

The argument is either a .wasm file or a directory holding a module.yaml
manifest. A manifest supplies the entry point and default arguments, and
its checksum is verified before the module is compiled.

Exit codes:
  0 - Execution completed
  1 - Could not load or start the module
  2 - Execution failed, timed out or exceeded a limit

Examples:
  moat run add.wasm --arg i32:40 --arg i32:2
  moat run ./modules/report --json
  moat run loop.wasm --fuel 100000 --timeout 250ms
  moat run untrusted.wasm --restricted`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runEntry      string
	runArgs       []string
	runJSON       bool
	runTimeout    time.Duration
	runFuel       uint64
	runRestricted bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runEntry, "entry", "e", "", "Exported function to call (default: main or the manifest entry)")
	runCmd.Flags().StringArrayVarP(&runArgs, "arg", "a", nil, "Typed argument such as i32:10 (repeatable)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the result as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Override the wall-clock budget")
	runCmd.Flags().Uint64Var(&runFuel, "fuel", 0, "Override the fuel budget")
	runCmd.Flags().BoolVar(&runRestricted, "restricted", false, "Start from the restricted limit profile for untrusted modules")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := openMoat(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close(ctx) }()

	req, err := m.Load(args[0])
	if err != nil {
		return err
	}
	if runEntry != "" {
		req.Entry = runEntry
	}
	if len(runArgs) > 0 {
		req.Args = req.Args[:0]
		for _, a := range runArgs {
			v, err := sandbox.ParseValue(a)
			if err != nil {
				return err
			}
			req.Args = append(req.Args, v)
		}
	}
	if runRestricted {
		roots := req.Limits.AllowedRoots
		req.Limits = sandbox.RestrictedLimits()
		req.Limits.AllowedRoots = roots
	}
	if runTimeout > 0 {
		req.Limits.Timeout = runTimeout
	}
	if runFuel > 0 {
		req.Limits.MaxFuel = runFuel
	}

	res, err := m.Run(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		outputRunJSON(out, res)
	} else {
		outputRunText(out, res)
	}

	if !res.Success() {
		return &exitError{code: 2}
	}
	return nil
}

// runOutput is the JSON form of an execution; it adds the captured streams
// and state, which the result keeps out of its own encoding.
type runOutput struct {
	*sandbox.ExecutionResult
	Stdout string            `json:"stdout,omitempty"`
	Stderr string            `json:"stderr,omitempty"`
	State  map[string]string `json:"state,omitempty"`
}

func outputRunJSON(w io.Writer, res *sandbox.ExecutionResult) {
	output := runOutput{
		ExecutionResult: res,
		Stdout:          string(res.Stdout),
		Stderr:          string(res.Stderr),
	}
	if len(res.State) > 0 {
		output.State = make(map[string]string, len(res.State))
		for k, v := range res.State {
			output.State[k] = string(v)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(output)
}

func outputRunText(w io.Writer, res *sandbox.ExecutionResult) {
	if len(res.Stdout) > 0 {
		_, _ = w.Write(res.Stdout)
		if res.Stdout[len(res.Stdout)-1] != '\n' {
			_, _ = fmt.Fprintln(w)
		}
	}

	if res.Success() {
		_, _ = fmt.Fprintf(w, "✓ %s\n", res.Status)
	} else {
		_, _ = fmt.Fprintf(w, "✗ %s\n", res.Status)
	}
	for _, v := range res.Values {
		_, _ = fmt.Fprintf(w, "  → %s\n", v)
	}
	if res.Failure != nil {
		_, _ = fmt.Fprintf(w, "  %s: %s\n", res.Failure.Kind, res.Failure.Message)
	}
	if res.Resource != "" {
		_, _ = fmt.Fprintf(w, "  exhausted: %s\n", res.Resource)
	}
	if verbose {
		_, _ = fmt.Fprintf(w, "  session:   %s\n", res.SessionID)
		_, _ = fmt.Fprintf(w, "  fuel:      %d\n", res.FuelConsumed)
		_, _ = fmt.Fprintf(w, "  memory:    %d bytes\n", res.PeakMemoryBytes)
		_, _ = fmt.Fprintf(w, "  hostcalls: %d\n", res.HostCalls)
		_, _ = fmt.Fprintf(w, "  duration:  %s\n", res.Duration)
		_, _ = fmt.Fprintf(w, "  cached:    %t\n", res.CacheHit)
	}
}
