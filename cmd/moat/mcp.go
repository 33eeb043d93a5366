package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/mcp-go"
	"github.com/spf13/cobra"

	mcptools "github.com/felixgeelhaar/moat/internal/mcp"
	"github.com/felixgeelhaar/moat/internal/ports"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server that runs modules for AI agents.

Available tools:
  - moat_execute   Run a module and return results, usage and state
  - moat_validate  Check a module against the host interface
  - moat_stats     Module cache and bridge statistics

Limit overrides sent by a client can only tighten the configured limits.

Examples:
  moat mcp                          # Start stdio MCP server
  moat mcp --http :8080             # Start HTTP MCP server
  moat mcp --metrics :9090          # Also serve Prometheus metrics
  moat mcp --allow-disk=false       # Only accept inline modules`,
	RunE: runMCP,
}

var (
	mcpHTTP      string
	mcpMetrics   string
	mcpAllowDisk bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpHTTP, "http", "", "Start HTTP server on address (e.g., :8080)")
	mcpCmd.Flags().StringVar(&mcpMetrics, "metrics", "", "Serve Prometheus metrics on address (e.g., :9090)")
	mcpCmd.Flags().BoolVar(&mcpAllowDisk, "allow-disk", true, "Allow module_path and package_dir inputs")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openMoat(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close(context.Background()) }()

	srv := mcp.NewServer(mcp.ServerInfo{
		Name:    "moat",
		Version: version,
	})

	deps := mcptools.Deps{
		Runtime: m.Runtime,
		Bridge:  m.Bridge,
		Limits:  m.Limits,
		Logger:  m.Logger,
		Version: mcptools.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		},
	}
	if mcpAllowDisk {
		deps.FS = m.FS
	}
	mcptools.RegisterAll(srv, deps)

	if mcpMetrics != "" {
		metricsSrv := &http.Server{
			Addr:              mcpMetrics,
			Handler:           m.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.Logger.Error(ctx, "metrics server stopped", ports.F("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	// Serve based on transport
	if mcpHTTP != "" {
		return mcp.ServeHTTP(ctx, srv, mcpHTTP)
	}

	// Default to stdio
	return mcp.ServeStdio(ctx, srv)
}
