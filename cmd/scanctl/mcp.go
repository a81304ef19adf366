// Package cli provides command-line interface commands for the Scanorama network scanner.
// This file implements the mcp-serve command exposing the tool bus over stdio.
package scanctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryankemp/network-scanner/internal/config"
	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/logging"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
	"github.com/bryankemp/network-scanner/internal/runner"
	"github.com/bryankemp/network-scanner/internal/toolbus"
)

// mcpServeCmd exposes the tool bus over a newline-delimited JSON-RPC stdio
// transport, for driving the scanner from an MCP client instead of the API.
var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve",
	Short: "Serve scanner tools over stdio",
	Long: `Serve the scanner's tool bus over a line-delimited JSON-RPC stdio transport.

Reads one JSON-RPC request per line from stdin and writes one response per
line to stdout, exposing the same read-mostly tool set and the start_scan
writer that the API server mounts over HTTP/SSE.`,
	Example: `  scanorama mcp-serve`,
	RunE:    runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	logger := logging.NewDefault().With("component", "mcp-serve")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Connecting to database...")
	database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer database.Close()

	registry, err := buildToolRegistry(cfg, database)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, closing stdio transport")
		cancel()
	}()

	logger.Info("Serving tool bus over stdio")
	if err := registry.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

// buildToolRegistry wires the same set of repositories, orchestrator, and
// scan runner that api.New builds for the HTTP/SSE transport.
func buildToolRegistry(cfg *config.Config, database *db.DB) (*toolbus.Registry, error) {
	store := &orchestrator.Store{
		Scans:       db.NewScanRepository(database),
		Hosts:       db.NewHostRepository(database),
		Ports:       db.NewPortRepository(database),
		Traceroutes: db.NewTracerouteRepository(database),
		Artifacts:   db.NewArtifactRepository(database),
		Settings:    db.NewSettingRepository(database),
	}

	scanRunner, err := runner.New(cfg.Scanning.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("creating scan runner: %w", err)
	}
	orch := orchestrator.New(store, scanRunner)
	orch.SetSNMPCommunity(cfg.Scanning.SNMPCommunity)

	scheduleRepo := db.NewScheduleRepository(database)
	statsRepo := db.NewStatsRepository(database)
	userRepo := db.NewUserRepository(database)

	return toolbus.NewRegistry(store, statsRepo, scheduleRepo, userRepo, orch), nil
}
