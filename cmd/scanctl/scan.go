// Package cli provides command-line interface commands for the Scanorama network scanner.
// This package implements the Cobra-based CLI structure with commands for scanning,
// discovery, host management, scheduling, and daemon operations.
package scanctl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bryankemp/network-scanner/internal/config"
	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
	"github.com/bryankemp/network-scanner/internal/runner"
)

var (
	scanTargets   string
	scanLiveHosts bool
	scanOSFamily  string
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a scan and wait for it to finish",
	Long: `Run a scan against one or more network ranges and block until it
completes, printing the final host/port counts.

You can either scan specific targets using --targets, or rescan every
address already known to the store using --live-hosts.`,
	Example: `  scanorama scan --live-hosts
  scanorama scan --targets 192.168.1.0/24
  scanorama scan --targets "192.168.1.0/24,10.0.0.0/24"
  scanorama scan --live-hosts --os-family windows`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanTargets, "targets", "", "Comma-separated list of network ranges to scan")
	scanCmd.Flags().BoolVar(&scanLiveHosts, "live-hosts", false, "Rescan every address already known to the store")
	scanCmd.Flags().StringVar(&scanOSFamily, "os-family", "",
		"When used with --live-hosts, scan only hosts with this OS family (windows, linux, macos)")

	scanCmd.MarkFlagsMutuallyExclusive("targets", "live-hosts")
}

func runScan(cmd *cobra.Command, args []string) error {
	if !scanLiveHosts && scanTargets == "" {
		return fmt.Errorf("either --targets or --live-hosts must be specified")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	networks, err := resolveScanNetworks(ctx, database)
	if err != nil {
		return err
	}
	if len(networks) == 0 {
		return fmt.Errorf("no targets resolved to scan")
	}

	if verbose {
		fmt.Printf("Scanning networks: %v\n", networks)
	}

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
		return fmt.Errorf("creating scan runner: %w", err)
	}
	orch := orchestrator.New(store, scanRunner)
	orch.SetSNMPCommunity(cfg.Scanning.SNMPCommunity)

	scan := &db.Scan{NetworkRange: strings.Join(networks, ",")}
	if err := store.Scans.Create(ctx, scan); err != nil {
		return fmt.Errorf("creating scan: %w", err)
	}

	fmt.Printf("Started scan %s\n", scan.ID)
	if err := orch.Execute(ctx, scan.ID, networks); err != nil {
		return fmt.Errorf("scan %s failed: %w", scan.ID, err)
	}

	hosts, err := store.Hosts.ListByScan(ctx, scan.ID)
	if err != nil {
		return fmt.Errorf("listing scan results: %w", err)
	}
	fmt.Printf("Scan %s completed: %d hosts discovered\n", scan.ID, len(hosts))
	return nil
}

// resolveScanNetworks turns either --targets or --live-hosts into the
// network range list Execute expects.
func resolveScanNetworks(ctx context.Context, database *db.DB) ([]string, error) {
	if scanTargets != "" {
		return parseTargets(scanTargets), nil
	}

	stats := db.NewStatsRepository(database)
	rows, err := stats.UniqueHosts(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing known hosts: %w", err)
	}

	networks := make([]string, 0, len(rows))
	for _, row := range rows {
		if scanOSFamily != "" && (row.OS == nil || !strings.Contains(strings.ToLower(*row.OS), strings.ToLower(scanOSFamily))) {
			continue
		}
		networks = append(networks, row.IP)
	}
	return networks, nil
}

func parseTargets(targets string) []string {
	if targets == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(targets, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func validatePorts(ports string) error {
	if ports == "" {
		return fmt.Errorf("empty port specification")
	}
	if strings.HasPrefix(ports, "T:") {
		return nil
	}
	for _, part := range strings.Split(ports, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := validatePortPart(part); err != nil {
			return err
		}
	}
	return nil
}

func validatePortPart(part string) error {
	if strings.Contains(part, "-") {
		return validatePortRange(part)
	}
	return validateSinglePort(part)
}

func validatePortRange(part string) error {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != 2 {
		return fmt.Errorf("invalid port range: %s", part)
	}
	start, err := parsePort(rangeParts[0])
	if err != nil {
		return fmt.Errorf("invalid start port in range: %s", rangeParts[0])
	}
	end, err := parsePort(rangeParts[1])
	if err != nil {
		return fmt.Errorf("invalid end port in range: %s", rangeParts[1])
	}
	if start > end {
		return fmt.Errorf("start port cannot be greater than end port: %s", part)
	}
	return nil
}

func validateSinglePort(part string) error {
	_, err := parsePort(part)
	if err != nil {
		return fmt.Errorf("invalid port: %s", part)
	}
	return nil
}

func parsePort(portStr string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535")
	}
	return port, nil
}
