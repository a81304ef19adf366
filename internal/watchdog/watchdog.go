// Package watchdog detects scans that have stopped making progress and
// fails them with a diagnostic error message, killing any nmap subprocess
// still attached to the scan first.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/logging"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
)

const (
	// maxScanTimeHours is the longest a scan may run before it is
	// considered stuck regardless of whether it is still updating.
	maxScanTimeHours = 6
	// maxStalledTime is the longest a running scan may go without any
	// progress update.
	maxStalledTime = 30 * time.Minute
	// maxPendingAge is the longest a scan may sit in pending before the
	// runner is assumed to have never picked it up.
	maxPendingAge = time.Hour
	// stuckScanningAfter is how long a host may stay in the scanning
	// state before its nmap process is considered hung.
	stuckScanningAfter = 10 * time.Minute
	// killGrace is how long to wait after SIGTERM before escalating to
	// SIGKILL.
	killGrace = 5 * time.Second
)

// Diagnostics summarizes why a scan was judged stuck, for the failure
// message and for structured logging.
type Diagnostics struct {
	ScanID          string
	Status          string
	ProgressPercent int
	RuntimeHours    float64
	HostCounts      map[string]int
	StuckHosts      []StuckHost
	Processes       []ExternalProcess
	Issues          []string
}

// StuckHost is one host whose scan_status has sat at "scanning" past
// stuckScanningAfter.
type StuckHost struct {
	IP              string
	DurationMinutes float64
}

// ExternalProcess is one still-running nmap process whose command line
// ties it to a scan, discovered by scanning /proc rather than trusting a
// recorded pid.
type ExternalProcess struct {
	PID            int
	Cmdline        string
	RuntimeSeconds float64
}

// findScanProcesses walks /proc for processes whose command line contains
// "scan_<scanID>", the marker the runner embeds in every nmap invocation.
// It is the only way to find an nmap process once its pid has been lost
// (process restart, missed UPDATE) and doubles as the watchdog's view of
// what is actually still running for a stuck scan.
func findScanProcesses(scanID string) ([]ExternalProcess, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	needle := "scan_" + scanID
	var found []ExternalProcess
	for _, p := range procs {
		cmdline, err := p.CmdLine()
		if err != nil || len(cmdline) == 0 {
			continue
		}
		joined := strings.Join(cmdline, " ")
		if !strings.Contains(joined, needle) {
			continue
		}

		runtime := 0.0
		if stat, err := p.Stat(); err == nil {
			if start, err := stat.StartTime(); err == nil {
				runtime = time.Since(time.Unix(int64(start), 0)).Seconds()
			}
		}
		found = append(found, ExternalProcess{PID: p.PID, Cmdline: joined, RuntimeSeconds: runtime})
	}
	return found, nil
}

// Sweep inspects every running and stale-pending scan, fails the ones that
// are stuck, and kills any nmap subprocess still attached to them. It
// returns the number of scans fixed.
func Sweep(ctx context.Context, store *orchestrator.Store) (int, error) {
	logger := logging.Default().WithComponent("watchdog")
	fixed := 0

	running, err := store.Scans.ListRunning(ctx)
	if err != nil {
		return fixed, fmt.Errorf("listing running scans: %w", err)
	}

	stuckHosts, err := stuckHostsByScan(ctx, store)
	if err != nil {
		return fixed, fmt.Errorf("listing stuck-scanning hosts: %w", err)
	}

	now := time.Now()
	for _, scan := range running {
		reason := stuckReason(scan, now)
		if reason == "" {
			continue
		}

		diag := diagnose(ctx, store, scan, reason, stuckHosts[scan.ID])
		logger.WarnWatchdog("stuck scan detected", "scan_id", scan.ID.String(), "reason", reason,
			"hosts", diag.HostCounts, "issues", diag.Issues)

		killed := killHosts(ctx, store, stuckHosts[scan.ID], logger)
		if killed > 0 {
			logger.InfoWatchdog("killed stuck nmap processes", "scan_id", scan.ID.String(), "count", killed)
		}

		if err := failScan(ctx, store, scan.ID, reason, diag); err != nil {
			logger.ErrorWatchdog("failed to mark stuck scan as failed", err, "scan_id", scan.ID.String())
			continue
		}
		fixed++
	}

	stalePending, err := store.Scans.ListStalePending(ctx, maxPendingAge)
	if err != nil {
		return fixed, fmt.Errorf("listing stale pending scans: %w", err)
	}
	for _, scan := range stalePending {
		reason := "stuck in pending state for over 1 hour"
		diag := Diagnostics{ScanID: scan.ID.String(), Issues: []string{reason}}
		if err := failScan(ctx, store, scan.ID, reason, diag); err != nil {
			logger.ErrorWatchdog("failed to mark stale pending scan as failed", err, "scan_id", scan.ID.String())
			continue
		}
		logger.WarnWatchdog("stale pending scan failed", "scan_id", scan.ID.String())
		fixed++
	}

	return fixed, nil
}

// stuckReason applies the two running-scan stuck rules the original
// monitor used: total runtime exceeded, or no progress update recently.
func stuckReason(scan *db.Scan, now time.Time) string {
	if scan.StartedAt != nil {
		runtime := now.Sub(*scan.StartedAt)
		if runtime > maxScanTimeHours*time.Hour {
			return fmt.Sprintf("exceeded maximum runtime (%.1f hours)", runtime.Hours())
		}
	}
	if since := now.Sub(scan.UpdatedAt); since > maxStalledTime {
		return fmt.Sprintf("no progress for %.1f minutes", since.Minutes())
	}
	return ""
}

func stuckHostsByScan(ctx context.Context, store *orchestrator.Store) (map[uuid.UUID][]*db.Host, error) {
	hosts, err := store.Hosts.ListStuckScanning(ctx, stuckScanningAfter)
	if err != nil {
		return nil, err
	}
	grouped := make(map[uuid.UUID][]*db.Host)
	for _, h := range hosts {
		grouped[h.ScanID] = append(grouped[h.ScanID], h)
	}
	return grouped, nil
}

func diagnose(ctx context.Context, store *orchestrator.Store, scan *db.Scan, reason string, stuck []*db.Host) Diagnostics {
	diag := Diagnostics{ScanID: scan.ID.String(), Status: scan.Status, ProgressPercent: scan.ProgressPercent}
	if scan.StartedAt != nil {
		diag.RuntimeHours = time.Since(*scan.StartedAt).Hours()
	}

	if counts, err := store.Hosts.CountByScanStatus(ctx, scan.ID); err == nil {
		diag.HostCounts = counts
	}

	for _, h := range stuck {
		duration := 0.0
		if h.ScanStartedAt != nil {
			duration = time.Since(*h.ScanStartedAt).Minutes()
		}
		diag.StuckHosts = append(diag.StuckHosts, StuckHost{IP: h.IP.String(), DurationMinutes: duration})
	}

	diag.Issues = append(diag.Issues, reason)
	if len(diag.StuckHosts) > 0 {
		diag.Issues = append(diag.Issues, fmt.Sprintf("%d host(s) stuck in scanning state for over 10 minutes", len(diag.StuckHosts)))
	}

	if procs, err := findScanProcesses(scan.ID.String()); err != nil {
		logging.Default().WithComponent("watchdog").WarnWatchdog("failed to enumerate external processes", "scan_id", scan.ID.String(), "error", err.Error())
	} else if len(procs) > 0 {
		diag.Processes = procs
		diag.Issues = append(diag.Issues, fmt.Sprintf("%d external process(es) still running for this scan", len(procs)))
	}

	return diag
}

func failScan(ctx context.Context, store *orchestrator.Store, scanID uuid.UUID, reason string, diag Diagnostics) error {
	msg := fmt.Sprintf("Scan timeout: %s. Issues: %s", reason, strings.Join(diag.Issues, ", "))
	return store.Scans.UpdateStatus(ctx, scanID, db.ScanStatusFailed, &msg)
}

// killHosts sends SIGTERM, then SIGKILL after a grace period, to every
// host's recorded nmap pid. A host with no recorded pid (process restart,
// missed UPDATE) falls back to killing any process whose command line
// still ties it to the host's scan, found via findScanProcesses. Every
// host is marked failed regardless of whether a process was found to kill.
func killHosts(ctx context.Context, store *orchestrator.Store, hosts []*db.Host, logger *logging.Logger) int {
	killed := 0
	var fallback []ExternalProcess
	fallbackLoaded := false

	for _, h := range hosts {
		if h.PID != nil {
			if killProcess(*h.PID) {
				killed++
			}
		} else {
			if !fallbackLoaded {
				procs, err := findScanProcesses(h.ScanID.String())
				if err != nil {
					logger.ErrorWatchdog("failed to enumerate processes for pid-less host", err, "host_id", h.ID.String())
				}
				fallback = procs
				fallbackLoaded = true
			}
			for _, p := range fallback {
				if killProcess(p.PID) {
					killed++
				}
			}
		}

		msg := "killed by watchdog: host scan exceeded stuck-scanning threshold"
		if err := store.Hosts.UpdateScanStatus(ctx, h.ID, db.HostScanStatusFailed, &msg); err != nil {
			logger.ErrorWatchdog("failed to mark stuck host failed", err, "host_id", h.ID.String())
		}
	}
	return killed
}

func killProcess(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return false
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGrace):
		_ = proc.Signal(syscall.SIGKILL)
	}
	return true
}
