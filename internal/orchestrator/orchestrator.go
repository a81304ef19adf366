// Package orchestrator drives a single scan from submission to a terminal
// state: sequential per-network discovery, bounded-parallel per-host
// enumeration, reconciliation of every XML artifact produced along the way,
// filtering of low-signal hosts, and persistence plus report generation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"

	"github.com/google/uuid"

	"github.com/bryankemp/network-scanner/internal/classify"
	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/errors"
	"github.com/bryankemp/network-scanner/internal/logging"
	"github.com/bryankemp/network-scanner/internal/reports"
	"github.com/bryankemp/network-scanner/internal/runner"
)

const (
	discoveryProgressBand = 15
	enumerationStart      = 20
	enumerationEnd        = 90
	defaultParallelism    = 8
	minParallelism        = 1
	maxParallelism        = 32
)

// Store is the subset of the Store the Orchestrator depends on, expressed
// as repositories so tests can stub them independently.
type Store struct {
	Scans       *db.ScanRepository
	Hosts       *db.HostRepository
	Ports       *db.PortRepository
	Traceroutes *db.TracerouteRepository
	Artifacts   *db.ArtifactRepository
	Settings    *db.SettingRepository
}

// scanRunner is the subset of *runner.Runner the Orchestrator depends on,
// narrowed to an interface so tests can substitute a fake instead of
// shelling out to nmap.
type scanRunner interface {
	Discover(ctx context.Context, cidr, scanID string) (string, []string, error)
	ScanHost(ctx context.Context, ip, scanID string) (string, error)
	OutputDir() string
}

// Orchestrator drives scans to completion using a Store, a Scan Runner, and
// a report-generation directory.
type Orchestrator struct {
	store         *Store
	runner        scanRunner
	logger        *logging.Logger
	snmpCommunity string
}

// New constructs an Orchestrator.
func New(store *Store, r scanRunner) *Orchestrator {
	return &Orchestrator{store: store, runner: r, logger: logging.Default().WithComponent("orchestrator")}
}

// SetSNMPCommunity enables the sysDescr.0 SNMP enrichment fallback, queried
// for any host whose nmap OS fingerprint comes back empty. An empty
// community string leaves the fallback disabled.
func (o *Orchestrator) SetSNMPCommunity(community string) {
	o.snmpCommunity = community
}

// parsedHost carries a parsed host record together with the XML artifact it
// came from, so phase 3 can compare port counts across duplicate sightings.
type parsedHost struct {
	runner.Host
	source string
}

// Execute drives scanID through discovery, enumeration, reconciliation,
// filtering, and persistence, never returning without the scan in a
// terminal Store state. Calling it on a non-pending scan is an error.
func (o *Orchestrator) Execute(ctx context.Context, scanID uuid.UUID, networks []string) (err error) {
	scan, getErr := o.store.Scans.GetByID(ctx, scanID)
	if getErr != nil {
		return getErr
	}
	if scan.Status != db.ScanStatusPending {
		return errors.ErrConflict(fmt.Sprintf("scan %s is not pending", scanID))
	}

	if err := o.store.Scans.UpdateStatus(ctx, scanID, db.ScanStatusRunning, nil); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			msg := err.Error()
			o.logger.ErrorScan("scan failed", scanID.String(), err)
			_ = o.store.Scans.UpdateProgress(ctx, scanID, scan.ProgressPercent, "Scan failed: "+msg)
			_ = o.store.Scans.UpdateStatus(ctx, scanID, db.ScanStatusFailed, &msg)
		}
	}()

	var artifactPaths []string

	liveIPs, discErr := o.runDiscovery(ctx, scanID, networks, &artifactPaths)
	if discErr != nil {
		return discErr
	}

	if len(liveIPs) == 0 {
		return o.finalize(ctx, scanID)
	}

	if err := o.createPendingHosts(ctx, scanID, liveIPs); err != nil {
		return err
	}

	width := o.parallelism(ctx)
	if err := o.enumerateHosts(ctx, scanID, liveIPs, width, &artifactPaths); err != nil {
		return err
	}

	survivors, err := o.reconcile(ctx, artifactPaths)
	if err != nil {
		return err
	}

	if err := o.persist(ctx, scanID, survivors); err != nil {
		return err
	}

	if err := o.generateReports(ctx, scanID); err != nil {
		o.logger.Warn("report generation failed", "scan_id", scanID.String(), "error", err)
	}

	return o.finalize(ctx, scanID)
}

func (o *Orchestrator) runDiscovery(ctx context.Context, scanID uuid.UUID, networks []string, artifactPaths *[]string) ([]string, error) {
	var liveIPs []string
	for _, cidr := range networks {
		if err := runner.ValidateCIDR(cidr); err != nil {
			return nil, err
		}

		if err := o.store.Scans.UpdateProgress(ctx, scanID, 5, "Discovering hosts in "+cidr); err != nil {
			return nil, err
		}

		path, ips, err := o.runner.Discover(ctx, cidr, scanID.String())
		if err != nil {
			return nil, err
		}
		*artifactPaths = append(*artifactPaths, path)
		liveIPs = append(liveIPs, ips...)

		if err := o.store.Artifacts.Create(ctx, &db.Artifact{
			ScanID:   scanID,
			Type:     db.ArtifactTypeXML,
			FilePath: path,
		}); err != nil {
			return nil, err
		}
	}

	_ = o.store.Scans.UpdateProgress(ctx, scanID, discoveryProgressBand, fmt.Sprintf("Discovered %d live host(s)", len(liveIPs)))
	return liveIPs, nil
}

func (o *Orchestrator) createPendingHosts(ctx context.Context, scanID uuid.UUID, ips []string) error {
	msg := fmt.Sprintf("Starting detailed scans on %d host(s)", len(ips))
	if err := o.store.Scans.UpdateProgress(ctx, scanID, enumerationStart, msg); err != nil {
		return err
	}
	for _, ip := range ips {
		host := &db.Host{
			ScanID: scanID,
			IP:     db.IPAddr{IP: mustParseIP(ip)},
		}
		if err := o.store.Hosts.Create(ctx, host); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) parallelism(ctx context.Context) int {
	w := o.store.Settings.GetIntOrDefault(ctx, db.SettingScanParallelism, defaultParallelism)
	if w < minParallelism {
		w = minParallelism
	}
	if w > maxParallelism {
		w = maxParallelism
	}
	return w
}

func (o *Orchestrator) enumerateHosts(ctx context.Context, scanID uuid.UUID, ips []string, width int, artifactPaths *[]string) error {
	p := newPool(width, func(jobCtx context.Context, ip string) (string, error) {
		return o.enumerateOneHost(jobCtx, scanID, ip)
	})

	results := p.run(ctx, ips)

	completed := 0
	for _, r := range results {
		completed++
		if r.err == nil {
			*artifactPaths = append(*artifactPaths, r.xmlPath)
		}
		band := enumerationStart + (completed*(enumerationEnd-enumerationStart))/len(ips)
		_ = o.store.Scans.UpdateProgress(ctx, scanID, band, fmt.Sprintf("Enumerated %d/%d host(s)", completed, len(ips)))
	}
	return nil
}

// enumerateOneHost implements the per-worker steps of phase 2: re-read,
// transition to scanning, run the subprocess, parse, classify, reverse-DNS
// fallback, then write back the result.
func (o *Orchestrator) enumerateOneHost(ctx context.Context, scanID uuid.UUID, ip string) (string, error) {
	host, err := o.findHostByIP(ctx, scanID, ip)
	if err != nil {
		return "", err
	}

	if err := o.store.Hosts.UpdateScanStatus(ctx, host.ID, db.HostScanStatusScanning, nil); err != nil {
		return "", err
	}
	_ = o.store.Hosts.UpdateProgress(ctx, host.ID, 50)

	path, err := o.runner.ScanHost(ctx, ip, scanID.String())
	if err != nil {
		errMsg := err.Error()
		_ = o.store.Hosts.UpdateScanStatus(ctx, host.ID, db.HostScanStatusFailed, &errMsg)
		return "", nil // host-level failures are isolated; do not fail the scan
	}

	hosts, parseErr := runner.Parse(path)
	if parseErr != nil || len(hosts) == 0 {
		// A successful subprocess run with a parse failure still completes
		// the host: the data we have is what we have.
		_ = o.store.Hosts.UpdateScanStatus(ctx, host.ID, db.HostScanStatusCompleted, nil)
		return path, nil
	}

	parsed := hosts[0]
	if parsed.Hostname == "" {
		if name, dnsErr := runner.ReverseDNS(ip, "8.8.8.8:53"); dnsErr == nil && name != "" {
			parsed.Hostname = name
		}
	}
	if parsed.OS == "" && o.snmpCommunity != "" {
		if descr, snmpErr := runner.SNMPSysDescr(ctx, ip, o.snmpCommunity); snmpErr == nil && descr != "" {
			parsed.OS = descr
		}
	}

	o.applyParsedHost(host, parsed)
	_ = o.store.Hosts.UpdateEnumeration(ctx, host)
	_ = o.persistPortsAndTraceroute(ctx, host.ID, parsed)
	_ = o.store.Hosts.UpdateScanStatus(ctx, host.ID, db.HostScanStatusCompleted, nil)

	return path, nil
}

func (o *Orchestrator) findHostByIP(ctx context.Context, scanID uuid.UUID, ip string) (*db.Host, error) {
	hosts, err := o.store.Hosts.ListByScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.IP.String() == ip {
			return h, nil
		}
	}
	return nil, errors.ErrNotFound("host")
}

func (o *Orchestrator) applyParsedHost(host *db.Host, parsed runner.Host) {
	isVM, vmType := classify.Classify(parsed)

	if parsed.Hostname != "" {
		host.Hostname = &parsed.Hostname
	}
	if parsed.MAC != "" {
		mac := db.MACAddr{}
		if err := mac.Scan(parsed.MAC); err == nil {
			host.MAC = &mac
		}
	}
	if parsed.Vendor != "" {
		host.Vendor = &parsed.Vendor
	}
	if parsed.OS != "" {
		host.OS = &parsed.OS
	}
	if parsed.OSAccuracy > 0 {
		host.OSAccuracy = &parsed.OSAccuracy
	}
	host.IsVM = isVM
	if vmType != "" {
		host.VMType = &vmType
	}
	if parsed.UptimeSeconds > 0 {
		host.UptimeSeconds = &parsed.UptimeSeconds
	}
	host.LastBoot = parsed.LastBoot
	if parsed.Distance > 0 {
		host.Distance = &parsed.Distance
	}
	if parsed.CPE != "" {
		host.CPE = &parsed.CPE
	}
	host.PortsDiscovered = len(parsed.Ports)
}

func (o *Orchestrator) persistPortsAndTraceroute(ctx context.Context, hostID uuid.UUID, parsed runner.Host) error {
	var ports []*db.Port
	for _, p := range parsed.Ports {
		port := &db.Port{
			HostID:   hostID,
			Port:     p.Number,
			Protocol: p.Protocol,
		}
		if p.Service != "" {
			port.Service = &p.Service
		}
		if p.Product != "" {
			port.Product = &p.Product
		}
		if p.Version != "" {
			port.Version = &p.Version
		}
		if p.ExtraInfo != "" {
			port.ExtraInfo = &p.ExtraInfo
		}
		if p.CPE != "" {
			port.CPE = &p.CPE
		}
		if len(p.ScriptOutput) > 0 {
			port.ScriptOutput = scriptOutputToJSONB(p.ScriptOutput)
		}
		ports = append(ports, port)
	}
	if err := o.store.Ports.BulkInsert(ctx, ports); err != nil {
		return err
	}

	var hops []*db.TracerouteHop
	for _, h := range parsed.Traceroute {
		hop := &db.TracerouteHop{HostID: hostID, HopNumber: h.HopNumber, RTTMs: h.RTTMs}
		if h.IP != "" {
			ip := h.IP
			hop.IP = &ip
		}
		if h.Hostname != "" {
			hop.Hostname = &h.Hostname
		}
		hops = append(hops, hop)
	}
	return o.store.Traceroutes.BulkInsert(ctx, hops)
}

// reconcile re-parses every XML artifact from phases 1 and 2, concatenates
// the host records, and deduplicates by IP keeping whichever record has the
// most ports (ties keep the first one encountered).
func (o *Orchestrator) reconcile(ctx context.Context, artifactPaths []string) ([]parsedHost, error) {
	_ = ctx
	byIP := make(map[string]parsedHost)
	var order []string

	for _, path := range artifactPaths {
		hosts, err := runner.Parse(path)
		if err != nil {
			o.logger.Warn("failed to reparse artifact during reconciliation", "path", path, "error", err)
			continue
		}
		for _, h := range hosts {
			isVM, vmType := classify.Classify(h)
			_ = isVM
			_ = vmType
			existing, ok := byIP[h.IP]
			if !ok {
				byIP[h.IP] = parsedHost{Host: h, source: path}
				order = append(order, h.IP)
				continue
			}
			if len(h.Ports) > len(existing.Ports) {
				byIP[h.IP] = parsedHost{Host: h, source: path}
			}
		}
	}

	survivors := make([]parsedHost, 0, len(order))
	for _, ip := range order {
		survivors = append(survivors, byIP[ip])
	}
	return survivors, nil
}

// persist applies phase 4 filtering (drop hosts lacking all of open ports,
// OS, MAC) then upserts surviving hosts and deletes Store rows for any host
// that did not survive.
func (o *Orchestrator) persist(ctx context.Context, scanID uuid.UUID, survivors []parsedHost) error {
	survivingIPs := make(map[string]bool, len(survivors))

	for _, p := range survivors {
		if !hasEnoughSignal(p.Host) {
			continue
		}
		survivingIPs[p.IP] = true

		host, err := o.findHostByIP(ctx, scanID, p.IP)
		if err != nil {
			continue
		}
		o.applyParsedHost(host, p.Host)
		if err := o.store.Hosts.UpdateEnumeration(ctx, host); err != nil {
			return err
		}
	}

	hosts, err := o.store.Hosts.ListByScan(ctx, scanID)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if survivingIPs[h.IP.String()] {
			continue
		}
		o.logger.Info("dropping low-signal host", "scan_id", scanID.String(), "ip", h.IP.String())
		if err := o.store.Hosts.Delete(ctx, h.ID); err != nil {
			return err
		}
	}
	return nil
}

func hasEnoughSignal(h runner.Host) bool {
	return len(h.Ports) > 0 || h.OS != "" || h.MAC != ""
}

func (o *Orchestrator) generateReports(ctx context.Context, scanID uuid.UUID) error {
	hosts, err := o.store.Hosts.ListByScan(ctx, scanID)
	if err != nil {
		return err
	}

	view := make([]reports.HostView, 0, len(hosts))
	for _, h := range hosts {
		ports, _ := o.store.Ports.ListByHost(ctx, h.ID)
		view = append(view, reports.NewHostView(h, ports))
	}
	sort.Slice(view, func(i, j int) bool { return view[i].IP < view[j].IP })

	outputs, err := reports.Generate(o.runner.OutputDir(), scanID.String(), view)
	if err != nil {
		return err
	}

	for _, out := range outputs {
		if out.Skipped {
			o.logger.Info("report output skipped", "scan_id", scanID.String(), "type", out.Type, "reason", out.SkipReason)
			continue
		}
		size := out.Size
		if err := o.store.Artifacts.Create(ctx, &db.Artifact{
			ScanID:   scanID,
			Type:     out.Type,
			FilePath: out.Path,
			FileSize: &size,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, scanID uuid.UUID) error {
	if err := o.store.Scans.UpdateProgress(ctx, scanID, 100, "Scan completed successfully"); err != nil {
		return err
	}
	return o.store.Scans.UpdateStatus(ctx, scanID, db.ScanStatusCompleted, nil)
}

func mustParseIP(ip string) net.IP {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return net.IPv4zero
	}
	return parsed
}

func scriptOutputToJSONB(scripts map[string]string) db.JSONB {
	data, err := json.Marshal(scripts)
	if err != nil {
		return nil
	}
	return db.JSONB(data)
}
