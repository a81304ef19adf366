// Package runner drives nmap as an external subprocess to discover hosts on
// a network and enumerate services on individual hosts, persisting the
// re-marshalled XML output as artifacts and returning typed results.
package runner

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/bryankemp/network-scanner/internal/errors"
	"github.com/bryankemp/network-scanner/internal/logging"
)

const (
	discoveryHostTimeout = 30 * time.Second
	discoveryTopPorts    = "1-1024"
	scanHostTimeout      = 240 * time.Second
	scanWallClockCap     = 300 * time.Second
	scanVersionIntensity = 2
	scanMaxRTTTimeout    = 200 * time.Millisecond
	scanMinRate          = 100
)

// Port is the typed, parsed form of a single nmap port record.
type Port struct {
	Number       int
	Protocol     string
	State        string
	Service      string
	Product      string
	Version      string
	ExtraInfo    string
	CPE          string
	ScriptOutput map[string]string
}

// TracerouteHop is one hop in a parsed nmap traceroute.
type TracerouteHop struct {
	HopNumber int
	IP        string
	Hostname  string
	RTTMs     *float64
}

// Host is the typed, parsed form of a single nmap host record — the single
// carrier type the Orchestrator works with instead of duck-typed maps.
type Host struct {
	IP            string
	Hostname      string
	MAC           string
	Vendor        string
	Status        string
	OS            string
	OSAccuracy    int
	UptimeSeconds int64
	LastBoot      *time.Time
	Distance      int
	CPE           string
	Ports         []Port
	Traceroute    []TracerouteHop
}

// Runner executes nmap subprocess operations and persists their raw XML
// output to outputDir under the file-naming contract.
type Runner struct {
	outputDir string
	logger    *logging.Logger
}

// New creates a Runner rooted at outputDir, created if it does not exist.
func New(outputDir string) (*Runner, error) {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create scan output dir: %w", err)
	}
	return &Runner{outputDir: outputDir, logger: logging.Default().WithComponent("runner")}, nil
}

// OutputDir returns the directory scan artifacts are written to.
func (r *Runner) OutputDir() string {
	return r.outputDir
}

func sanitizeIPForFilename(ip string) string {
	return strings.ReplaceAll(ip, ".", "_")
}

// discoveryArtifactPath returns the file path for a scan's discovery XML.
func (r *Runner) discoveryArtifactPath(scanID string) string {
	return filepath.Join(r.outputDir, fmt.Sprintf("scan_%s_discovery.xml", scanID))
}

// hostArtifactPath returns the file path for a single host's enumeration XML.
func (r *Runner) hostArtifactPath(scanID, ip string) string {
	return filepath.Join(r.outputDir, fmt.Sprintf("scan_%s_%s.xml", scanID, sanitizeIPForFilename(ip)))
}

// Discover runs an nmap ping/port sweep over cidr, persists the XML
// result and returns its path plus the set of responsive IPs.
func (r *Runner) Discover(ctx context.Context, cidr, scanID string) (string, []string, error) {
	discCtx, cancel := context.WithTimeout(ctx, discoveryHostTimeout*4)
	defer cancel()

	scanner, err := nmap.NewScanner(discCtx,
		nmap.WithTargets(cidr),
		nmap.WithPorts(discoveryTopPorts),
		nmap.WithTimingTemplate(nmap.TimingAggressive),
		nmap.WithHostTimeout(discoveryHostTimeout),
		nmap.WithMaxRetries(1),
	)
	if err != nil {
		return "", nil, errors.WrapScanErrorWithTarget(errors.CodeSubprocessFailure,
			"failed to build discovery scanner", cidr, err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		if discCtx.Err() != nil {
			return "", nil, errors.NewScanErrorWithTarget(errors.CodeSubprocessTimeout,
				"discovery scan timed out", cidr)
		}
		return "", nil, errors.WrapScanErrorWithTarget(errors.CodeDiscoveryFailed,
			"discovery scan failed", cidr, err)
	}
	if warnings != nil && len(*warnings) > 0 {
		r.logger.Warn("discovery completed with warnings", "network", cidr, "warnings", *warnings)
	}

	path := r.discoveryArtifactPath(scanID)
	if err := writeRunArtifact(path, result); err != nil {
		return "", nil, errors.WrapScanErrorWithTarget(errors.CodeParseFailure,
			"failed to persist discovery artifact", cidr, err)
	}

	var liveIPs []string
	for i := range result.Hosts {
		h := &result.Hosts[i]
		if h.Status.State != "up" || len(h.Addresses) == 0 {
			continue
		}
		liveIPs = append(liveIPs, h.Addresses[0].Addr)
	}

	return path, liveIPs, nil
}

// ScanHost runs a full per-host enumeration (service/version/OS/traceroute)
// against ip, persists the XML result and returns its path.
func (r *Runner) ScanHost(ctx context.Context, ip, scanID string) (string, error) {
	hostCtx, cancel := context.WithTimeout(ctx, scanWallClockCap)
	defer cancel()

	path := r.hostArtifactPath(scanID, ip)

	scanner, err := nmap.NewScanner(hostCtx,
		nmap.WithTargets(ip),
		nmap.WithServiceInfo(),
		nmap.WithOSDetection(),
		nmap.WithOSScanGuess(),
		nmap.WithTraceroute(),
		nmap.WithVersionIntensity(scanVersionIntensity),
		nmap.WithMaxRTTTimeout(scanMaxRTTTimeout),
		nmap.WithMaxRetries(1),
		nmap.WithMinRate(scanMinRate),
		nmap.WithHostTimeout(scanHostTimeout),
	)
	if err != nil {
		return "", errors.WrapScanErrorWithTarget(errors.CodeSubprocessFailure,
			"failed to build host scanner", ip, err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		_ = os.Remove(path)
		if hostCtx.Err() != nil {
			return "", errors.NewScanErrorWithTarget(errors.CodeSubprocessTimeout,
				"host scan timed out", ip)
		}
		return "", errors.WrapScanErrorWithTarget(errors.CodeHostUnreachable,
			"host scan failed", ip, err)
	}
	if warnings != nil && len(*warnings) > 0 {
		r.logger.Warn("host scan completed with warnings", "host", ip, "warnings", *warnings)
	}

	if err := writeRunArtifact(path, result); err != nil {
		return "", errors.WrapScanErrorWithTarget(errors.CodeParseFailure,
			"failed to persist host scan artifact", ip, err)
	}

	return path, nil
}

// writeRunArtifact re-marshals a parsed *nmap.Run back to XML and writes it
// to path, keeping the on-disk artifact contract independent of however
// nmap itself formatted the subprocess output.
func writeRunArtifact(path string, run *nmap.Run) error {
	data, err := xml.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal nmap run: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}

// Parse reads a previously persisted XML artifact and converts it into the
// typed Host/Port/TracerouteHop records the Orchestrator works with.
func Parse(path string) ([]Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeParseFailure, "failed to read scan artifact", err)
	}

	var run nmap.Run
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, errors.WrapScanError(errors.CodeParseFailure, "failed to parse nmap XML", err)
	}

	hosts := make([]Host, 0, len(run.Hosts))
	for i := range run.Hosts {
		h := convertHost(&run.Hosts[i])
		if h != nil {
			hosts = append(hosts, *h)
		}
	}
	return hosts, nil
}

func convertHost(h *nmap.Host) *Host {
	if len(h.Addresses) == 0 {
		return nil
	}

	host := &Host{
		Status: h.Status.State,
	}

	for _, addr := range h.Addresses {
		switch addr.AddrType {
		case "ipv4", "ipv6":
			host.IP = addr.Addr
		case "mac":
			host.MAC = addr.Addr
			host.Vendor = addr.Vendor
		}
	}
	if host.IP == "" {
		host.IP = h.Addresses[0].Addr
	}

	if len(h.Hostnames) > 0 {
		host.Hostname = h.Hostnames[0].Name
	}

	if len(h.OS.Matches) > 0 {
		best := h.OS.Matches[0]
		host.OS = best.Name
		host.OSAccuracy, _ = strconv.Atoi(best.Accuracy)
		if len(best.Classes) > 0 && len(best.Classes[0].CPE) > 0 {
			host.CPE = string(best.Classes[0].CPE[0])
		}
	}

	if seconds, err := strconv.ParseInt(h.Uptime.Seconds, 10, 64); err == nil {
		host.UptimeSeconds = seconds
		if seconds > 0 {
			boot := time.Now().Add(-time.Duration(seconds) * time.Second)
			host.LastBoot = &boot
		}
	}

	if distance, err := strconv.Atoi(h.Distance.Value); err == nil {
		host.Distance = distance
	}

	for _, hop := range h.Trace.Hops {
		ttl, _ := strconv.Atoi(hop.TTL)
		var rtt *float64
		if v, err := strconv.ParseFloat(hop.RTT, 64); err == nil {
			rtt = &v
		}
		host.Traceroute = append(host.Traceroute, TracerouteHop{
			HopNumber: ttl,
			IP:        hop.IPAddr,
			Hostname:  hop.Host,
			RTTMs:     rtt,
		})
	}

	for j := range h.Ports {
		p := &h.Ports[j]
		port := Port{
			Number:    p.ID,
			Protocol:  p.Protocol,
			State:     p.State.State,
			Service:   p.Service.Name,
			Product:   p.Service.Product,
			Version:   p.Service.Version,
			ExtraInfo: p.Service.ExtraInfo,
			CPE:       firstCPE(p.Service.CPEs),
		}
		if len(p.Scripts) > 0 {
			port.ScriptOutput = make(map[string]string, len(p.Scripts))
			for _, script := range p.Scripts {
				port.ScriptOutput[script.ID] = script.Output
			}
		}
		host.Ports = append(host.Ports, port)
	}

	return host
}

func firstCPE(cpes []nmap.CPE) string {
	if len(cpes) == 0 {
		return ""
	}
	return string(cpes[0])
}

// ValidateCIDR checks that network is a well-formed CIDR range, the one
// validation the Orchestrator requires before handing it to Discover.
func ValidateCIDR(network string) error {
	if _, _, err := net.ParseCIDR(network); err != nil {
		return errors.NewScanErrorWithTarget(errors.CodeTargetInvalid, "invalid network range", network)
	}
	return nil
}
