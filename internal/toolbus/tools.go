package toolbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bryankemp/network-scanner/internal/db"
)

// registerTools wires every tool named in the external interface: the
// read-only set plus the one writer, start_scan.
func (r *Registry) registerTools() {
	r.register("list_scans", "List recent scans, optionally filtered by status.", r.listScans)
	r.register("get_scan_details", "Get full detail for one scan by ID.", r.getScanDetails)
	r.register("get_scan_progress", "Get a scan's current progress percentage and message.", r.getScanProgress)
	r.register("query_hosts", "List hosts discovered by a scan, or every host ever seen.", r.queryHosts)
	r.register("get_host_services", "List the open ports/services recorded for a host IP.", r.getHostServices)
	r.register("get_network_stats", "Get headline network totals: hosts, VMs, scans, services.", r.getNetworkStats)
	r.register("list_vms", "List hosts classified as virtual machines.", r.listVMs)
	r.register("search_service", "Search every recorded port for a service/product/version substring.", r.searchService)
	r.register("get_network_topology", "Get a scan's hosts and their traceroute hops.", r.getNetworkTopology)
	r.register("find_vulnerabilities", "List open ports running historically risky plaintext services.", r.findVulnerabilities)
	r.register("list_schedules", "List every configured scan schedule.", r.listSchedules)
	r.register("get_schedule_details", "Get full detail for one schedule by ID.", r.getScheduleDetails)
	r.register("list_users", "List every user account.", r.listUsers)
	r.register("get_system_health", "Check database connectivity and report system health.", r.getSystemHealth)
	r.register("start_scan", "Start a new scan against one or more network ranges.", r.startScan)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}

type listScansArgs struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

func (r *Registry) listScans(ctx context.Context, args json.RawMessage) (any, error) {
	var a listScansArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Limit <= 0 {
		a.Limit = 50
	}
	return r.store.Scans.List(ctx, db.ScanListFilter{Status: a.Status, Limit: a.Limit})
}

type scanIDArgs struct {
	ScanID string `json:"scan_id"`
}

func (r *Registry) getScanDetails(ctx context.Context, args json.RawMessage) (any, error) {
	var a scanIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := parseUUID(a.ScanID)
	if err != nil {
		return nil, err
	}
	scan, err := r.store.Scans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	hosts, err := r.store.Hosts.ListByScan(ctx, id)
	if err != nil {
		return nil, err
	}
	return struct {
		Scan  *db.Scan   `json:"scan"`
		Hosts []*db.Host `json:"hosts"`
	}{scan, hosts}, nil
}

func (r *Registry) getScanProgress(ctx context.Context, args json.RawMessage) (any, error) {
	var a scanIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := parseUUID(a.ScanID)
	if err != nil {
		return nil, err
	}
	scan, err := r.store.Scans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return struct {
		Status          string  `json:"status"`
		ProgressPercent int     `json:"progress_percent"`
		ProgressMessage *string `json:"progress_message,omitempty"`
	}{scan.Status, scan.ProgressPercent, scan.ProgressMessage}, nil
}

type queryHostsArgs struct {
	ScanID string `json:"scan_id"`
}

func (r *Registry) queryHosts(ctx context.Context, args json.RawMessage) (any, error) {
	var a queryHostsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.ScanID != "" {
		id, err := parseUUID(a.ScanID)
		if err != nil {
			return nil, err
		}
		return r.store.Hosts.ListByScan(ctx, id)
	}
	return r.stats.UniqueHosts(ctx, false)
}

type ipArgs struct {
	IP string `json:"ip"`
}

func (r *Registry) getHostServices(ctx context.Context, args json.RawMessage) (any, error) {
	var a ipArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.IP == "" {
		return nil, fmt.Errorf("ip is required")
	}
	host, err := r.store.Hosts.GetLatestByIP(ctx, a.IP)
	if err != nil {
		return nil, err
	}
	ports, err := r.store.Ports.ListByHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	return struct {
		Host  *db.Host   `json:"host"`
		Ports []*db.Port `json:"ports"`
	}{host, ports}, nil
}

func (r *Registry) getNetworkStats(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.stats.Get(ctx)
}

func (r *Registry) listVMs(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.stats.UniqueHosts(ctx, true)
}

type searchArgs struct {
	Query string `json:"query"`
}

func (r *Registry) searchService(ctx context.Context, args json.RawMessage) (any, error) {
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	return r.stats.SearchService(ctx, a.Query)
}

func (r *Registry) getNetworkTopology(ctx context.Context, args json.RawMessage) (any, error) {
	var a scanIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := parseUUID(a.ScanID)
	if err != nil {
		return nil, err
	}
	hosts, err := r.store.Hosts.ListByScan(ctx, id)
	if err != nil {
		return nil, err
	}

	type node struct {
		Host  *db.Host             `json:"host"`
		Route []*db.TracerouteHop `json:"route"`
	}
	nodes := make([]node, 0, len(hosts))
	for _, h := range hosts {
		hops, err := r.store.Traceroutes.ListByHost(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node{Host: h, Route: hops})
	}
	return struct {
		ScanID string `json:"scan_id"`
		Nodes  []node `json:"nodes"`
	}{a.ScanID, nodes}, nil
}

func (r *Registry) findVulnerabilities(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.stats.RiskyServices(ctx)
}

func (r *Registry) listSchedules(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.schedules.List(ctx)
}

func (r *Registry) getScheduleDetails(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		ScheduleID string `json:"schedule_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := parseUUID(a.ScheduleID)
	if err != nil {
		return nil, err
	}
	return r.schedules.GetByID(ctx, id)
}

func (r *Registry) listUsers(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.users.List(ctx)
}

func (r *Registry) getSystemHealth(ctx context.Context, _ json.RawMessage) (any, error) {
	stats, err := r.stats.Get(ctx)
	if err != nil {
		return struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}{"unhealthy", err.Error()}, nil
	}
	return struct {
		Status string    `json:"status"`
		Totals *db.Totals `json:"totals"`
	}{"healthy", stats}, nil
}

type startScanArgs struct {
	Networks []string `json:"networks"`
}

func (r *Registry) startScan(ctx context.Context, args json.RawMessage) (any, error) {
	var a startScanArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if len(a.Networks) == 0 {
		return nil, fmt.Errorf("networks is required")
	}

	scan := &db.Scan{NetworkRange: strings.Join(a.Networks, ",")}
	if err := r.store.Scans.Create(ctx, scan); err != nil {
		return nil, err
	}

	scanID := scan.ID
	go func() {
		_ = r.orchestrator.Execute(context.Background(), scanID, a.Networks)
	}()

	return scan, nil
}
