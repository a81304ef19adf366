package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// NetworkAddr wraps net.IPNet to implement PostgreSQL CIDR type.
type NetworkAddr struct {
	net.IPNet
}

// Scan implements sql.Scanner for PostgreSQL CIDR type.
func (n *NetworkAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		_, ipnet, err := net.ParseCIDR(v)
		if err != nil {
			return fmt.Errorf("failed to parse CIDR: %w", err)
		}
		n.IPNet = *ipnet
		return nil
	case []byte:
		_, ipnet, err := net.ParseCIDR(string(v))
		if err != nil {
			return fmt.Errorf("failed to parse CIDR: %w", err)
		}
		n.IPNet = *ipnet
		return nil
	default:
		return fmt.Errorf("cannot scan %T into NetworkAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL CIDR type.
func (n NetworkAddr) Value() (driver.Value, error) {
	if len(n.IP) == 0 {
		return nil, nil
	}
	return n.IPNet.String(), nil
}

// String returns the CIDR notation string.
func (n NetworkAddr) String() string {
	return n.IPNet.String()
}

// MarshalJSON renders a NetworkAddr as its CIDR string.
func (n NetworkAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON parses a NetworkAddr from a CIDR string.
func (n *NetworkAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		n.IPNet = net.IPNet{}
		return nil
	}
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return fmt.Errorf("failed to parse CIDR: %w", err)
	}
	n.IPNet = *ipnet
	return nil
}

// IPAddr wraps net.IP to implement PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		parsed := net.ParseIP(v)
		if parsed == nil {
			return fmt.Errorf("failed to parse IP address: %s", v)
		}
		ip.IP = parsed
		return nil
	case []byte:
		parsed := net.ParseIP(string(v))
		if parsed == nil {
			return fmt.Errorf("failed to parse IP address: %s", string(v))
		}
		ip.IP = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.IP.String(), nil
}

// String returns the IP address string.
func (ip IPAddr) String() string {
	if ip.IP == nil {
		return ""
	}
	return ip.IP.String()
}

// MarshalJSON renders an IPAddr as its dotted/colon string form.
func (ip IPAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(ip.String())
}

// UnmarshalJSON parses an IPAddr from a string.
func (ip *IPAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		ip.IP = nil
		return nil
	}
	parsed := net.ParseIP(s)
	if parsed == nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.IP = parsed
	return nil
}

// MACAddr wraps net.HardwareAddr to implement PostgreSQL MACADDR type.
type MACAddr struct {
	net.HardwareAddr
}

// Scan implements sql.Scanner for PostgreSQL MACADDR type.
func (mac *MACAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		hw, err := net.ParseMAC(v)
		if err != nil {
			return fmt.Errorf("failed to parse MAC address: %w", err)
		}
		mac.HardwareAddr = hw
		return nil
	case []byte:
		hw, err := net.ParseMAC(string(v))
		if err != nil {
			return fmt.Errorf("failed to parse MAC address: %w", err)
		}
		mac.HardwareAddr = hw
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MACAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL MACADDR type.
func (mac MACAddr) Value() (driver.Value, error) {
	if mac.HardwareAddr == nil {
		return nil, nil
	}
	return mac.HardwareAddr.String(), nil
}

// String returns the MAC address string.
func (mac MACAddr) String() string {
	if mac.HardwareAddr == nil {
		return ""
	}
	return mac.HardwareAddr.String()
}

// MarshalJSON renders a MACAddr as its colon-separated string form.
func (mac MACAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(mac.String())
}

// UnmarshalJSON parses a MACAddr from a string.
func (mac *MACAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		mac.HardwareAddr = nil
		return nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return fmt.Errorf("failed to parse MAC address: %w", err)
	}
	mac.HardwareAddr = hw
	return nil
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSONB(v)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = JSONB(data)
	return nil
}

// Scan represents one run of the orchestration pipeline against a set of
// CIDR ranges. Its status obeys the DAG pending -> running -> {completed,
// failed, cancelled}; no terminal state transitions back out.
type Scan struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	NetworkRange    string     `db:"network_range" json:"network_range"`
	Status          string     `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	ProgressPercent int        `db:"progress_percent" json:"progress_percent"`
	ProgressMessage *string    `db:"progress_message" json:"progress_message,omitempty"`
	ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
	ScheduleID      *uuid.UUID `db:"schedule_id" json:"schedule_id,omitempty"`
}

// Host represents one discovered address within a Scan. PID records the
// nmap subprocess pid captured at spawn time so the watchdog can kill the
// exact process instead of matching on command-line substrings.
type Host struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ScanID              uuid.UUID  `db:"scan_id" json:"scan_id"`
	IP                  IPAddr     `db:"ip" json:"ip"`
	Hostname            *string    `db:"hostname" json:"hostname,omitempty"`
	MAC                 *MACAddr   `db:"mac" json:"mac,omitempty"`
	Vendor              *string    `db:"vendor" json:"vendor,omitempty"`
	OS                  *string    `db:"os" json:"os,omitempty"`
	OSAccuracy          *int       `db:"os_accuracy" json:"os_accuracy,omitempty"`
	IsVM                bool       `db:"is_vm" json:"is_vm"`
	VMType              *string    `db:"vm_type" json:"vm_type,omitempty"`
	UptimeSeconds       *int64     `db:"uptime_seconds" json:"uptime_seconds,omitempty"`
	LastBoot            *time.Time `db:"last_boot" json:"last_boot,omitempty"`
	Distance            *int       `db:"distance" json:"distance,omitempty"`
	CPE                 *string    `db:"cpe" json:"cpe,omitempty"`
	ScanStatus          string     `db:"scan_status" json:"scan_status"`
	ScanStartedAt       *time.Time `db:"scan_started_at" json:"scan_started_at,omitempty"`
	ScanCompletedAt     *time.Time `db:"scan_completed_at" json:"scan_completed_at,omitempty"`
	ScanProgressPercent int        `db:"scan_progress_percent" json:"scan_progress_percent"`
	ScanErrorMessage    *string    `db:"scan_error_message" json:"scan_error_message,omitempty"`
	PortsDiscovered     int        `db:"ports_discovered" json:"ports_discovered"`
	PID                 *int       `db:"pid" json:"-"`
}

// Port represents one scanned port/protocol pair on a Host.
type Port struct {
	ID           uuid.UUID `db:"id" json:"id"`
	HostID       uuid.UUID `db:"host_id" json:"host_id"`
	Port         int       `db:"port" json:"port"`
	Protocol     string    `db:"protocol" json:"protocol"`
	Service      *string   `db:"service" json:"service,omitempty"`
	Product      *string   `db:"product" json:"product,omitempty"`
	Version      *string   `db:"version" json:"version,omitempty"`
	ExtraInfo    *string   `db:"extrainfo" json:"extrainfo,omitempty"`
	CPE          *string   `db:"cpe" json:"cpe,omitempty"`
	ScriptOutput JSONB     `db:"script_output" json:"script_output,omitempty"`
}

// TracerouteHop represents one hop recorded while tracing the route to a Host.
type TracerouteHop struct {
	ID        uuid.UUID `db:"id" json:"id"`
	HostID    uuid.UUID `db:"host_id" json:"host_id"`
	HopNumber int       `db:"hop_number" json:"hop_number"`
	IP        *string   `db:"ip" json:"ip,omitempty"`
	Hostname  *string   `db:"hostname" json:"hostname,omitempty"`
	RTTMs     *float64  `db:"rtt_ms" json:"rtt_ms,omitempty"`
}

// Artifact represents a generated report file produced for a Scan.
type Artifact struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ScanID    uuid.UUID `db:"scan_id" json:"scan_id"`
	Type      string    `db:"type" json:"type"`
	FilePath  string    `db:"file_path" json:"file_path"`
	FileSize  *int64    `db:"file_size" json:"file_size,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Schedule represents a recurring scan definition owned (in memory) by the
// scheduler and mirrored (durably) in the Store.
type Schedule struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	CronExpression string     `db:"cron_expression" json:"cron_expression"`
	NetworkRange   string     `db:"network_range" json:"network_range"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	LastRunAt      *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	CreatedBy      *string    `db:"created_by" json:"created_by,omitempty"`
}

// Setting is a single persisted live-tunable key/value pair, e.g.
// scan_parallelism or data_retention_days. Settings are read-through: the
// Store value always wins over any process-local default once a row exists.
type Setting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// User is an API Adapter principal used for bearer-token authentication.
type User struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Username           string     `db:"username" json:"username"`
	PasswordHash       string     `db:"password_hash" json:"-"`
	Role               string     `db:"role" json:"role"`
	MustChangePassword bool       `db:"must_change_password" json:"must_change_password"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
	LastLoginAt        *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// ScanStatus constants.
const (
	ScanStatusPending   = "pending"
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"
)

// HostScanStatus constants, distinct from ScanStatus: these track the
// per-host lifecycle within a single running Scan.
const (
	HostScanStatusPending   = "pending"
	HostScanStatusScanning  = "scanning"
	HostScanStatusCompleted = "completed"
	HostScanStatusFailed    = "failed"
)

// Protocol constants.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// ArtifactType constants.
const (
	ArtifactTypeHTML = "html"
	ArtifactTypePNG  = "png"
	ArtifactTypeSVG  = "svg"
	ArtifactTypeXLSX = "xlsx"
	ArtifactTypeDOT  = "dot"
	ArtifactTypeXML  = "xml"
)

// UserRole constants.
const (
	UserRoleAdmin  = "admin"
	UserRoleViewer = "viewer"
)

// Well-known Setting keys.
const (
	SettingScanParallelism  = "scan_parallelism"
	SettingRetentionDays    = "data_retention_days"
	SettingWatchdogInterval = "watchdog_interval_seconds"
)

// terminalScanStatuses enumerates Scan.Status values from which no further
// transition is permitted (invariant 1 in the data model).
var terminalScanStatuses = map[string]bool{
	ScanStatusCompleted: true,
	ScanStatusFailed:    true,
	ScanStatusCancelled: true,
}

// IsTerminal reports whether the scan has reached a terminal status.
func (s *Scan) IsTerminal() bool {
	return terminalScanStatuses[s.Status]
}

// CanTransitionTo reports whether moving from the scan's current status to
// next is a legal DAG transition: pending -> running -> terminal, and never
// terminal -> non-terminal.
func (s *Scan) CanTransitionTo(next string) bool {
	if s.Status == next {
		return true
	}
	if terminalScanStatuses[s.Status] {
		return false
	}
	switch s.Status {
	case ScanStatusPending:
		return next == ScanStatusRunning || terminalScanStatuses[next]
	case ScanStatusRunning:
		return terminalScanStatuses[next]
	default:
		return false
	}
}
