// Package db provides database connectivity and data models for the scan
// orchestration engine. It handles database migrations, scan/host/port
// storage, schedule persistence, live-tunable settings, and user accounts —
// the sole source of durable truth the rest of the system reads and writes
// through (the Store, in the language of the design).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/bryankemp/network-scanner/internal/errors"
)

// sanitizeDBError converts raw database errors into safe, sanitized errors
// that don't expose internal SQL details or credentials to API clients.
// The original error is preserved in the Cause field for internal debugging.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		return errors.NewDatabaseError(errors.CodeNotFound, "resource not found")
	}

	if pqErr, ok := err.(*pq.Error); ok {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "data validation failed")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "database operation was canceled")
		case "57P01": // admin_shutdown
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "database connection lost")
		case "08000", "08003", "08006": // connection errors
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("database operation failed: %s", operation))
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	dbErr := errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("database operation failed: %s", operation))
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration. Database name,
// username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// Connect establishes a connection to PostgreSQL. Returns sanitized errors
// that don't leak credentials or DSN details.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	sqlxDB, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	sqlxDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlxDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := sqlxDB.PingContext(ctx); err != nil {
		if closeErr := sqlxDB.Close(); closeErr != nil {
			log.Printf("failed to close database connection after ping failure")
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "failed to verify database connection", err)
	}

	log.Printf("connected to database at %s:%d/%s", config.Host, config.Port, config.Database)
	return &DB{DB: sqlxDB}, nil
}

// Ping verifies the database connection is still alive, satisfying
// handlers.DatabasePinger for health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// ScanRepository handles Scan persistence.
type ScanRepository struct {
	db *DB
}

// NewScanRepository creates a new scan repository.
func NewScanRepository(db *DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// Create inserts a new scan in the pending state.
func (r *ScanRepository) Create(ctx context.Context, scan *Scan) error {
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	if scan.Status == "" {
		scan.Status = ScanStatusPending
	}

	query := `
		INSERT INTO scans (id, network_range, status, progress_percent, progress_message, error_message, schedule_id)
		VALUES (:id, :network_range, :status, :progress_percent, :progress_message, :error_message, :schedule_id)
		RETURNING created_at, updated_at`

	rows, err := r.db.NamedQueryContext(ctx, query, scan)
	if err != nil {
		return sanitizeDBError("create scan", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&scan.CreatedAt, &scan.UpdatedAt); err != nil {
			return sanitizeDBError("scan created scan row", err)
		}
	}
	return nil
}

// GetByID retrieves a scan by ID.
func (r *ScanRepository) GetByID(ctx context.Context, id uuid.UUID) (*Scan, error) {
	var scan Scan
	if err := r.db.GetContext(ctx, &scan, `SELECT * FROM scans WHERE id = $1`, id); err != nil {
		return nil, sanitizeDBError("get scan", err)
	}
	return &scan, nil
}

// ScanListFilter narrows List results.
type ScanListFilter struct {
	Status     string
	ScheduleID *uuid.UUID
	Limit      int
	Offset     int
}

// List retrieves scans matching the filter, newest first.
func (r *ScanRepository) List(ctx context.Context, filter ScanListFilter) ([]*Scan, error) {
	query := `SELECT * FROM scans WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ScheduleID != nil {
		args = append(args, *filter.ScheduleID)
		query += fmt.Sprintf(" AND schedule_id = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var scans []*Scan
	if err := r.db.SelectContext(ctx, &scans, query, args...); err != nil {
		return nil, sanitizeDBError("list scans", err)
	}
	return scans, nil
}

// UpdateStatus transitions a scan's status, enforcing the DAG invariant and
// stamping started_at/completed_at exactly when the status first leaves
// pending or first enters a terminal state.
func (r *ScanRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(status) {
		return errors.ErrConflict(fmt.Sprintf("illegal scan status transition %s -> %s", current.Status, status))
	}

	query := `UPDATE scans SET status = $2, error_message = $3, updated_at = now()`
	args := []interface{}{id, status, errMsg}

	if current.Status == ScanStatusPending && status != ScanStatusPending {
		query += `, started_at = now()`
	}
	if terminalScanStatuses[status] {
		query += `, completed_at = now()`
	}
	query += ` WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return sanitizeDBError("update scan status", err)
	}
	return nil
}

// UpdateProgress sets progress_percent/progress_message. Callers are
// responsible for never passing a lower percentage than the current value
// (invariant 5: progress is monotonic within a scan execution).
func (r *ScanRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent int, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scans SET progress_percent = $2, progress_message = $3, updated_at = now() WHERE id = $1`,
		id, percent, message)
	if err != nil {
		return sanitizeDBError("update scan progress", err)
	}
	return nil
}

// Delete removes a scan and, via ON DELETE CASCADE foreign keys, all of its
// hosts, ports, traceroute hops, and artifacts.
func (r *ScanRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return sanitizeDBError("delete scan", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.ErrNotFound("scan")
	}
	return nil
}

// StuckCandidate summarizes a scan the watchdog should inspect further.
type StuckCandidate struct {
	Scan          Scan
	RunningHours  float64
	SinceUpdate   time.Duration
	SincePending  time.Duration
	RunningHosts  int
	ScanningHosts int
}

// ListRunning retrieves every scan currently in the running state, for the
// watchdog sweep.
func (r *ScanRepository) ListRunning(ctx context.Context) ([]*Scan, error) {
	var scans []*Scan
	query := `SELECT * FROM scans WHERE status = $1 ORDER BY started_at`
	if err := r.db.SelectContext(ctx, &scans, query, ScanStatusRunning); err != nil {
		return nil, sanitizeDBError("list running scans", err)
	}
	return scans, nil
}

// ListStalePending retrieves pending scans older than the given age, for the
// watchdog's pending-too-long check.
func (r *ScanRepository) ListStalePending(ctx context.Context, olderThan time.Duration) ([]*Scan, error) {
	var scans []*Scan
	query := `SELECT * FROM scans WHERE status = $1 AND created_at < $2`
	if err := r.db.SelectContext(ctx, &scans, query, ScanStatusPending, time.Now().Add(-olderThan)); err != nil {
		return nil, sanitizeDBError("list stale pending scans", err)
	}
	return scans, nil
}

// DeleteOlderThan removes completed/failed/cancelled scans (and their
// children, via cascade) older than the retention window. Used by the
// scheduler's retention job.
func (r *ScanRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scans WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled, time.Now().Add(-age))
	if err != nil {
		return 0, sanitizeDBError("delete old scans", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HostRepository handles Host persistence.
type HostRepository struct {
	db *DB
}

// NewHostRepository creates a new host repository.
func NewHostRepository(db *DB) *HostRepository {
	return &HostRepository{db: db}
}

// Create inserts a discovered host in the pending per-host scan state.
func (r *HostRepository) Create(ctx context.Context, host *Host) error {
	if host.ID == uuid.Nil {
		host.ID = uuid.New()
	}
	if host.ScanStatus == "" {
		host.ScanStatus = HostScanStatusPending
	}

	query := `
		INSERT INTO hosts (
			id, scan_id, ip, hostname, mac, vendor, os, os_accuracy, is_vm, vm_type,
			uptime_seconds, last_boot, distance, cpe, scan_status, scan_progress_percent, pid
		) VALUES (
			:id, :scan_id, :ip, :hostname, :mac, :vendor, :os, :os_accuracy, :is_vm, :vm_type,
			:uptime_seconds, :last_boot, :distance, :cpe, :scan_status, :scan_progress_percent, :pid
		)`

	if _, err := r.db.NamedExecContext(ctx, query, host); err != nil {
		return sanitizeDBError("create host", err)
	}
	return nil
}

// GetByID retrieves a host by ID.
func (r *HostRepository) GetByID(ctx context.Context, id uuid.UUID) (*Host, error) {
	var host Host
	if err := r.db.GetContext(ctx, &host, `SELECT * FROM hosts WHERE id = $1`, id); err != nil {
		return nil, sanitizeDBError("get host", err)
	}
	return &host, nil
}

// ListByScan retrieves every host belonging to a scan.
func (r *HostRepository) ListByScan(ctx context.Context, scanID uuid.UUID) ([]*Host, error) {
	var hosts []*Host
	query := `SELECT * FROM hosts WHERE scan_id = $1 ORDER BY ip`
	if err := r.db.SelectContext(ctx, &hosts, query, scanID); err != nil {
		return nil, sanitizeDBError("list hosts by scan", err)
	}
	return hosts, nil
}

// GetLatestByIP retrieves the most recently completed (or started) sighting
// of a given address across every scan, for the tool-bus host lookup tools.
func (r *HostRepository) GetLatestByIP(ctx context.Context, ip string) (*Host, error) {
	var host Host
	const q = `
		SELECT * FROM hosts WHERE ip = $1
		ORDER BY scan_completed_at DESC NULLS LAST, scan_started_at DESC NULLS LAST
		LIMIT 1`
	if err := r.db.GetContext(ctx, &host, q, ip); err != nil {
		return nil, sanitizeDBError("get latest host by ip", err)
	}
	return &host, nil
}

// UpdateScanStatus transitions a single host's per-host scan_status.
func (r *HostRepository) UpdateScanStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string) error {
	query := `UPDATE hosts SET scan_status = $2, scan_error_message = $3`
	args := []interface{}{id, status, errMsg}

	switch status {
	case HostScanStatusScanning:
		query += `, scan_started_at = now()`
	case HostScanStatusCompleted, HostScanStatusFailed:
		query += `, scan_completed_at = now()`
	}
	query += ` WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return sanitizeDBError("update host scan status", err)
	}
	return nil
}

// UpdateProgress sets a host's scan_progress_percent.
func (r *HostRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE hosts SET scan_progress_percent = $2 WHERE id = $1`, id, percent)
	if err != nil {
		return sanitizeDBError("update host progress", err)
	}
	return nil
}

// SetPID records the pid of the nmap subprocess spawned for this host, so
// the watchdog can signal the exact process rather than pattern-matching
// on command-line arguments.
func (r *HostRepository) SetPID(ctx context.Context, id uuid.UUID, pid *int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE hosts SET pid = $2 WHERE id = $1`, id, pid)
	if err != nil {
		return sanitizeDBError("set host pid", err)
	}
	return nil
}

// UpdateEnumeration writes back everything phase 2 discovered about a host:
// OS fingerprint, VM classification, and ports_discovered (invariant 4
// requires ports_discovered == count(Ports) once the host completes, so
// callers should call this after all ports for the host are persisted).
func (r *HostRepository) UpdateEnumeration(ctx context.Context, host *Host) error {
	query := `
		UPDATE hosts SET
			hostname = :hostname, mac = :mac, vendor = :vendor, os = :os,
			os_accuracy = :os_accuracy, is_vm = :is_vm, vm_type = :vm_type,
			uptime_seconds = :uptime_seconds, last_boot = :last_boot,
			distance = :distance, cpe = :cpe, ports_discovered = :ports_discovered
		WHERE id = :id`

	if _, err := r.db.NamedExecContext(ctx, query, host); err != nil {
		return sanitizeDBError("update host enumeration", err)
	}
	return nil
}

// Delete removes a host row outright, along with its ports and traceroute
// hops via ON DELETE CASCADE. Used by phase 4 filtering to drop hosts that
// did not survive reconciliation.
func (r *HostRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = $1`, id); err != nil {
		return sanitizeDBError("delete host", err)
	}
	return nil
}

// CountByScanStatus counts hosts in a scan grouped by scan_status, used by
// the watchdog's diagnostics and by progress reconciliation.
func (r *HostRepository) CountByScanStatus(ctx context.Context, scanID uuid.UUID) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT scan_status, count(*) FROM hosts WHERE scan_id = $1 GROUP BY scan_status`, scanID)
	if err != nil {
		return nil, sanitizeDBError("count hosts by scan status", err)
	}
	defer closeRows(rows)

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, sanitizeDBError("scan host status count row", err)
		}
		counts[status] = n
	}
	return counts, nil
}

// ListStuckScanning returns hosts stuck in scanning for longer than
// staleAfter within any running scan, for the watchdog's stalled-host check.
func (r *HostRepository) ListStuckScanning(ctx context.Context, staleAfter time.Duration) ([]*Host, error) {
	var hosts []*Host
	query := `
		SELECT h.* FROM hosts h
		JOIN scans s ON s.id = h.scan_id
		WHERE h.scan_status = $1 AND s.status = $2 AND h.scan_started_at < $3`
	if err := r.db.SelectContext(ctx, &hosts, query, HostScanStatusScanning, ScanStatusRunning, time.Now().Add(-staleAfter)); err != nil {
		return nil, sanitizeDBError("list stuck scanning hosts", err)
	}
	return hosts, nil
}

// PortRepository handles Port persistence.
type PortRepository struct {
	db *DB
}

// NewPortRepository creates a new port repository.
func NewPortRepository(db *DB) *PortRepository {
	return &PortRepository{db: db}
}

// BulkInsert inserts every discovered port for a host in one round trip.
func (r *PortRepository) BulkInsert(ctx context.Context, ports []*Port) error {
	if len(ports) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin bulk insert ports", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO ports (id, host_id, port, protocol, service, product, version, extrainfo, cpe, script_output)
		VALUES (:id, :host_id, :port, :protocol, :service, :product, :version, :extrainfo, :cpe, :script_output)`

	for _, p := range ports {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if _, err := tx.NamedExecContext(ctx, query, p); err != nil {
			return sanitizeDBError("insert port", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit bulk insert ports", err)
	}
	return nil
}

// ListByHost retrieves every port recorded for a host.
func (r *PortRepository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]*Port, error) {
	var ports []*Port
	query := `SELECT * FROM ports WHERE host_id = $1 ORDER BY protocol, port`
	if err := r.db.SelectContext(ctx, &ports, query, hostID); err != nil {
		return nil, sanitizeDBError("list ports by host", err)
	}
	return ports, nil
}

// TracerouteRepository handles TracerouteHop persistence.
type TracerouteRepository struct {
	db *DB
}

// NewTracerouteRepository creates a new traceroute repository.
func NewTracerouteRepository(db *DB) *TracerouteRepository {
	return &TracerouteRepository{db: db}
}

// BulkInsert inserts every traceroute hop discovered for a host.
func (r *TracerouteRepository) BulkInsert(ctx context.Context, hops []*TracerouteHop) error {
	if len(hops) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin bulk insert traceroute hops", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO traceroute_hops (id, host_id, hop_number, ip, hostname, rtt_ms)
		VALUES (:id, :host_id, :hop_number, :ip, :hostname, :rtt_ms)`

	for _, h := range hops {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		if _, err := tx.NamedExecContext(ctx, query, h); err != nil {
			return sanitizeDBError("insert traceroute hop", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit bulk insert traceroute hops", err)
	}
	return nil
}

// ListByHost retrieves every traceroute hop recorded for a host, ordered by
// hop number (TTL).
func (r *TracerouteRepository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]*TracerouteHop, error) {
	var hops []*TracerouteHop
	query := `SELECT * FROM traceroute_hops WHERE host_id = $1 ORDER BY hop_number`
	if err := r.db.SelectContext(ctx, &hops, query, hostID); err != nil {
		return nil, sanitizeDBError("list traceroute hops by host", err)
	}
	return hops, nil
}

// ArtifactRepository handles Artifact persistence.
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Create records a generated report artifact.
func (r *ArtifactRepository) Create(ctx context.Context, artifact *Artifact) error {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}

	query := `
		INSERT INTO artifacts (id, scan_id, type, file_path, file_size)
		VALUES (:id, :scan_id, :type, :file_path, :file_size)
		RETURNING created_at`

	rows, err := r.db.NamedQueryContext(ctx, query, artifact)
	if err != nil {
		return sanitizeDBError("create artifact", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&artifact.CreatedAt); err != nil {
			return sanitizeDBError("scan created artifact row", err)
		}
	}
	return nil
}

// ListByScan retrieves every artifact generated for a scan.
func (r *ArtifactRepository) ListByScan(ctx context.Context, scanID uuid.UUID) ([]*Artifact, error) {
	var artifacts []*Artifact
	query := `SELECT * FROM artifacts WHERE scan_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &artifacts, query, scanID); err != nil {
		return nil, sanitizeDBError("list artifacts by scan", err)
	}
	return artifacts, nil
}

// ScheduleRepository handles Schedule persistence.
type ScheduleRepository struct {
	db *DB
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create inserts a new schedule.
func (r *ScheduleRepository) Create(ctx context.Context, schedule *Schedule) error {
	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}

	query := `
		INSERT INTO schedules (id, name, cron_expression, network_range, enabled, next_run_at, created_by)
		VALUES (:id, :name, :cron_expression, :network_range, :enabled, :next_run_at, :created_by)
		RETURNING created_at, updated_at`

	rows, err := r.db.NamedQueryContext(ctx, query, schedule)
	if err != nil {
		return sanitizeDBError("create schedule", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&schedule.CreatedAt, &schedule.UpdatedAt); err != nil {
			return sanitizeDBError("scan created schedule row", err)
		}
	}
	return nil
}

// GetByID retrieves a schedule by ID.
func (r *ScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	var schedule Schedule
	if err := r.db.GetContext(ctx, &schedule, `SELECT * FROM schedules WHERE id = $1`, id); err != nil {
		return nil, sanitizeDBError("get schedule", err)
	}
	return &schedule, nil
}

// List retrieves all schedules.
func (r *ScheduleRepository) List(ctx context.Context) ([]*Schedule, error) {
	var schedules []*Schedule
	if err := r.db.SelectContext(ctx, &schedules, `SELECT * FROM schedules ORDER BY name`); err != nil {
		return nil, sanitizeDBError("list schedules", err)
	}
	return schedules, nil
}

// ListEnabled retrieves enabled schedules, mirrored into the scheduler's
// in-memory job set at startup and whenever a schedule is created/updated.
func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*Schedule, error) {
	var schedules []*Schedule
	query := `SELECT * FROM schedules WHERE enabled = true ORDER BY name`
	if err := r.db.SelectContext(ctx, &schedules, query); err != nil {
		return nil, sanitizeDBError("list enabled schedules", err)
	}
	return schedules, nil
}

// Update updates a schedule's editable fields.
func (r *ScheduleRepository) Update(ctx context.Context, schedule *Schedule) error {
	query := `
		UPDATE schedules SET
			name = :name, cron_expression = :cron_expression, network_range = :network_range,
			enabled = :enabled, updated_at = now()
		WHERE id = :id
		RETURNING updated_at`

	rows, err := r.db.NamedQueryContext(ctx, query, schedule)
	if err != nil {
		return sanitizeDBError("update schedule", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&schedule.UpdatedAt); err != nil {
			return sanitizeDBError("scan updated schedule row", err)
		}
	}
	return nil
}

// UpdateRunTimes records the most recent firing and the next one, satisfying
// invariant 6 (next_run_at must equal cron's next firing strictly after now).
func (r *ScheduleRepository) UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = $2, next_run_at = $3, updated_at = now() WHERE id = $1`,
		id, lastRun, nextRun)
	if err != nil {
		return sanitizeDBError("update schedule run times", err)
	}
	return nil
}

// Delete removes a schedule. Scans created from it keep their schedule_id
// set to NULL via an ON DELETE SET NULL foreign key, preserving history.
func (r *ScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return sanitizeDBError("delete schedule", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.ErrNotFound("schedule")
	}
	return nil
}

// SettingRepository handles the live-tunable Setting key/value store.
type SettingRepository struct {
	db *DB
}

// NewSettingRepository creates a new setting repository.
func NewSettingRepository(db *DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// Get retrieves a setting's raw string value.
func (r *SettingRepository) Get(ctx context.Context, key string) (*Setting, error) {
	var setting Setting
	if err := r.db.GetContext(ctx, &setting, `SELECT * FROM settings WHERE key = $1`, key); err != nil {
		return nil, sanitizeDBError("get setting", err)
	}
	return &setting, nil
}

// GetIntOrDefault reads a setting as an integer, falling back to def if the
// key is absent or unparsable. This is the read-through path the
// orchestrator uses at each scan's phase-2 boundary to pick up a live
// scan_parallelism change without a restart.
func (r *SettingRepository) GetIntOrDefault(ctx context.Context, key string, def int) int {
	setting, err := r.Get(ctx, key)
	if err != nil {
		return def
	}
	var v int
	if _, scanErr := fmt.Sscanf(setting.Value, "%d", &v); scanErr != nil {
		return def
	}
	return v
}

// Set upserts a setting's value.
func (r *SettingRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return sanitizeDBError("set setting", err)
	}
	return nil
}

// List retrieves every setting.
func (r *SettingRepository) List(ctx context.Context) ([]*Setting, error) {
	var settings []*Setting
	if err := r.db.SelectContext(ctx, &settings, `SELECT * FROM settings ORDER BY key`); err != nil {
		return nil, sanitizeDBError("list settings", err)
	}
	return settings, nil
}

// UserRepository handles User persistence for API authentication.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = UserRoleViewer
	}

	query := `
		INSERT INTO users (id, username, password_hash, role, must_change_password)
		VALUES (:id, :username, :password_hash, :role, :must_change_password)
		RETURNING created_at, updated_at`

	rows, err := r.db.NamedQueryContext(ctx, query, user)
	if err != nil {
		return sanitizeDBError("create user", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
			return sanitizeDBError("scan created user row", err)
		}
	}
	return nil
}

// GetByUsername retrieves a user by username, used at login time.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE username = $1`, username); err != nil {
		return nil, sanitizeDBError("get user by username", err)
	}
	return &user, nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	if err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, id); err != nil {
		return nil, sanitizeDBError("get user", err)
	}
	return &user, nil
}

// Count returns the number of users, used to decide whether to seed the
// default admin account on first boot.
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM users`); err != nil {
		return 0, sanitizeDBError("count users", err)
	}
	return n, nil
}

// List retrieves every user, newest first, for the list_users tool.
func (r *UserRepository) List(ctx context.Context) ([]*User, error) {
	var users []*User
	if err := r.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY created_at DESC`); err != nil {
		return nil, sanitizeDBError("list users", err)
	}
	return users, nil
}

// UpdatePasswordHash replaces a user's stored password hash and clears the
// must_change_password flag.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, must_change_password = false, updated_at = now() WHERE id = $1`, id, hash)
	if err != nil {
		return sanitizeDBError("update user password hash", err)
	}
	return nil
}

// UpdateLastLogin stamps last_login_at to now.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = now() WHERE id = $1`, id)
	if err != nil {
		return sanitizeDBError("update user last login", err)
	}
	return nil
}

func closeRows(rows *sqlx.Rows) {
	if err := rows.Close(); err != nil {
		log.Printf("failed to close rows: %v", err)
	}
}

// StatsRepository answers network-wide rollup queries over the most recent
// sighting of each host, independent of which scan last saw it.
type StatsRepository struct {
	db *DB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Totals summarizes the whole network as currently known to the Store.
type Totals struct {
	UniqueHosts   int `json:"unique_hosts"`
	UniqueVMs     int `json:"unique_vms"`
	TotalScans    int `json:"total_scans"`
	RunningScans  int `json:"running_scans"`
	UniqueService int `json:"unique_services"`
}

// Get computes the headline counts shown on /api/stats. "Unique" host/VM
// counts are deduplicated by IP address across every scan ever recorded,
// counting only each address's most recent sighting.
func (r *StatsRepository) Get(ctx context.Context) (*Totals, error) {
	var t Totals
	const q = `
		WITH latest_hosts AS (
			SELECT DISTINCT ON (ip) ip, is_vm
			FROM hosts
			ORDER BY ip, scan_completed_at DESC NULLS LAST, scan_started_at DESC NULLS LAST
		)
		SELECT
			(SELECT count(*) FROM latest_hosts) AS unique_hosts,
			(SELECT count(*) FROM latest_hosts WHERE is_vm) AS unique_vms,
			(SELECT count(*) FROM scans) AS total_scans,
			(SELECT count(*) FROM scans WHERE status = 'running') AS running_scans,
			(SELECT count(DISTINCT service) FROM ports WHERE service IS NOT NULL AND service != '') AS unique_service
	`
	if err := r.db.GetContext(ctx, &t, q); err != nil {
		return nil, sanitizeDBError("get stats totals", err)
	}
	return &t, nil
}

// UniqueHostRow is one row of the deduplicated-by-IP host rollup.
type UniqueHostRow struct {
	IP       string     `db:"ip" json:"ip"`
	Hostname *string    `db:"hostname" json:"hostname,omitempty"`
	Vendor   *string    `db:"vendor" json:"vendor,omitempty"`
	OS       *string    `db:"os" json:"os,omitempty"`
	IsVM     bool       `db:"is_vm" json:"is_vm"`
	VMType   *string    `db:"vm_type" json:"vm_type,omitempty"`
	LastSeen *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}

// UniqueHosts returns one row per distinct IP ever seen, keeping the most
// recently completed sighting, optionally filtered to VMs only.
func (r *StatsRepository) UniqueHosts(ctx context.Context, vmOnly bool) ([]UniqueHostRow, error) {
	query := `
		SELECT DISTINCT ON (ip)
			ip::text AS ip, hostname, vendor, os, is_vm, vm_type,
			coalesce(scan_completed_at, scan_started_at) AS last_seen
		FROM hosts
	`
	if vmOnly {
		query += " WHERE is_vm "
	}
	query += " ORDER BY ip, scan_completed_at DESC NULLS LAST, scan_started_at DESC NULLS LAST"

	rows := []UniqueHostRow{}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, sanitizeDBError("list unique hosts", err)
	}
	return rows, nil
}

// ServiceRollupRow is one row of the grouped-by-service-name rollup.
type ServiceRollupRow struct {
	Service  string `db:"service" json:"service"`
	HostCount int   `db:"host_count" json:"host_count"`
	PortCount int   `db:"port_count" json:"port_count"`
}

// ServiceRollup groups every known port record by service name, counting
// distinct hosts and total ports running it.
func (r *StatsRepository) ServiceRollup(ctx context.Context) ([]ServiceRollupRow, error) {
	const q = `
		SELECT p.service AS service,
		       count(DISTINCT h.ip) AS host_count,
		       count(*) AS port_count
		FROM ports p
		JOIN hosts h ON h.id = p.host_id
		WHERE p.service IS NOT NULL AND p.service != ''
		GROUP BY p.service
		ORDER BY host_count DESC, service ASC
	`
	rows := []ServiceRollupRow{}
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, sanitizeDBError("service rollup", err)
	}
	return rows, nil
}

// ServiceMatchRow is one port record joined back to the host it runs on,
// used by the service search and vulnerability-heuristic tool-bus tools.
type ServiceMatchRow struct {
	IP       string  `db:"ip" json:"ip"`
	Hostname *string `db:"hostname" json:"hostname,omitempty"`
	Port     int     `db:"port" json:"port"`
	Protocol string  `db:"protocol" json:"protocol"`
	Service  *string `db:"service" json:"service,omitempty"`
	Product  *string `db:"product" json:"product,omitempty"`
	Version  *string `db:"version" json:"version,omitempty"`
}

// SearchService finds every open port whose service, product, or version
// string contains the given substring, across every host ever scanned.
func (r *StatsRepository) SearchService(ctx context.Context, query string) ([]ServiceMatchRow, error) {
	const q = `
		SELECT h.ip::text AS ip, h.hostname AS hostname, p.port AS port,
		       p.protocol AS protocol, p.service AS service, p.product AS product, p.version AS version
		FROM ports p
		JOIN hosts h ON h.id = p.host_id
		WHERE p.service ILIKE '%' || $1 || '%'
		   OR p.product ILIKE '%' || $1 || '%'
		   OR p.version ILIKE '%' || $1 || '%'
		ORDER BY h.ip, p.port`
	rows := []ServiceMatchRow{}
	if err := r.db.SelectContext(ctx, &rows, q, query); err != nil {
		return nil, sanitizeDBError("search service", err)
	}
	return rows, nil
}

// riskyServices lists plaintext or historically vulnerable protocols the
// find_vulnerabilities tool flags on sight. It is a coarse heuristic, not a
// CVE database lookup.
var riskyServices = []string{"telnet", "ftp", "rsh", "rlogin", "vnc", "tftp", "snmp"}

// RiskyServices returns every open port running one of riskyServices,
// across every host ever scanned.
func (r *StatsRepository) RiskyServices(ctx context.Context) ([]ServiceMatchRow, error) {
	const q = `
		SELECT h.ip::text AS ip, h.hostname AS hostname, p.port AS port,
		       p.protocol AS protocol, p.service AS service, p.product AS product, p.version AS version
		FROM ports p
		JOIN hosts h ON h.id = p.host_id
		WHERE p.service = ANY($1)
		ORDER BY h.ip, p.port`
	rows := []ServiceMatchRow{}
	if err := r.db.SelectContext(ctx, &rows, q, pq.Array(riskyServices)); err != nil {
		return nil, sanitizeDBError("list risky services", err)
	}
	return rows, nil
}
