package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/errors"
	"github.com/bryankemp/network-scanner/internal/runner"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	database := &db.DB{DB: sqlx.NewDb(sqlDB, "postgres")}
	return &Store{
		Scans:       db.NewScanRepository(database),
		Hosts:       db.NewHostRepository(database),
		Ports:       db.NewPortRepository(database),
		Traceroutes: db.NewTracerouteRepository(database),
		Artifacts:   db.NewArtifactRepository(database),
		Settings:    db.NewSettingRepository(database),
	}, mock
}

func scanRows(id uuid.UUID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "network_range", "status", "created_at", "updated_at", "progress_percent"}).
		AddRow(id, "10.0.0.0/30", status, time.Now(), time.Now(), 0)
}

func hostRows(id uuid.UUID, ip string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "scan_id", "ip", "scan_status", "is_vm", "scan_progress_percent", "ports_discovered"}).
		AddRow(id, uuid.New(), ip, db.HostScanStatusPending, false, 0, 0)
}

// fakeRunner satisfies scanRunner without shelling out to nmap, writing the
// minimal XML fixtures reconcile() and persist() need from real files.
type fakeRunner struct {
	dir string
}

func newFakeRunner(t *testing.T) *fakeRunner {
	t.Helper()
	return &fakeRunner{dir: t.TempDir()}
}

func (f *fakeRunner) OutputDir() string { return f.dir }

func (f *fakeRunner) Discover(_ context.Context, _, scanID string) (string, []string, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("scan_%s_discovery.xml", scanID))
	const xmlBody = `<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
  </host>
</nmaprun>`
	if err := os.WriteFile(path, []byte(xmlBody), 0o600); err != nil {
		return "", nil, err
	}
	return path, []string{"10.0.0.5"}, nil
}

func (f *fakeRunner) ScanHost(_ context.Context, ip, scanID string) (string, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("scan_%s_%s.xml", scanID, ip))
	const xmlBody = `<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <address addr="AA:BB:CC:DD:EE:FF" addrtype="mac" vendor="Example Corp"/>
    <hostnames><hostname name="box.internal"/></hostnames>
    <ports>
      <port protocol="tcp" portid="22">
        <state state="open"/>
        <service name="ssh" product="OpenSSH" version="9.6"/>
      </port>
    </ports>
    <os><osmatch name="Linux 5.X" accuracy="95"/></os>
  </host>
</nmaprun>`
	if err := os.WriteFile(path, []byte(xmlBody), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func TestExecuteRejectsNonPendingScan(t *testing.T) {
	store, mock := newMockStore(t)
	o := New(store, newFakeRunner(t))

	scanID := uuid.New()
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusRunning))

	err := o.Execute(context.Background(), scanID, []string{"10.0.0.0/30"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteFinalizesEarlyWhenNoLiveHosts(t *testing.T) {
	store, mock := newMockStore(t)

	discoverer := &fakeRunner{dir: t.TempDir()}
	runnerWithNoHosts := &noHostRunner{fakeRunner: discoverer}
	o := New(store, runnerWithNoHosts)

	scanID := uuid.New()
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusPending))
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusPending))
	mock.ExpectExec("UPDATE scans SET status").WithArgs(scanID, db.ScanStatusRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO artifacts").WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusRunning))
	mock.ExpectExec("UPDATE scans SET status").WithArgs(scanID, db.ScanStatusCompleted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.Execute(context.Background(), scanID, []string{"10.0.0.0/30"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// noHostRunner discovers no live hosts, used to exercise Execute's
// empty-discovery short-circuit to finalize.
type noHostRunner struct {
	*fakeRunner
}

func (n *noHostRunner) Discover(_ context.Context, _, scanID string) (string, []string, error) {
	path := filepath.Join(n.dir, fmt.Sprintf("scan_%s_discovery.xml", scanID))
	const xmlBody = `<?xml version="1.0"?><nmaprun></nmaprun>`
	if err := os.WriteFile(path, []byte(xmlBody), 0o600); err != nil {
		return "", nil, err
	}
	return path, nil, nil
}

func TestExecuteHappyPathPersistsSurvivingHost(t *testing.T) {
	store, mock := newMockStore(t)
	fr := newFakeRunner(t)
	o := New(store, fr)

	scanID := uuid.New()
	hostID := uuid.New()

	// GetByID guard, then UpdateStatus(running) re-reads and writes.
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusPending))
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusPending))
	mock.ExpectExec("UPDATE scans SET status").WithArgs(scanID, db.ScanStatusRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// runDiscovery: one network.
	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO artifacts").WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))

	// createPendingHosts.
	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO hosts").WillReturnResult(sqlmock.NewResult(0, 1))

	// parallelism: no setting row, falls back to default.
	mock.ExpectQuery("SELECT \\* FROM settings WHERE key").WillReturnError(sql.ErrNoRows)

	// enumerateOneHost.
	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(hostRows(hostID, "10.0.0.5"))
	mock.ExpectExec("UPDATE hosts SET scan_status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE hosts SET scan_progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE hosts SET").WillReturnResult(sqlmock.NewResult(0, 1)) // UpdateEnumeration
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ports").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE hosts SET scan_status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))

	// persist: survivor found, upserted, not deleted.
	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(hostRows(hostID, "10.0.0.5"))
	mock.ExpectExec("UPDATE hosts SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(hostRows(hostID, "10.0.0.5"))

	// generateReports.
	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(hostRows(hostID, "10.0.0.5"))
	mock.ExpectQuery("SELECT \\* FROM ports WHERE host_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "host_id", "port", "protocol"}).AddRow(uuid.New(), hostID, 22, "tcp"))
	// HTML, XLSX and DOT are never skipped; PNG/SVG depend on whether a
	// graphviz "dot" binary is on PATH, so no expectation is registered for
	// them — if they run, the unmatched Artifacts.Create call surfaces as an
	// error generateReports logs and swallows, which Execute tolerates too.
	mock.ExpectQuery("INSERT INTO artifacts").WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO artifacts").WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO artifacts").WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	// finalize.
	mock.ExpectExec("UPDATE scans SET progress_percent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM scans WHERE id").WithArgs(scanID).
		WillReturnRows(scanRows(scanID, db.ScanStatusRunning))
	mock.ExpectExec("UPDATE scans SET status").WithArgs(scanID, db.ScanStatusCompleted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.Execute(context.Background(), scanID, []string{"10.0.0.0/30"})
	require.NoError(t, err)
}

func TestPersistDeletesNonSurvivingHosts(t *testing.T) {
	store, mock := newMockStore(t)
	o := New(store, newFakeRunner(t))

	scanID := uuid.New()
	staleHostID := uuid.New()

	// No survivors: everything discovered lacked enough signal.
	survivors := []parsedHost{{Host: runner.Host{IP: "10.0.0.9"}, source: "x.xml"}}

	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(hostRows(staleHostID, "10.0.0.9"))
	mock.ExpectExec("DELETE FROM hosts").WithArgs(staleHostID).WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.persist(context.Background(), scanID, survivors)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistKeepsSurvivingHostsAndDeletesOthers(t *testing.T) {
	store, mock := newMockStore(t)
	o := New(store, newFakeRunner(t))

	scanID := uuid.New()
	goodID := uuid.New()
	badID := uuid.New()

	survivors := []parsedHost{
		{Host: runner.Host{IP: "10.0.0.5", OS: "Linux", MAC: "AA:BB:CC:DD:EE:FF", Ports: []runner.Port{{Number: 22}}}},
	}

	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(hostRows(goodID, "10.0.0.5"))
	mock.ExpectExec("UPDATE hosts SET").WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows([]string{"id", "scan_id", "ip", "scan_status", "is_vm", "scan_progress_percent", "ports_discovered"}).
		AddRow(goodID, uuid.New(), "10.0.0.5", db.HostScanStatusCompleted, false, 100, 1).
		AddRow(badID, uuid.New(), "10.0.0.9", db.HostScanStatusCompleted, false, 100, 0)
	mock.ExpectQuery("SELECT \\* FROM hosts WHERE scan_id").WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM hosts").WithArgs(badID).WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.persist(context.Background(), scanID, survivors)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasEnoughSignalBoundary(t *testing.T) {
	cases := []struct {
		name string
		host runner.Host
		want bool
	}{
		{"nothing", runner.Host{}, false},
		{"ports only", runner.Host{Ports: []runner.Port{{Number: 22}}}, true},
		{"os only", runner.Host{OS: "Linux"}, true},
		{"mac only", runner.Host{MAC: "AA:BB:CC:DD:EE:FF"}, true},
		{"ports and os, no mac", runner.Host{Ports: []runner.Port{{Number: 22}}, OS: "Linux"}, true},
		{"all three", runner.Host{Ports: []runner.Port{{Number: 22}}, OS: "Linux", MAC: "AA:BB:CC:DD:EE:FF"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, hasEnoughSignal(tc.host))
		})
	}
}

func TestReconcileDedupesByIPKeepingMostPorts(t *testing.T) {
	store, _ := newMockStore(t)
	o := New(store, newFakeRunner(t))
	dir := t.TempDir()

	fewPorts := filepath.Join(dir, "discovery.xml")
	require.NoError(t, os.WriteFile(fewPorts, []byte(`<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
  </host>
</nmaprun>`), 0o600))

	morePorts := filepath.Join(dir, "enum.xml")
	require.NoError(t, os.WriteFile(morePorts, []byte(`<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <ports>
      <port protocol="tcp" portid="22"><state state="open"/><service name="ssh"/></port>
      <port protocol="tcp" portid="80"><state state="open"/><service name="http"/></port>
    </ports>
  </host>
</nmaprun>`), 0o600))

	survivors, err := o.reconcile(context.Background(), []string{fewPorts, morePorts})
	require.NoError(t, err)
	require.Len(t, survivors, 1)
	assert.Equal(t, "10.0.0.5", survivors[0].IP)
	assert.Len(t, survivors[0].Ports, 2)
}

func TestReconcileSkipsUnparsableArtifacts(t *testing.T) {
	store, _ := newMockStore(t)
	o := New(store, newFakeRunner(t))

	survivors, err := o.reconcile(context.Background(), []string{"/nonexistent/path.xml"})
	require.NoError(t, err)
	assert.Empty(t, survivors)
}

func TestPoolRunsAtMostWidthConcurrently(t *testing.T) {
	const width = 3
	var current int32
	var maxSeen int32
	var mu sync.Mutex

	p := newPool(width, func(ctx context.Context, ip string) (string, error) {
		n := atomic.AddInt32(&current, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return ip, nil
	})

	ips := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		ips = append(ips, net.IPv4(10, 0, 0, byte(i+1)).String())
	}

	results := p.run(context.Background(), ips)
	require.Len(t, results, len(ips))
	assert.LessOrEqual(t, int(maxSeen), width)
	assert.GreaterOrEqual(t, int(maxSeen), 1)
}

func TestPoolDefaultsWidthToOne(t *testing.T) {
	p := newPool(0, func(ctx context.Context, ip string) (string, error) { return ip, nil })
	assert.Equal(t, 1, p.width)
}

func TestParallelismClampsToBounds(t *testing.T) {
	store, mock := newMockStore(t)
	o := New(store, newFakeRunner(t))

	mock.ExpectQuery("SELECT \\* FROM settings WHERE key").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow(db.SettingScanParallelism, "999"))

	got := o.parallelism(context.Background())
	assert.Equal(t, maxParallelism, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
