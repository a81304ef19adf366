// Package scheduler provides job scheduling and execution functionality for
// the network scanner. It mirrors enabled Schedule rows into an in-memory
// cron table, fires scans on their configured cadence through the
// orchestrator, and runs two fixed maintenance jobs: scan retention and the
// stuck-scan watchdog sweep.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/logging"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
	"github.com/bryankemp/network-scanner/internal/watchdog"
)

const (
	retentionCronExpr = "0 2 * * *"
	watchdogCronExpr  = "*/10 * * * *"
)

// Scheduler mirrors enabled Schedule rows into a cron table and fires their
// scans through the orchestrator on cadence. It also owns the retention and
// watchdog maintenance jobs.
type Scheduler struct {
	schedules    *db.ScheduleRepository
	scans        *db.ScanRepository
	settings     *db.SettingRepository
	orchestrator *orchestrator.Orchestrator
	store        *orchestrator.Store
	logger       *logging.Logger

	cron *cron.Cron
	jobs map[uuid.UUID]cron.EntryID
	mu   sync.RWMutex

	retentionJobID cron.EntryID
	watchdogJobID  cron.EntryID
	running        bool
}

// New creates a scheduler. store is used by the watchdog sweep job; the
// other repositories and the orchestrator drive schedule-triggered scans.
func New(
	schedules *db.ScheduleRepository,
	scans *db.ScanRepository,
	settings *db.SettingRepository,
	orch *orchestrator.Orchestrator,
	store *orchestrator.Store,
) *Scheduler {
	return &Scheduler{
		schedules:    schedules,
		scans:        scans,
		settings:     settings,
		orchestrator: orch,
		store:        store,
		logger:       logging.Default(),
		cron:         cron.New(),
		jobs:         make(map[uuid.UUID]cron.EntryID),
	}
}

// Start loads every enabled schedule into the cron table, registers the
// retention and watchdog jobs, and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading enabled schedules: %w", err)
	}
	for _, schedule := range enabled {
		if err := s.register(schedule); err != nil {
			s.logger.ErrorScheduler("failed to register schedule", err, "schedule_id", schedule.ID)
		}
	}

	retentionID, err := s.cron.AddFunc(retentionCronExpr, s.runRetention)
	if err != nil {
		return fmt.Errorf("registering retention job: %w", err)
	}
	s.retentionJobID = retentionID

	watchdogID, err := s.cron.AddFunc(watchdogCronExpr, s.runWatchdog)
	if err != nil {
		return fmt.Errorf("registering watchdog job: %w", err)
	}
	s.watchdogJobID = watchdogID

	s.cron.Start()
	s.running = true
	s.logger.InfoScheduler("scheduler started", "schedules", len(enabled))
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job callback to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.InfoScheduler("scheduler stopped")
}

// Add registers a newly created schedule in the cron table, if enabled. It
// is a no-op for a disabled schedule so the caller can call it
// unconditionally after create.
func (s *Scheduler) Add(schedule *db.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !schedule.Enabled {
		return nil
	}
	return s.register(schedule)
}

// Update re-registers a schedule: the previous cron entry, if any, is
// removed before the (possibly changed) cron expression is re-added. A
// disabled schedule is simply removed from the table.
func (s *Scheduler) Update(schedule *db.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(schedule.ID)
	if !schedule.Enabled {
		return nil
	}
	return s.register(schedule)
}

// Remove drops a deleted schedule's cron entry.
func (s *Scheduler) Remove(scheduleID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(scheduleID)
}

// register must be called with s.mu held.
func (s *Scheduler) register(schedule *db.Schedule) error {
	id := schedule.ID
	entryID, err := s.cron.AddFunc(schedule.CronExpression, func() {
		s.trigger(id)
	})
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", schedule.CronExpression, err)
	}
	s.jobs[id] = entryID
	return nil
}

func (s *Scheduler) unregisterLocked(scheduleID uuid.UUID) {
	if entryID, ok := s.jobs[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, scheduleID)
	}
}

// trigger fires a schedule's scan on its cron cadence. It reloads the
// schedule first so a since-disabled or since-deleted schedule is
// respected even though its cron entry has not yet been torn down.
func (s *Scheduler) trigger(scheduleID uuid.UUID) {
	ctx := context.Background()

	schedule, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		s.logger.ErrorScheduler("failed to load triggered schedule", err, "schedule_id", scheduleID)
		return
	}
	if !schedule.Enabled {
		return
	}

	networks := splitNetworks(schedule.NetworkRange)
	scan := &db.Scan{NetworkRange: schedule.NetworkRange, ScheduleID: &schedule.ID}
	if err := s.scans.Create(ctx, scan); err != nil {
		s.logger.ErrorScheduler("failed to create scheduled scan", err, "schedule_id", scheduleID)
		return
	}

	scanID := scan.ID
	s.logger.InfoScheduler("cron fired schedule", "schedule_id", scheduleID, "scan_id", scanID)

	go func() {
		if err := s.orchestrator.Execute(context.Background(), scanID, networks); err != nil {
			s.logger.ErrorScheduler("scheduled scan execution failed", err, "scan_id", scanID)
		}
	}()

	now := time.Now().UTC()
	var next *time.Time
	if sched, err := cron.ParseStandard(schedule.CronExpression); err == nil {
		t := sched.Next(now)
		next = &t
	}
	if err := s.schedules.UpdateRunTimes(ctx, scheduleID, &now, next); err != nil {
		s.logger.ErrorScheduler("failed to record schedule run time", err, "schedule_id", scheduleID)
	}
}

// runRetention deletes completed, failed and cancelled scans (and their
// cascaded hosts, ports, traceroutes, and artifact rows) that finished
// before the configured retention window, clamped to 1..365 days. Artifact
// files on disk are left in place.
func (s *Scheduler) runRetention() {
	ctx := context.Background()
	days := s.settings.GetIntOrDefault(ctx, db.SettingRetentionDays, defaultRetentionDays)
	if days < minRetentionDays {
		days = minRetentionDays
	}
	if days > maxRetentionDays {
		days = maxRetentionDays
	}

	deleted, err := s.scans.DeleteOlderThan(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		s.logger.ErrorScheduler("retention sweep failed", err, "retention_days", days)
		return
	}
	if deleted > 0 {
		s.logger.InfoScheduler("retention sweep removed scans", "count", deleted, "retention_days", days)
	}
}

// runWatchdog fails scans that have stopped making progress and kills any
// nmap subprocess still attached to them.
func (s *Scheduler) runWatchdog() {
	ctx := context.Background()
	fixed, err := watchdog.Sweep(ctx, s.store)
	if err != nil {
		s.logger.ErrorScheduler("watchdog sweep failed", err)
		return
	}
	if fixed > 0 {
		s.logger.InfoScheduler("watchdog sweep fixed stuck scans", "count", fixed)
	}
}

const (
	defaultRetentionDays = 90
	minRetentionDays     = 1
	maxRetentionDays     = 365
)

func splitNetworks(networkRange string) []string {
	return strings.Split(networkRange, ",")
}
