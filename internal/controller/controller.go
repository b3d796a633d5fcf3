// Package controller composes Storage, LogSink, Trigger and Worker behind
// the operation surface the HTTP layer calls into, and implements the
// reconciliation protocols that keep the four collaborators in agreement.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/cronweb"
)

const (
	expireCheckDays  = 30
	periodicHour     = 3
	periodicMinute   = 9
	periodicSecond   = 4
	defaultIdleRead  = 1800 * time.Second
	reconcilePeriod  = 24 * time.Hour
)

// Controller owns one instance each of Storage, Trigger, Worker and LogSink.
type Controller struct {
	storage cronweb.Storage
	trigger cronweb.Trigger
	worker  cronweb.Worker
	logSink cronweb.LogSink
	logger  cronweb.Logger

	mu          sync.Mutex
	timerCancel context.CancelFunc
}

// New wires the four collaborators together and runs initial job_check so
// that jobs persisted before this process started are loaded into Trigger.
func New(storage cronweb.Storage, trigger cronweb.Trigger, worker cronweb.Worker, logSink cronweb.LogSink, logger cronweb.Logger) (*Controller, error) {
	c := &Controller{storage: storage, trigger: trigger, worker: worker, logSink: logSink, logger: logger}
	if err := c.JobCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("controller: initial job_check: %w", err)
	}
	return c, nil
}

// StartPeriodicTimer schedules the first expiry/log sweep at the next local
// 03:09:04 and reschedules every 24h thereafter, until ctx is cancelled or
// Shutdown runs.
func (c *Controller) StartPeriodicTimer(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.timerCancel = cancel
	c.mu.Unlock()

	go c.periodicLoop(ctx)
}

func (c *Controller) periodicLoop(ctx context.Context) {
	wait := time.Until(nextPeriodicFireTime(time.Now()))
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n, err := c.LogExpireCheck(ctx, expireCheckDays); err != nil {
				c.logger.Error("log_expire_check failed", "error", err)
			} else {
				c.logger.Info("log_expire_check completed", "removed", n)
			}
			if err := c.LogCheck(ctx); err != nil {
				c.logger.Error("log_check failed", "error", err)
			}
			timer.Reset(reconcilePeriod)
		}
	}
}

func nextPeriodicFireTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), periodicHour, periodicMinute, periodicSecond, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// AddJob writes through Trigger first (which validates), then Storage.
func (c *Controller) AddJob(ctx context.Context, cronExp, command, param, name string, active bool) (*cronweb.Job, error) {
	cronJob, err := c.trigger.AddJob(cronExp, command, param, "", "", "", name, active, false)
	if err != nil {
		return nil, err
	}

	job := &cronweb.Job{
		UUID: cronJob.UUID, CronExp: cronJob.CronExp, Command: cronJob.Command,
		Param: cronJob.Param, Name: cronJob.Name,
		DateCreate: cronJob.DateCreate, DateUpdate: cronJob.DateUpdate, Active: cronJob.Active,
	}
	if err := c.storage.SaveJob(ctx, job); err != nil {
		c.trigger.RemoveJob(cronJob.UUID)
		return nil, err
	}
	return job, nil
}

// UpdateJob writes through Trigger then Storage.
func (c *Controller) UpdateJob(ctx context.Context, id, cronExp, command, param, name string, active bool) (*cronweb.Job, error) {
	cronJob, err := c.trigger.UpdateJob(id, cronExp, command, param, name, active)
	if err != nil {
		return nil, err
	}

	job := &cronweb.Job{
		UUID: cronJob.UUID, CronExp: cronJob.CronExp, Command: cronJob.Command,
		Param: cronJob.Param, Name: cronJob.Name,
		DateCreate: cronJob.DateCreate, DateUpdate: cronJob.DateUpdate, Active: cronJob.Active,
	}
	if _, err := c.storage.RemoveJob(ctx, id); err != nil {
		return nil, err
	}
	if err := c.storage.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RemoveJob writes through Trigger then Storage, and soft-deletes the job's
// shot logs.
func (c *Controller) RemoveJob(ctx context.Context, id string) (string, error) {
	c.trigger.RemoveJob(id)
	removedUUID, err := c.storage.RemoveJob(ctx, id)
	if err != nil {
		return "", err
	}
	if removedUUID == "" {
		return "", nil
	}
	if err := c.storage.JobLogsSetDeleted(ctx, removedUUID); err != nil {
		c.logger.Error("failed to soft-delete shot logs for removed job", "uuid", removedUUID, "error", err)
	}
	return removedUUID, nil
}

// UpdateJobState toggles a job's active flag, writing through Trigger then
// Storage.
func (c *Controller) UpdateJobState(ctx context.Context, id string, active bool) error {
	var err error
	if active {
		err = c.trigger.StartJob(id)
	} else {
		err = c.trigger.StopJob(id)
	}
	if err != nil {
		return err
	}
	return c.storage.UpdateJobState(ctx, id, active)
}

// TriggerManual fires a job immediately, out of schedule.
func (c *Controller) TriggerManual(id string) error {
	return c.trigger.TriggerManual(id)
}

// GetJobs returns Storage's authoritative job set.
func (c *Controller) GetJobs(ctx context.Context) ([]*cronweb.Job, error) {
	return c.storage.GetAllJobs(ctx)
}

// GetRunningJobs returns the Worker's in-flight shot snapshot.
func (c *Controller) GetRunningJobs() map[string]cronweb.RunningShot {
	return c.worker.GetRunningJobs()
}

// KillRunningJob kills one in-flight shot.
func (c *Controller) KillRunningJob(shotID string) (string, bool) {
	return c.worker.KillByShotID(shotID)
}

// GetLogs returns undeleted shot records, optionally limited.
func (c *Controller) GetLogs(ctx context.Context, limit int) ([]*cronweb.Shot, error) {
	return c.storage.JobLogsGetUndeleted(ctx, limit)
}

// GetJobLogs returns every shot for a given job uuid.
func (c *Controller) GetJobLogs(ctx context.Context, id string) ([]*cronweb.Shot, error) {
	return c.storage.JobLogsGetByUUID(ctx, id)
}

// GetLogContent returns the line-limited contents of a shot's log file.
func (c *Controller) GetLogContent(ctx context.Context, shotID string, limitLines int) (*string, error) {
	rec, err := c.storage.JobLogGetRecord(ctx, shotID)
	if err != nil {
		return nil, err
	}
	return c.logSink.ReadLogByPath(rec.LogPath, limitLines)
}

// JobCheck is the three-way reconciliation between Trigger, Storage and the
// Worker's running set (spec §4.5.1).
func (c *Controller) JobCheck(ctx context.Context) error {
	triggerJobs := c.trigger.GetJobs()
	storedJobs, err := c.storage.GetAllJobs(ctx)
	if err != nil {
		return fmt.Errorf("job_check: load jobs: %w", err)
	}

	storedByUUID := make(map[string]*cronweb.Job, len(storedJobs))
	for _, j := range storedJobs {
		storedByUUID[j.UUID] = j
	}

	// Step 1: S \ T — jobs persisted before this process started, or lost
	// from memory. Load them into Trigger with their full persisted record.
	for uuid, job := range storedByUUID {
		if _, inTrigger := triggerJobs[uuid]; !inTrigger {
			if _, err := c.trigger.AddJob(job.CronExp, job.Command, job.Param, job.DateCreate, job.DateUpdate, job.UUID, job.Name, job.Active, false); err != nil {
				c.logger.Error("job_check: failed to load persisted job into trigger", "uuid", uuid, "error", err)
			}
		}
	}

	// Step 2: T \ S — defensive; should not occur under correct write-through.
	for uuid := range triggerJobs {
		if _, inStorage := storedByUUID[uuid]; !inStorage {
			c.trigger.RemoveJob(uuid)
		}
	}

	// Step 3: persisted pauses override memory.
	for uuid, job := range storedByUUID {
		if !job.Active {
			if err := c.trigger.StopJob(uuid); err != nil {
				c.logger.Warn("job_check: failed to stop paused job", "uuid", uuid, "error", err)
			}
		}
	}

	// Step 4: shots RUNNING in Storage but absent from Worker's running set
	// crashed mid-shot; mark them UNKNOWN.
	runningShots, err := c.storage.JobLogsGetByState(ctx, cronweb.StateRunning)
	if err != nil {
		return fmt.Errorf("job_check: load running shots: %w", err)
	}
	workerRunning := c.worker.GetRunningJobs()
	for _, shot := range runningShots {
		if _, inWorker := workerRunning[shot.ShotID]; !inWorker {
			if err := c.storage.JobLogDone(ctx, shot.ShotID, cronweb.StateUnknown, time.Now().Format(time.RFC3339Nano)); err != nil {
				c.logger.Error("job_check: failed to mark crashed shot UNKNOWN", "shot_id", shot.ShotID, "error", err)
			}
		}
	}

	return nil
}

// LogCheck reconciles orphan shot records and orphan log files (spec §4.5.2).
func (c *Controller) LogCheck(ctx context.Context) error {
	allShots, err := c.storage.JobLogsGetAll(ctx)
	if err != nil {
		return fmt.Errorf("log_check: load shots: %w", err)
	}

	currentJobs, err := c.storage.GetAllJobs(ctx)
	if err != nil {
		return fmt.Errorf("log_check: load jobs: %w", err)
	}
	currentUUIDs := make(map[string]bool, len(currentJobs))
	for _, j := range currentJobs {
		currentUUIDs[j.UUID] = true
	}

	var toRemove []string
	remaining := make(map[string]bool, len(allShots))
	for _, shot := range allShots {
		if !currentUUIDs[shot.UUID] {
			toRemove = append(toRemove, shot.ShotID)
			continue
		}
		if shot.Deleted {
			toRemove = append(toRemove, shot.ShotID)
			continue
		}
		remaining[shot.ShotID] = true
	}
	if len(toRemove) > 0 {
		if err := c.storage.JobLogsRemoveShotIDs(ctx, toRemove); err != nil {
			return fmt.Errorf("log_check: remove invalid/deleted shots: %w", err)
		}
	}

	paths, err := c.logSink.GetAllLogFilePaths()
	if err != nil {
		return fmt.Errorf("log_check: enumerate log files: %w", err)
	}
	for _, path := range paths {
		shotID, ok := shotIDFromLogPath(path)
		if !ok || remaining[shotID] {
			continue
		}
		if _, err := c.logSink.RemoveLogFile(path); err != nil {
			c.logger.Warn("log_check: failed to remove orphan log file", "path", path, "error", err)
		}
	}

	return nil
}

// shotIDFromLogPath parses the shot_id segment from a
// "<ms_epoch>-<shot_id>.log" path without importing internal/logsink.
func shotIDFromLogPath(path string) (string, bool) {
	base := path
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' || base[i] == '\\' {
			base = base[i+1:]
			break
		}
	}
	const suffix = ".log"
	if len(base) <= len(suffix) || base[len(base)-len(suffix):] != suffix {
		return "", false
	}
	base = base[:len(base)-len(suffix)]
	idx := -1
	for i := 0; i < len(base); i++ {
		if base[i] == '-' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(base)-1 {
		return "", false
	}
	return base[idx+1:], true
}

// LogExpireCheck hard-deletes shot records whose date_end predates the
// cutoff implied by days (spec §4.5.3).
func (c *Controller) LogExpireCheck(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return c.storage.JobLogsRemoveExpired(ctx, cutoff)
}

// Shutdown performs the orderly shutdown sequence: cancel the periodic
// timer, stop all Trigger timers, kill all running shots, run a final
// job_check, then close Storage.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.timerCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.trigger.StopAll()
	c.worker.KillAllRunningJobs()
	c.worker.Stop()

	if err := c.JobCheck(ctx); err != nil {
		c.logger.Error("shutdown: final job_check failed", "error", err)
	}

	return c.storage.Stop()
}
