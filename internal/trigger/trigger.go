// Package trigger holds the in-memory set of cron-timed jobs, each driving
// a robfig/cron/v3 timer that calls back into the Controller.
package trigger

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/user/cronweb"
)

type entry struct {
	job     cronweb.CronJob
	entryID cron.EntryID
	armed   bool
}

// newUUID returns a 32-char hex id (uuid4().hex form), matching the
// documented DATA MODEL format for job uuid and shot_id alike.
func newUUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// CronTrigger implements cronweb.Trigger on top of robfig/cron/v3, the same
// library gsoultan-Hermod's pkg/source/cron wraps for its single-shot
// CronSource — generalized here to a full multi-job registry.
type CronTrigger struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*entry
	shooter cronweb.ShooterFunc
	logger  cronweb.Logger
}

// New creates a CronTrigger and starts its internal scheduler goroutine.
// shooter is invoked, off the scheduler goroutine, whenever an armed job
// fires or TriggerManual is called.
func New(shooter cronweb.ShooterFunc, logger cronweb.Logger) *CronTrigger {
	t := &CronTrigger{
		cron:    cron.New(),
		jobs:    make(map[string]*entry),
		shooter: shooter,
		logger:  logger,
	}
	t.cron.Start()
	return t
}

func (t *CronTrigger) CronIsValid(cronExp string) bool {
	_, err := cron.ParseStandard(cronExp)
	return err == nil
}

// AddJob registers a new job. If uuid is empty one is generated. If uuid is
// non-empty and already registered, AddJob defers to UpdateJob when update
// is true, otherwise it fails with a duplicate error.
func (t *CronTrigger) AddJob(cronExp, command, param, dateCreate, dateUpdate, id, name string, active, update bool) (*cronweb.CronJob, error) {
	if !t.CronIsValid(cronExp) {
		return nil, fmt.Errorf("trigger: invalid cron expression %q", cronExp)
	}

	t.mu.Lock()
	if id != "" {
		if _, exists := t.jobs[id]; exists {
			t.mu.Unlock()
			if update {
				return t.UpdateJob(id, cronExp, command, param, name, active)
			}
			return nil, fmt.Errorf("trigger: job %s already exists", id)
		}
	} else {
		id = newUUID()
	}
	if dateCreate == "" {
		dateCreate = time.Now().Format(time.RFC3339Nano)
	}
	if dateUpdate == "" {
		dateUpdate = dateCreate
	}

	e := &entry{job: cronweb.CronJob{
		UUID: id, CronExp: cronExp, Command: command, Param: param, Name: name,
		DateCreate: dateCreate, DateUpdate: dateUpdate, Active: active,
	}}
	t.jobs[id] = e
	t.mu.Unlock()

	if active {
		if err := t.arm(e); err != nil {
			return nil, err
		}
	}

	job := e.job
	return &job, nil
}

// UpdateJob removes and re-adds the job, preserving DateCreate.
func (t *CronTrigger) UpdateJob(id, cronExp, command, param, name string, active bool) (*cronweb.CronJob, error) {
	t.mu.Lock()
	existing, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("trigger: job %s not found", id)
	}
	dateCreate := existing.job.DateCreate
	t.mu.Unlock()

	t.RemoveJob(id)
	return t.AddJob(cronExp, command, param, dateCreate, time.Now().Format(time.RFC3339Nano), id, name, active, false)
}

func (t *CronTrigger) RemoveJob(id string) *cronweb.CronJob {
	t.mu.Lock()
	e, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.jobs, id)
	t.mu.Unlock()

	t.disarm(e)
	job := e.job
	return &job
}

func (t *CronTrigger) StopJob(id string) error {
	t.mu.Lock()
	e, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger: job %s not found", id)
	}
	t.disarm(e)
	t.mu.Lock()
	e.job.Active = false
	t.mu.Unlock()
	return nil
}

func (t *CronTrigger) StartJob(id string) error {
	t.mu.Lock()
	e, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger: job %s not found", id)
	}
	t.mu.Lock()
	e.job.Active = true
	t.mu.Unlock()
	return t.arm(e)
}

func (t *CronTrigger) StopAll() {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		t.disarm(e)
	}
}

func (t *CronTrigger) GetJobs() map[string]*cronweb.CronJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*cronweb.CronJob, len(t.jobs))
	for id, e := range t.jobs {
		job := e.job
		out[id] = &job
	}
	return out
}

// TriggerManual fires the job immediately, out of schedule, without
// blocking the caller.
func (t *CronTrigger) TriggerManual(id string) error {
	t.mu.Lock()
	e, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger: job %s not found", id)
	}
	job := e.job
	go t.shooter(job.Command, job.Param, job.UUID, job.Name, cronweb.JobTypeManual)
	return nil
}

// arm installs the robfig/cron timer for e; firings call the shooter in
// their own goroutine so they never chain-block the scheduler.
func (t *CronTrigger) arm(e *entry) error {
	t.mu.Lock()
	if e.armed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	entryID, err := t.cron.AddFunc(e.job.CronExp, func() {
		t.mu.Lock()
		job := e.job
		t.mu.Unlock()
		go t.shooter(job.Command, job.Param, job.UUID, job.Name, cronweb.JobTypeSchedule)
	})
	if err != nil {
		return fmt.Errorf("trigger: schedule %s: %w", e.job.UUID, err)
	}

	t.mu.Lock()
	e.entryID = entryID
	e.armed = true
	t.mu.Unlock()
	return nil
}

func (t *CronTrigger) disarm(e *entry) {
	t.mu.Lock()
	if !e.armed {
		t.mu.Unlock()
		return
	}
	id := e.entryID
	e.armed = false
	t.mu.Unlock()
	t.cron.Remove(id)
}

// Stop shuts down the underlying cron scheduler. Not part of the
// cronweb.Trigger interface (Controller drives shutdown via StopAll); kept
// for tests that need a clean exit from the robfig/cron goroutine.
func (t *CronTrigger) Stop() {
	t.cron.Stop()
}
