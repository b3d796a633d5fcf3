// Package cronweb defines the core types and collaborator interfaces shared
// by the scheduler/executor triad: Storage, LogSink, Trigger, Worker and the
// Controller that owns them.
package cronweb

import (
	"context"
	"time"
)

// JobState is the lifecycle state of a single shot.
type JobState int

const (
	// StateRunning is the only non-terminal state; a shot starts here and
	// transitions exactly once to a terminal state.
	StateRunning JobState = iota
	StateDone
	StateError
	StateKilled
	// StateUnknown is reserved for shots job_check finds RUNNING in Storage
	// but absent from the Worker's running set (crash recovery).
	StateUnknown
)

func (s JobState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	case StateKilled:
		return "KILLED"
	case StateUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseJobState parses a state string as stored in job_logs.state.
func ParseJobState(s string) JobState {
	switch s {
	case "RUNNING":
		return StateRunning
	case "DONE":
		return StateDone
	case "ERROR":
		return StateError
	case "KILLED":
		return StateKilled
	default:
		return StateUnknown
	}
}

// JobType classifies why a shot fired, carried through to the webhook payload.
type JobType string

const (
	JobTypeSchedule JobType = "SCHEDULE"
	JobTypeManual   JobType = "MANUAL"
	JobTypeRetry    JobType = "RETRY"
)

// Job is a persistently registered scheduled command.
type Job struct {
	UUID       string
	CronExp    string
	Command    string
	Param      string
	Name       string
	DateCreate string
	DateUpdate string
	Active     bool
}

// Shot is one execution attempt of a Job.
type Shot struct {
	ShotID    string
	UUID      string
	State     JobState
	LogPath   string
	DateStart string
	DateEnd   *string
	Deleted   bool
}

// RunningShot describes an in-flight shot as tracked by the Worker.
type RunningShot struct {
	UUID      string
	DateStart string
}

// Logger is the structured logging surface every component depends on.
// Concrete implementations wrap zerolog (see internal/logging).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Storage is the durable store of jobs and shots.
type Storage interface {
	GetJob(ctx context.Context, uuid string) (*Job, error)
	GetAllJobs(ctx context.Context) ([]*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	RemoveJob(ctx context.Context, uuid string) (string, error)
	UpdateJobState(ctx context.Context, uuid string, active bool) error

	JobLogShoot(ctx context.Context, logPath string, shot *Shot) error
	JobLogDone(ctx context.Context, shotID string, state JobState, dateEnd string) error
	JobLogGetRecord(ctx context.Context, shotID string) (*Shot, error)
	JobLogsGetByUUID(ctx context.Context, uuid string) ([]*Shot, error)
	JobLogsGetByState(ctx context.Context, state JobState) ([]*Shot, error)
	JobLogsGetAll(ctx context.Context) ([]*Shot, error)
	JobLogsGetDeleted(ctx context.Context) ([]*Shot, error)
	JobLogsGetUndeleted(ctx context.Context, limit int) ([]*Shot, error)
	JobLogsSetDeleted(ctx context.Context, uuid string) error
	JobLogsRemoveShotIDs(ctx context.Context, shotIDs []string) error
	JobLogsRemoveExpired(ctx context.Context, cutoff time.Time) (int, error)

	Stop() error
}

// LogSink owns the per-shot log files.
type LogSink interface {
	OpenShot(uuid, shotID string, idleTimeout time.Duration) (chan<- string, string, error)
	ReadLogByPath(path string, limitLines int) (*string, error)
	RemoveLogFile(path string) (*string, error)
	GetAllLogFilePaths() ([]string, error)
}

// LogStop is the sentinel value a shot's log writer interprets as "close now".
const LogStop = "\x00__cronweb_log_stop__\x00"

// CronJob is the Trigger's in-memory record of a scheduled job.
type CronJob struct {
	UUID       string
	CronExp    string
	Command    string
	Param      string
	Name       string
	DateCreate string
	DateUpdate string
	Active     bool
}

// Trigger is the in-memory set of cron timers.
type Trigger interface {
	AddJob(cronExp, command, param, dateCreate, dateUpdate, uuid, name string, active, update bool) (*CronJob, error)
	UpdateJob(uuid, cronExp, command, param, name string, active bool) (*CronJob, error)
	RemoveJob(uuid string) *CronJob
	StopJob(uuid string) error
	StartJob(uuid string) error
	StopAll()
	CronIsValid(cronExp string) bool
	GetJobs() map[string]*CronJob
	TriggerManual(uuid string) error
}

// ShooterFunc is invoked by the Trigger (and by TriggerManual) whenever a job fires.
type ShooterFunc func(command, param, uuid, name string, jobType JobType)

// Worker executes subprocesses on behalf of the Controller.
type Worker interface {
	Shoot(ctx context.Context, command, param, uuid string, timeout time.Duration, name string, jobType JobType)
	GetRunningJobs() map[string]RunningShot
	KillByShotID(shotID string) (string, bool)
	KillAllRunningJobs() map[string]string
	Stop()
}

// HookHost runs user hooks and webhook dispatch off the main scheduling path.
type HookHost interface {
	RunCoroutine(ctx context.Context, task func(ctx context.Context) error, timeout time.Duration)
	Stop()
}
