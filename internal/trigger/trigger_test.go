package trigger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/user/cronweb"
	"github.com/user/cronweb/internal/logging"
)

type shotCall struct {
	command, param, uuid, name string
	jobType                    cronweb.JobType
}

func newTestTrigger() (*CronTrigger, *sync.Mutex, *[]shotCall) {
	var mu sync.Mutex
	var calls []shotCall
	trig := New(func(command, param, uuid, name string, jobType cronweb.JobType) {
		mu.Lock()
		calls = append(calls, shotCall{command, param, uuid, name, jobType})
		mu.Unlock()
	}, logging.New())
	return trig, &mu, &calls
}

func TestCronIsValid(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	require.True(t, trig.CronIsValid("*/1 * * * *"))
	require.False(t, trig.CronIsValid("not a cron expression"))
}

func TestAddJobGeneratesUUIDAndArms(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	job, err := trig.AddJob("* * * * *", "echo hi", "", "", "", "", "job-a", true, false)
	require.NoError(t, err)
	require.NotEmpty(t, job.UUID)

	jobs := trig.GetJobs()
	require.Len(t, jobs, 1)
	require.Len(t, trig.cron.Entries(), 1, "an active job must have an armed cron entry")
}

func TestAddJobDuplicateUUIDFailsWithoutUpdate(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	_, err := trig.AddJob("* * * * *", "echo hi", "", "", "", "dup-1", "job-a", true, false)
	require.NoError(t, err)

	_, err = trig.AddJob("* * * * *", "echo bye", "", "", "", "dup-1", "job-b", true, false)
	require.Error(t, err)
}

func TestAddJobDuplicateUUIDWithUpdateDefersToUpdate(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	_, err := trig.AddJob("* * * * *", "echo hi", "", "", "", "dup-2", "job-a", true, false)
	require.NoError(t, err)

	updated, err := trig.AddJob("*/2 * * * *", "echo bye", "", "", "", "dup-2", "job-b", true, true)
	require.NoError(t, err)
	require.Equal(t, "echo bye", updated.Command)
	require.Equal(t, "*/2 * * * *", updated.CronExp)
}

func TestRemoveJobDisarmsAndReturnsRecord(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	job, err := trig.AddJob("* * * * *", "echo hi", "", "", "", "rm-1", "job-a", true, false)
	require.NoError(t, err)

	removed := trig.RemoveJob(job.UUID)
	require.NotNil(t, removed)
	require.Equal(t, job.UUID, removed.UUID)

	require.Nil(t, trig.RemoveJob(job.UUID))
	require.Empty(t, trig.GetJobs())
	require.Empty(t, trig.cron.Entries(), "removing a job must disarm its cron entry")
}

func TestStopJobAndStartJobToggleActive(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	job, err := trig.AddJob("* * * * *", "echo hi", "", "", "", "toggle-1", "job-a", true, false)
	require.NoError(t, err)

	require.NoError(t, trig.StopJob(job.UUID))
	require.False(t, trig.GetJobs()[job.UUID].Active)

	require.NoError(t, trig.StartJob(job.UUID))
	require.True(t, trig.GetJobs()[job.UUID].Active)
}

func TestStopAllDisarmsEveryJob(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	_, err := trig.AddJob("* * * * *", "echo a", "", "", "", "all-1", "a", true, false)
	require.NoError(t, err)
	_, err = trig.AddJob("* * * * *", "echo b", "", "", "", "all-2", "b", true, false)
	require.NoError(t, err)

	trig.StopAll()
	require.Len(t, trig.GetJobs(), 2, "StopAll disarms timers but keeps records")
	require.Empty(t, trig.cron.Entries(), "StopAll must leave no armed cron entry")
}

func TestTriggerManualInvokesShooterWithoutBlocking(t *testing.T) {
	trig, mu, calls := newTestTrigger()
	defer trig.Stop()

	job, err := trig.AddJob("0 0 1 1 *", "echo hi", "p1", "", "", "manual-1", "job-a", false, false)
	require.NoError(t, err)

	require.NoError(t, trig.TriggerManual(job.UUID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*calls) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, cronweb.JobTypeManual, (*calls)[0].jobType)
	require.Equal(t, "echo hi", (*calls)[0].command)
}

func TestTriggerManualUnknownJobFails(t *testing.T) {
	trig, _, _ := newTestTrigger()
	defer trig.Stop()

	require.Error(t, trig.TriggerManual("does-not-exist"))
}
