package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/user/cronweb"
	"github.com/user/cronweb/internal/logging"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cronweb.db")
	s, err := Open(dbPath, logging.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSaveJobDuplicateUUIDFails(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := &cronweb.Job{UUID: "abc123", CronExp: "* * * * *", Command: "echo hi",
		DateCreate: "2026-01-01T00:00:00Z", DateUpdate: "2026-01-01T00:00:00Z", Active: true}
	require.NoError(t, s.SaveJob(ctx, job))
	err := s.SaveJob(ctx, job)
	require.Error(t, err, "duplicate uuid must fail per invariant 1")
}

func TestGetAllJobsExcludesRemoved(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := &cronweb.Job{UUID: "job-1", CronExp: "* * * * *", Command: "echo hi",
		DateCreate: "2026-01-01T00:00:00Z", DateUpdate: "2026-01-01T00:00:00Z", Active: true}
	require.NoError(t, s.SaveJob(ctx, job))

	jobs, err := s.GetAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	removed, err := s.RemoveJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", removed)

	jobs, err = s.GetAllJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestJobLogShootDerivesDateStartFromLogPath(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ms := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli()
	logPath := filepath.Join("logs", fmt.Sprintf("%d-shot-abc.log", ms))

	shot := &cronweb.Shot{ShotID: "shot-abc", UUID: "job-1", State: cronweb.StateRunning}
	require.NoError(t, s.JobLogShoot(ctx, logPath, shot))

	rec, err := s.JobLogGetRecord(ctx, "shot-abc")
	require.NoError(t, err)
	require.Equal(t, cronweb.StateRunning, rec.State)

	parsed, err := time.Parse(time.RFC3339Nano, rec.DateStart)
	require.NoError(t, err)
	require.WithinDuration(t, time.UnixMilli(ms), parsed, time.Millisecond)
}

func TestJobLogDoneTransitionsStateOnce(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	shot := &cronweb.Shot{ShotID: "shot-1", UUID: "job-1", State: cronweb.StateRunning}
	require.NoError(t, s.JobLogShoot(ctx, "100-shot-1.log", shot))

	require.NoError(t, s.JobLogDone(ctx, "shot-1", cronweb.StateDone, "2026-01-01T00:00:01Z"))

	rec, err := s.JobLogGetRecord(ctx, "shot-1")
	require.NoError(t, err)
	require.Equal(t, cronweb.StateDone, rec.State)
	require.NotNil(t, rec.DateEnd)
}

func TestJobLogsRemoveExpired(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	old := &cronweb.Shot{ShotID: "old", UUID: "job-1", State: cronweb.StateRunning}
	require.NoError(t, s.JobLogShoot(ctx, "100-old.log", old))
	require.NoError(t, s.JobLogDone(ctx, "old", cronweb.StateDone, time.Now().Add(-48*time.Hour).Format(time.RFC3339Nano)))

	recent := &cronweb.Shot{ShotID: "recent", UUID: "job-1", State: cronweb.StateRunning}
	require.NoError(t, s.JobLogShoot(ctx, "200-recent.log", recent))
	require.NoError(t, s.JobLogDone(ctx, "recent", cronweb.StateDone, time.Now().Format(time.RFC3339Nano)))

	n, err := s.JobLogsRemoveExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.JobLogGetRecord(ctx, "old")
	require.Error(t, err, "expired shot record should be gone")
}

func TestPoolAcquireReleaseReuse(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		conn, err := s.pool.acquire(ctx)
		require.NoError(t, err)
		s.pool.release(conn)
	}
}
