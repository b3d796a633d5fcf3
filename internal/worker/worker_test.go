package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/user/cronweb"
	"github.com/user/cronweb/internal/logging"
	"github.com/user/cronweb/internal/logsink"
	"github.com/user/cronweb/internal/storage"
)

type noopHookHost struct{}

func (noopHookHost) RunCoroutine(ctx context.Context, task func(ctx context.Context) error, timeout time.Duration) {
	_ = task(ctx)
}
func (noopHookHost) Stop() {}

func newTestWorker(t *testing.T, cfg Config) (*SubprocessWorker, *storage.SQLiteStorage) {
	t.Helper()
	logger := logging.New()

	dbPath := t.TempDir() + "/cronweb.db"
	store, err := storage.Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Stop() })

	sink, err := logsink.New(t.TempDir(), logger)
	require.NoError(t, err)

	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}

	w, err := New(cfg, store, sink, noopHookHost{}, logger)
	require.NoError(t, err)
	return w, store
}

func TestShootSuccessRecordsDoneState(t *testing.T) {
	w, store := newTestWorker(t, Config{})

	w.Shoot(context.Background(), "echo hello", "", "job-1", 5*time.Second, "job-1-name", cronweb.JobTypeManual)

	shots, err := store.JobLogsGetByUUID(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, shots, 1)
	require.Equal(t, cronweb.StateDone, shots[0].State)

	require.Empty(t, w.GetRunningJobs())
}

func TestShootFailureRetriesThenRecordsError(t *testing.T) {
	w, store := newTestWorker(t, Config{TimesRetry: 1, WaitRetryBase: 10 * time.Millisecond})

	w.Shoot(context.Background(), "exit 1", "", "job-2", 5*time.Second, "job-2-name", cronweb.JobTypeSchedule)

	shots, err := store.JobLogsGetByUUID(context.Background(), "job-2")
	require.NoError(t, err)
	require.Len(t, shots, 2, "one initial attempt plus one retry")
	for _, s := range shots {
		require.Equal(t, cronweb.StateError, s.State)
	}
}

func TestShootParamAppendedToCommand(t *testing.T) {
	w, store := newTestWorker(t, Config{})

	w.Shoot(context.Background(), "echo", "world", "job-3", 5*time.Second, "job-3-name", cronweb.JobTypeManual)

	shots, err := store.JobLogsGetByUUID(context.Background(), "job-3")
	require.NoError(t, err)
	require.Len(t, shots, 1)
	require.Equal(t, cronweb.StateDone, shots[0].State)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(shots[0].LogPath)
		return err == nil && strings.Contains(string(data), "--param world")
	}, time.Second, 10*time.Millisecond, "the command line must be run as \"echo --param world\"")
}

func TestShootTimeoutKillsProcess(t *testing.T) {
	w, store := newTestWorker(t, Config{})

	w.Shoot(context.Background(), "sleep 5", "", "job-4", 30*time.Millisecond, "job-4-name", cronweb.JobTypeManual)

	shots, err := store.JobLogsGetByUUID(context.Background(), "job-4")
	require.NoError(t, err)
	require.Len(t, shots, 1)
	require.Equal(t, cronweb.StateKilled, shots[0].State)
}

func TestKillByShotIDUnknownReturnsFalse(t *testing.T) {
	w, _ := newTestWorker(t, Config{})
	_, ok := w.KillByShotID("does-not-exist")
	require.False(t, ok)
}

func TestKillAllRunningJobsEmptyIsNoop(t *testing.T) {
	w, _ := newTestWorker(t, Config{})
	require.Empty(t, w.KillAllRunningJobs())
}

func TestKillByShotIDOnRunningProcessRecordsKilled(t *testing.T) {
	w, store := newTestWorker(t, Config{})

	shootDone := make(chan struct{})
	go func() {
		defer close(shootDone)
		w.Shoot(context.Background(), "sleep 5", "", "job-5", 10*time.Second, "job-5-name", cronweb.JobTypeManual)
	}()

	var shotID string
	require.Eventually(t, func() bool {
		running := w.GetRunningJobs()
		for id := range running {
			shotID = id
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond, "shot must appear in the running set")

	start := time.Now()
	killedID, ok := w.KillByShotID(shotID)
	require.True(t, ok)
	require.Equal(t, shotID, killedID)

	select {
	case <-shootDone:
	case <-time.After(6 * time.Second):
		t.Fatal("Shoot did not return after KillByShotID")
	}
	require.Less(t, time.Since(start), 6*time.Second, "kill must not wait out the full timeout")

	shots, err := store.JobLogsGetByUUID(context.Background(), "job-5")
	require.NoError(t, err)
	require.Len(t, shots, 1)
	require.Equal(t, cronweb.StateKilled, shots[0].State)
	require.NotNil(t, shots[0].DateEnd)
}

func TestShootDispatchesSignedWebhook(t *testing.T) {
	var gotBody []byte
	var gotToken, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotToken = r.Header.Get("X-Cronweb-Token")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, _ := newTestWorker(t, Config{WebhookURL: srv.URL, WebhookSecret: "the-secret"})

	w.Shoot(context.Background(), "echo hello", "", "job-6", 5*time.Second, "job-6-name", cronweb.JobTypeManual)

	require.NotEmpty(t, gotBody, "webhook must have been POSTed")
	require.Contains(t, gotContentType, "application/json")

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "job-6-name", payload.Name)
	require.Equal(t, cronweb.StateDone.String(), payload.State)

	require.Equal(t, computeHMAC(gotBody, "the-secret"), gotToken)
}
