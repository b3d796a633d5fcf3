package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/user/cronweb"
	"github.com/user/cronweb/internal/controller"
	"github.com/user/cronweb/internal/logging"
	"github.com/user/cronweb/internal/logsink"
	"github.com/user/cronweb/internal/storage"
)

// fakeTriggerForAPI and fakeWorkerForAPI are minimal cronweb.Trigger /
// cronweb.Worker doubles so the HTTP layer can be tested without a real
// cron scheduler or subprocess executor.
type fakeTriggerForAPI struct {
	jobs map[string]*cronweb.CronJob
}

func (f fakeTriggerForAPI) AddJob(cronExp, command, param, dateCreate, dateUpdate, id, name string, active, update bool) (*cronweb.CronJob, error) {
	if id == "" {
		id = "generated-" + name
	}
	job := &cronweb.CronJob{UUID: id, CronExp: cronExp, Command: command, Param: param, Name: name, Active: active}
	f.jobs[id] = job
	return job, nil
}
func (f fakeTriggerForAPI) UpdateJob(id, cronExp, command, param, name string, active bool) (*cronweb.CronJob, error) {
	job := &cronweb.CronJob{UUID: id, CronExp: cronExp, Command: command, Param: param, Name: name, Active: active}
	f.jobs[id] = job
	return job, nil
}
func (f fakeTriggerForAPI) RemoveJob(id string) *cronweb.CronJob {
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	delete(f.jobs, id)
	return job
}
func (f fakeTriggerForAPI) StopJob(id string) error  { return nil }
func (f fakeTriggerForAPI) StartJob(id string) error { return nil }
func (f fakeTriggerForAPI) StopAll()                 {}
func (f fakeTriggerForAPI) CronIsValid(cronExp string) bool { return true }
func (f fakeTriggerForAPI) GetJobs() map[string]*cronweb.CronJob {
	out := make(map[string]*cronweb.CronJob, len(f.jobs))
	for k, v := range f.jobs {
		out[k] = v
	}
	return out
}
func (f fakeTriggerForAPI) TriggerManual(id string) error { return nil }

type fakeWorkerForAPI struct{}

func (fakeWorkerForAPI) Shoot(ctx context.Context, command, param, uuid string, timeout time.Duration, name string, jobType cronweb.JobType) {
}
func (fakeWorkerForAPI) GetRunningJobs() map[string]cronweb.RunningShot {
	return map[string]cronweb.RunningShot{}
}
func (fakeWorkerForAPI) KillByShotID(shotID string) (string, bool) { return "", false }
func (fakeWorkerForAPI) KillAllRunningJobs() map[string]string     { return nil }
func (fakeWorkerForAPI) Stop()                                     {}

func newTestServer(t *testing.T) (*Server, *storage.SQLiteStorage) {
	t.Helper()
	logger := logging.New()

	store, err := storage.Open(t.TempDir()+"/cronweb.db", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Stop() })

	sink, err := logsink.New(t.TempDir(), logger)
	require.NoError(t, err)

	ctrl, err := controller.New(store, fakeTriggerForAPI{jobs: map[string]*cronweb.CronJob{}}, fakeWorkerForAPI{}, sink, logger)
	require.NoError(t, err)

	return NewServer(ctrl, "test-secret", logger), store
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHandleConnectionIsPublic(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sys/connection", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, CodeSuccess, env.Code)
}

func TestHandleSecretProbe(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sys/secret?secret=test-secret", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	env := decodeEnvelope(t, rec)
	require.Equal(t, CodeSuccess, env.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sys/secret?secret=wrong", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	env = decodeEnvelope(t, rec)
	require.Equal(t, CodeBadCredential, env.Code)
}

func TestProtectedEndpointRejectsMissingBearer(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, CodeUnauthorized, env.Code)
}

func TestProtectedEndpointRejectsBadBearer(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, CodeBadCredential, env.Code)
}

func TestAddJobAndListJobs(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(addJobRequest{CronExp: "* * * * *", Command: "echo hi", Name: "job-a"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/job", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, CodeSuccess, env.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	env = decodeEnvelope(t, rec)
	require.Equal(t, CodeSuccess, env.Code)
	jobs, ok := env.Response.([]interface{})
	require.True(t, ok)
	require.Len(t, jobs, 1)
}

func TestRemoveUnknownJobReturnsRequestFailure(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/job/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	require.Equal(t, CodeRequestFailed, env.Code)
}

func TestLogContentUnknownShotReturnsInternalError(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/log/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code, "unknown shot_id surfaces as an internal lookup failure via GetLogContent")
}
