// Package worker launches subprocesses on behalf of the Controller, streams
// their output into the LogSink, tracks in-flight shots, retries failures
// with backoff, and fires webhook/local-hook notifications through a
// HookHost so none of that can stall the scheduler.
package worker

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/user/cronweb"
)

// newShotID returns a 32-char hex id (uuid4().hex form), matching the
// documented DATA MODEL format for shot_id.
func newShotID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// LocalHook is a compile-time-registered callback run after every terminal
// shot, the stand-in for the original's dynamically loaded hook_*.py files.
// Hooks are registered through Config.LocalHooks and run on the HookHost.
type LocalHook func(ctx context.Context, name, shotID string, state cronweb.JobState, jobType cronweb.JobType) error

// Config configures a SubprocessWorker.
type Config struct {
	WorkDir       string
	TimesRetry    int
	WaitRetryBase time.Duration
	WebhookURL    string
	WebhookSecret string
	LocalHooks    []LocalHook
}

type runningEntry struct {
	uuid      string
	cmd       *exec.Cmd
	dateStart string
	done      chan struct{}
}

// SubprocessWorker implements cronweb.Worker over os/exec.
type SubprocessWorker struct {
	workDir       string
	env           []string
	timesRetry    int
	waitRetryBase time.Duration
	localHooks    []LocalHook
	webhook       *webhookClient

	storage  cronweb.Storage
	logSink  cronweb.LogSink
	hookHost cronweb.HookHost
	logger   cronweb.Logger

	mu           sync.Mutex
	running      map[string]*runningEntry
	killSet      map[string]bool
	retryWaiting map[string]bool
}

// New creates a SubprocessWorker. It ensures cfg.WorkDir exists and loads
// .env_subprocess.json from it if present.
func New(cfg Config, storage cronweb.Storage, logSink cronweb.LogSink, hookHost cronweb.HookHost, logger cronweb.Logger) (*SubprocessWorker, error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "scripts"
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: create work dir: %w", err)
	}

	env, overridden, err := loadSubprocessEnv(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("worker: load subprocess env: %w", err)
	}
	if !overridden {
		env = nil // nil cmd.Env means inherit the daemon's own environment
	}

	return &SubprocessWorker{
		workDir:       cfg.WorkDir,
		env:           env,
		timesRetry:    cfg.TimesRetry,
		waitRetryBase: cfg.WaitRetryBase,
		localHooks:    cfg.LocalHooks,
		webhook:       newWebhookClient(cfg.WebhookURL, cfg.WebhookSecret, logger),
		storage:       storage,
		logSink:       logSink,
		hookHost:      hookHost,
		logger:        logger,
		running:       make(map[string]*runningEntry),
		killSet:       make(map[string]bool),
		retryWaiting:  make(map[string]bool),
	}, nil
}

// Shoot is the top-level entry called through the Trigger's shooter callback
// whenever a job fires, by schedule or manual trigger; retries of a failed
// shot run inside this call.
func (w *SubprocessWorker) Shoot(ctx context.Context, command, param, jobUUID string, timeout time.Duration, name string, jobType cronweb.JobType) {
	rootShotID := ""
	jt := jobType

	for k := 0; k <= w.timesRetry; k++ {
		if k >= 1 {
			backoff := time.Duration((1<<uint(k))-1) * w.waitRetryBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				w.mu.Lock()
				delete(w.retryWaiting, rootShotID)
				w.mu.Unlock()
				return
			}
			jt = cronweb.JobTypeRetry
		}

		shotID, state := w.shootOnce(ctx, command, param, jobUUID, timeout, jt)
		if rootShotID == "" {
			rootShotID = shotID
		}

		w.dispatchHooks(ctx, name, shotID, state, jt)

		if state != cronweb.StateError {
			break
		}
		w.mu.Lock()
		w.retryWaiting[rootShotID] = true
		w.mu.Unlock()
	}

	w.mu.Lock()
	delete(w.retryWaiting, rootShotID)
	w.mu.Unlock()
}

// dispatchHooks enqueues the webhook (if configured) and every registered
// local hook on the hook host, each under its own 30-second bound.
func (w *SubprocessWorker) dispatchHooks(ctx context.Context, name, shotID string, state cronweb.JobState, jobType cronweb.JobType) {
	const hookTimeout = 30 * time.Second

	if w.webhook != nil && w.webhook.url != "" {
		w.hookHost.RunCoroutine(ctx, func(ctx context.Context) error {
			w.webhook.dispatch(ctx, name, shotID, state, jobType)
			return nil
		}, hookTimeout)
	}

	for _, hook := range w.localHooks {
		h := hook
		w.hookHost.RunCoroutine(ctx, func(ctx context.Context) error {
			err := h(ctx, name, shotID, state, jobType)
			if err != nil {
				w.logger.Warn("local hook failed", "shot_id", shotID, "error", err)
			}
			return err
		}, hookTimeout)
	}
}

// shootOnce performs a single execution: spawn, stream, classify, persist.
func (w *SubprocessWorker) shootOnce(ctx context.Context, command, param, jobUUID string, timeout time.Duration, jobType cronweb.JobType) (string, cronweb.JobState) {
	shotID := newShotID()

	cmdLine := command
	if param != "" {
		cmdLine = command + " --param " + param
	}

	cmd := exec.Command("sh", "-c", cmdLine)
	cmd.Dir = w.workDir
	if w.env != nil {
		cmd.Env = w.env
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		w.logger.Error("worker: failed to create pipe", "shot_id", shotID, "error", err)
		return shotID, cronweb.StateError
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		w.logger.Error("worker: failed to start subprocess", "shot_id", shotID, "command", cmdLine, "error", err)
		return shotID, cronweb.StateError
	}
	pw.Close() // parent's copy; EOF on pr once the child's copy closes too

	queue, logPath, err := w.logSink.OpenShot(jobUUID, shotID, timeout)
	if err != nil {
		w.logger.Error("worker: failed to open shot log", "shot_id", shotID, "error", err)
		_ = cmd.Process.Kill()
		pr.Close()
		return shotID, cronweb.StateError
	}

	shot := &cronweb.Shot{ShotID: shotID, UUID: jobUUID, State: cronweb.StateRunning, LogPath: logPath}
	if err := w.storage.JobLogShoot(ctx, logPath, shot); err != nil {
		w.logger.Error("worker: failed to record running shot", "shot_id", shotID, "error", err)
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.running[shotID] = &runningEntry{uuid: jobUUID, cmd: cmd, dateStart: shot.DateStart, done: done}
	w.mu.Unlock()

	queue <- fmt.Sprintf("shot_id: %s\nuuid: %s\ncommand: %s\nparam: %s\n\n#### OUTPUT ####\n", shotID, jobUUID, command, param)

	state := w.stream(ctx, cmd, pr, queue, shotID, timeout)

	queue <- cronweb.LogStop
	close(done)

	if err := w.storage.JobLogDone(ctx, shotID, state, time.Now().Format(time.RFC3339Nano)); err != nil {
		w.logger.Error("worker: failed to record shot completion", "shot_id", shotID, "error", err)
	}

	w.mu.Lock()
	delete(w.running, shotID)
	w.mu.Unlock()

	return shotID, state
}

// stream reads the subprocess's merged stdout/stderr line by line, bounded
// by an idle-read timeout, and classifies the terminal state.
func (w *SubprocessWorker) stream(ctx context.Context, cmd *exec.Cmd, pr *os.File, queue chan<- string, shotID string, timeout time.Duration) cronweb.JobState {
	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(pr)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				_ = cmd.Wait()
				exitCode := -1
				if cmd.ProcessState != nil {
					exitCode = cmd.ProcessState.ExitCode()
				}
				queue <- "#### OUTPUT END ####\n"
				queue <- fmt.Sprintf("Exit Code: %d\n", exitCode)
				state := w.classifyExit(shotID, exitCode)
				queue <- fmt.Sprintf("Job %s\n", jobOutcomeLabel(state))
				return state
			}
			queue <- strings.TrimRight(line, "\r\n") + "\n"
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

		case <-timer.C:
			queue <- fmt.Sprintf("Killed Timeout %ds\n", int(timeout.Seconds()))
			queue <- "Job TIMEOUT\n"
			_ = cmd.Process.Kill()
			pr.Close()
			return cronweb.StateKilled
		}
	}
}

func jobOutcomeLabel(state cronweb.JobState) string {
	switch state {
	case cronweb.StateDone:
		return "DONE"
	case cronweb.StateKilled:
		return "KILLED"
	default:
		return "FAILED"
	}
}

func (w *SubprocessWorker) classifyExit(shotID string, exitCode int) cronweb.JobState {
	if exitCode == 0 {
		return cronweb.StateDone
	}

	w.mu.Lock()
	wasKilled := w.killSet[shotID]
	delete(w.killSet, shotID)
	w.mu.Unlock()

	if wasKilled {
		return cronweb.StateKilled
	}
	return cronweb.StateError
}

// GetRunningJobs returns a snapshot of every in-flight shot.
func (w *SubprocessWorker) GetRunningJobs() map[string]cronweb.RunningShot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]cronweb.RunningShot, len(w.running))
	for shotID, e := range w.running {
		out[shotID] = cronweb.RunningShot{UUID: e.uuid, DateStart: e.dateStart}
	}
	return out
}

// KillByShotID marks shotID for termination, sends SIGTERM, waits up to 5
// seconds for a graceful exit, then force-kills.
func (w *SubprocessWorker) KillByShotID(shotID string) (string, bool) {
	w.mu.Lock()
	e, ok := w.running[shotID]
	if ok {
		w.killSet[shotID] = true
	}
	w.mu.Unlock()
	if !ok {
		return "", false
	}

	_ = e.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
	}

	return shotID, true
}

// KillAllRunningJobs kills every currently running shot.
func (w *SubprocessWorker) KillAllRunningJobs() map[string]string {
	w.mu.Lock()
	shotIDs := make([]string, 0, len(w.running))
	uuids := make(map[string]string, len(w.running))
	for shotID, e := range w.running {
		shotIDs = append(shotIDs, shotID)
		uuids[shotID] = e.uuid
	}
	w.mu.Unlock()

	out := make(map[string]string, len(shotIDs))
	for _, shotID := range shotIDs {
		if _, ok := w.KillByShotID(shotID); ok {
			out[shotID] = uuids[shotID]
		}
	}
	return out
}

// Stop shuts down the hook host.
func (w *SubprocessWorker) Stop() {
	w.hookHost.Stop()
}
