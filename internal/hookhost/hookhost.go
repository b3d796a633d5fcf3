// Package hookhost runs webhook dispatch and local job-done hooks off the
// scheduler's main goroutine, so a slow or hung hook can never stall
// scheduling. It implements cronweb.HookHost.
package hookhost

import (
	"context"
	"sync"
	"time"

	"github.com/user/cronweb"
)

// Host owns a single dedicated goroutine that runs submitted tasks, each
// wrapped in its own timeout; a task submitted while the queue is full runs
// on a goroutine of its own instead. In-flight cancel funcs are tracked the
// way Worker.renewCancel tracks per-lease cancellation in Hermod's sync
// engine (internal/engine/worker.go), generalized from a map keyed by
// workflow id to one keyed by a monotonic task handle.
type Host struct {
	tasks chan func()

	mu       sync.Mutex
	inFlight map[uint64]context.CancelFunc
	nextID   uint64
	wg       sync.WaitGroup
	stopped  bool

	done chan struct{}
}

const taskQueueCapacity = 256

// New starts the hook host's loop goroutine.
func New() *Host {
	h := &Host{
		tasks:    make(chan func(), taskQueueCapacity),
		inFlight: make(map[uint64]context.CancelFunc),
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Host) loop() {
	defer close(h.done)
	for task := range h.tasks {
		task()
	}
}

// RunCoroutine schedules task onto the hook loop bounded by timeout.
// Timeouts and errors are logged by the caller's task closure (Worker logs
// webhook/hook failures itself); RunCoroutine only enforces the bound and
// swallows whatever task returns.
func (h *Host) RunCoroutine(ctx context.Context, task func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	id := h.nextID
	h.nextID++
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	h.inFlight[id] = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	run := func() {
		defer h.wg.Done()
		defer h.finish(id)
		_ = task(taskCtx)
	}

	select {
	case h.tasks <- run:
	default:
		// queue full: run off-loop rather than silently drop a terminal
		// shot's webhook/hook dispatch.
		go run()
	}
}

// finish is the done-callback: removes the handle and cancels its context,
// releasing any resources tied to the timeout.
func (h *Host) finish(id uint64) {
	h.mu.Lock()
	if cancel, ok := h.inFlight[id]; ok {
		cancel()
		delete(h.inFlight, id)
	}
	h.mu.Unlock()
}

// Stop cancels every in-flight handle, closes the task queue, and joins the
// loop goroutine.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	for id, cancel := range h.inFlight {
		cancel()
		delete(h.inFlight, id)
	}
	close(h.tasks)
	h.mu.Unlock()

	h.wg.Wait()
	<-h.done
}

var _ cronweb.HookHost = (*Host)(nil)
