// Package jobqueue implements the session-wide background job submission
// described in §5: a general-purpose queue with cancellation support, plus
// per-resource serialization so callers (the virtual-folder engine, the
// offline controller) never run two jobs against the same resource at
// once. Modeled on the teacher's internal/sync.Scheduler, which tracks
// in-flight work in a map guarded by a mutex and keys per-account cancel
// funcs the same way; the percent-progress shape follows the teacher's
// ProgressCallback/emitProgress pair in internal/sync/engine.go.
package jobqueue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hkdb/pimcore/internal/logging"
	"github.com/rs/zerolog"
)

// Progress reports fractional completion of a running job.
type Progress struct {
	Description string
	Done        int
	Total       int
}

// Percent returns Done/Total as a 0-100 integer percentage, per spec §4.F's
// 33/66/100-style progress reporting. Total<=0 reports 100, matching a
// job that has nothing left to do.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return p.Done * 100 / p.Total
}

// ProgressFunc receives progress updates from a running job.
type ProgressFunc func(Progress)

// Func is the body of a submitted job. ctx is cancelled if the job's
// Cancel is called or the queue is stopped; report may be nil.
type Func func(ctx context.Context, report ProgressFunc) error

// Handle refers to a submitted job.
type Handle struct {
	id          string
	description string
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
}

// ID returns the job's diagnostic identifier, stable for the life of the
// job and safe to include in logs or UI progress rows.
func (h *Handle) ID() string {
	return h.id
}

// Cancel requests the job stop; it does not block for completion.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the job finishes and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Queue is the session's background job runner. Jobs submitted under the
// same resource key run one at a time; submitting a second job for a busy
// resource returns started=false so callers can fold the new work into the
// running job instead (as the virtual-folder change_queue does).
type Queue struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	busy    map[string]*Handle
	log     zerolog.Logger
	stopped bool
}

// New returns a Queue bound to parent; jobs are cancelled when parent is
// cancelled or Stop is called.
func New(parent context.Context) *Queue {
	ctx, cancel := context.WithCancel(parent)
	return &Queue{
		ctx:    ctx,
		cancel: cancel,
		busy:   make(map[string]*Handle),
		log:    logging.WithComponent("jobqueue"),
	}
}

// Stop cancels every running job and waits for them to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Submit runs fn in a new goroutine under resource's serialization slot,
// tagged with description for logging/UI. If a job is already running for
// resource, Submit returns the existing Handle and started=false without
// starting a second job.
func (q *Queue) Submit(resource, description string, fn Func) (handle *Handle, started bool) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, false
	}
	if existing, ok := q.busy[resource]; ok {
		q.mu.Unlock()
		return existing, false
	}

	jobCtx, cancel := context.WithCancel(q.ctx)
	h := &Handle{id: uuid.New().String(), description: description, cancel: cancel, done: make(chan struct{})}
	q.busy[resource] = h
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()
		defer close(h.done)
		defer func() {
			q.mu.Lock()
			delete(q.busy, resource)
			q.mu.Unlock()
		}()

		q.log.Debug().Str("job", h.id).Str("resource", resource).Str("description", description).Msg("job started")
		h.err = fn(jobCtx, func(p Progress) {
			q.log.Debug().Str("job", h.id).Str("resource", resource).Int("done", p.Done).Int("total", p.Total).Int("percent", p.Percent()).Msg("job progress")
		})
		if h.err != nil && jobCtx.Err() == nil {
			q.log.Warn().Err(h.err).Str("job", h.id).Str("resource", resource).Msg("job failed")
		}
	}()

	return h, true
}

// Busy reports whether a job is currently running for resource.
func (q *Queue) Busy(resource string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.busy[resource]
	return ok
}

// CancelResource cancels any job currently running for resource, if one
// exists.
func (q *Queue) CancelResource(resource string) {
	q.mu.Lock()
	h, ok := q.busy[resource]
	q.mu.Unlock()
	if ok {
		h.cancel()
	}
}
