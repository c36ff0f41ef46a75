package vfs

import (
	"sync"

	"github.com/hkdb/pimcore/internal/logging"
)

// workerCount matches the reference implementation's two-worker
// g_thread_pool_new(sync_request_thread_cb, NULL, 2, FALSE, NULL).
const workerCount = 2

// Runtime is the process-wide worker pool deferred-sync Files submit their
// coalesced fsyncs to. It is deliberately global-by-convention (§9 "Global
// state"): call Default() to get the shared instance, or NewRuntime() in
// tests that want an isolated pool.
type Runtime struct {
	tasks chan func()
	once  sync.Once
	wg    sync.WaitGroup
}

var (
	defaultRuntime     *Runtime
	defaultRuntimeOnce sync.Once
)

// Default returns the process-wide Runtime, starting its worker pool on
// first use.
func Default() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = NewRuntime()
	})
	return defaultRuntime
}

// NewRuntime starts an independent worker pool. Most callers want Default();
// NewRuntime exists for test isolation (§9's test_reset equivalent — tests
// construct their own Runtime instead of mutating global state).
func NewRuntime() *Runtime {
	r := &Runtime{tasks: make(chan func(), 64)}
	r.initOnce()
	return r
}

func (r *Runtime) initOnce() {
	r.once.Do(func() {
		log := logging.WithComponent("vfs")
		for i := 0; i < workerCount; i++ {
			r.wg.Add(1)
			go func(id int) {
				defer r.wg.Done()
				for task := range r.tasks {
					task()
				}
				log.Debug().Int("worker", id).Msg("sync worker stopped")
			}(i)
		}
	})
}

func (r *Runtime) submit(task func()) {
	r.tasks <- task
}
