package manager

import (
	"sync"

	"github.com/Nitorac/esbonio/internal/contracts"
)

// request is one caller's view of a queued build.
type request struct {
	done   chan struct{}
	result contracts.BuildResult
	err    error
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

func (r *request) finish(result contracts.BuildResult, err error) {
	r.result, r.err = result, err
	close(r.done)
}

// buildQueue runs at most one build at a time for a project. Requests that
// arrive while a build is running collapse into a single pending build that
// starts as soon as the current one (and its event fan-out) has finished.
type buildQueue struct {
	run func() (contracts.BuildResult, error)

	mu      sync.Mutex
	pending *request
	running bool
	closed  bool
	// idle is closed when the current drain goroutine exits.
	idle chan struct{}
}

func newBuildQueue(run func() (contracts.BuildResult, error)) *buildQueue {
	idle := make(chan struct{})
	close(idle)
	return &buildQueue{run: run, idle: idle}
}

func (q *buildQueue) submit() *request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		r := newRequest()
		r.finish(contracts.BuildResult{}, ErrCancelled)
		return r
	}

	if q.pending == nil {
		q.pending = newRequest()
	}
	r := q.pending

	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return r
}

func (q *buildQueue) drain(idle chan struct{}) {
	defer close(idle)
	for {
		q.mu.Lock()
		r := q.pending
		q.pending = nil
		if r == nil || q.closed {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		result, err := q.run()
		r.finish(result, err)
	}
}

// close cancels the pending request, if any, and refuses new ones. The
// returned channel is closed once the in-flight build has finished.
func (q *buildQueue) close() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.pending != nil {
		q.pending.finish(contracts.BuildResult{}, ErrCancelled)
		q.pending = nil
	}
	return q.idle
}
