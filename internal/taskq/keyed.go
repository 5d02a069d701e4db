// Package taskq runs submitted tasks serially per key and in parallel
// across keys. The event pipeline uses it to keep each entity's
// persist-then-reread sequence ordered without serializing unrelated
// entities.
package taskq

import (
	"context"
	"runtime/debug"
	"sync"

	logx "appnotifier/pkg/logx"
)

type Runner struct {
	log logx.Logger

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool

	wg sync.WaitGroup
}

// keyQueue is a FIFO of pending tasks for one key. While running is
// set, exactly one goroutine is draining it.
type keyQueue struct {
	tasks   []func()
	running bool
}

func New(log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{log: log, queues: map[string]*keyQueue{}}
}

// Submit enqueues fn behind any task already pending for key. Tasks
// submitted for the same key from a single goroutine run in submission
// order. Returns false if the runner is closed.
func (r *Runner) Submit(key string, fn func()) bool {
	if fn == nil {
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	q := r.queues[key]
	if q == nil {
		q = &keyQueue{}
		r.queues[key] = q
	}
	q.tasks = append(q.tasks, fn)
	r.wg.Add(1)
	spawn := !q.running
	if spawn {
		q.running = true
	}
	r.mu.Unlock()

	if spawn {
		go r.drainKey(key, q)
	}
	return true
}

func (r *Runner) drainKey(key string, q *keyQueue) {
	for {
		r.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		r.mu.Unlock()

		r.run(key, fn)
		r.wg.Done()
	}
}

func (r *Runner) run(key string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in keyed task",
				logx.String("key", key),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// Close stops intake. Already-submitted tasks still run.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Drain blocks until every submitted task has finished or ctx is done.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
