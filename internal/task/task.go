// Package task runs a single cancellable background function and
// tracks its outcome, the way the store's garbage collector is
// launched. The function gets its own context; cancellation is
// best-effort and the function may still finish successfully if the
// signal arrives too late.
package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Status is the task's lifecycle state.
type Status int

const (
	Running Status = iota
	Success
	Failure
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Task is a spawned background function.
type Task struct {
	cancel context.CancelFunc
	wg     *errgroup.Group
	done   chan struct{}

	mu        sync.Mutex
	status    Status
	err       error
	cancelled bool
}

// Spawn starts fn in the background.
func Spawn(ctx context.Context, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	wg, ctx := errgroup.WithContext(ctx)
	t := &Task{cancel: cancel, wg: wg, done: make(chan struct{})}

	wg.Go(func() error {
		return fn(ctx)
	})
	go func() {
		err := wg.Wait()
		t.mu.Lock()
		switch {
		case err == nil && !t.cancelled:
			t.status = Success
		case t.cancelled:
			t.status = Cancelled
			t.err = err
		default:
			t.status = Failure
			t.err = err
		}
		t.mu.Unlock()
		close(t.done)
	}()
	return t
}

// Status returns the task's current state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the task's error once it is no longer running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Await blocks until the task finishes or ctx is cancelled.
func (t *Task) Await(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the task to stop. It reports whether the request was
// delivered while the task was still running.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	running := t.status == Running
	if running {
		t.cancelled = true
	}
	t.mu.Unlock()
	t.cancel()
	return running
}
