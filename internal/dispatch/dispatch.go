// Package dispatch provides a serialized task executor. It is the single
// point where provider-originated callbacks, arriving on arbitrary handshake
// goroutines, are funneled onto one goroutine before any user code runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrLoopClosed is returned by Submit once the loop has been closed.
var ErrLoopClosed = errors.New("dispatch: loop is closed")

// PanicError wraps a panic recovered from a submitted task. The panic never
// propagates past the loop; callers observe it as an ordinary error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dispatch: task panicked: %v", e.Value)
}

type task struct {
	fn   func() error
	done chan error
}

// Loop executes submitted tasks one at a time on a dedicated goroutine.
// Submitters block until their task has run, so a task observes no
// concurrent execution with any other task on the same loop.
type Loop struct {
	tasks chan task
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewLoop starts a loop. Callers own it and must Close it when done.
func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan task),
		quit:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.quit:
			return
		case t := <-l.tasks:
			t.done <- runTask(t.fn)
		}
	}
}

func runTask(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Submit runs fn on the loop goroutine and blocks until it has completed.
// It returns fn's error, a *PanicError if fn panicked, ctx.Err() if the
// context expired before the loop accepted the task, or ErrLoopClosed.
//
// Once accepted, a task always runs to completion; there is no cancellation
// of an in-flight task. Submit must not be called from within a running
// task: the loop is single-threaded and a nested Submit deadlocks.
func (l *Loop) Submit(ctx context.Context, fn func() error) error {
	if fn == nil {
		return errors.New("dispatch: nil task")
	}
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case l.tasks <- t:
	case <-l.quit:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// The worker has the task; wait it out regardless of ctx.
	return <-t.done
}

// Close stops the loop after the current task, if any, finishes. It is
// idempotent. Close must not be called from within a running task.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
}
