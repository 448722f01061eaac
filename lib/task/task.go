// Package task implements cooperative tasks.
//
// A task runs on its own goroutine, but control is handed over explicitly:
// exactly one side (the task, or whoever started/resumed it) runs at a time.
// This gives a single logical thread of execution across the caller and all of its tasks.
package task

import (
	"runtime"

	"github.com/pkg/errors"
)

type State uint8

const (
	StateRunning State = iota
	StateSuspended
	StateDone
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

var (
	ErrNotSuspended = errors.New("task is not suspended")
	ErrPanicked     = errors.New("task panicked")
)

type resumeMsg struct {
	value any
	kill  bool
}

type Task struct {
	in  chan resumeMsg
	out chan struct{}

	// Only touched by the side currently holding control.
	state State
	err   error
}

// Go starts fn as a new task.
// It returns when fn returns or suspends for the first time.
func Go(fn func(t *Task)) *Task {
	t := &Task{
		in:    make(chan resumeMsg),
		out:   make(chan struct{}),
		state: StateRunning,
	}

	go t.run(fn)
	<-t.out

	return t
}

// Call starts fn as a new task and reports its return value.
// ok is false when fn suspended or panicked before returning.
func Call[R any](fn func(t *Task) R) (result R, t *Task, ok bool) {
	t = Go(func(t *Task) {
		result = fn(t)
		ok = true
	})

	if t.State() != StateDone {
		var zero R
		return zero, t, false
	}

	return result, t, ok
}

func (t *Task) run(fn func(t *Task)) {
	defer func() {
		if r := recover(); r != nil {
			t.err = errors.Wrapf(ErrPanicked, "%v", r)
		}
		if t.state != StateKilled {
			t.state = StateDone
		}
		t.out <- struct{}{}
	}()

	fn(t)
}

// Suspend hands control back to the side that started or resumed t.
// It must only be called from inside t.
// The returned value is the one given to [Task.Resume].
func (t *Task) Suspend() any {
	t.state = StateSuspended
	t.out <- struct{}{}

	msg := <-t.in
	if msg.kill {
		t.state = StateKilled
		runtime.Goexit()
	}

	t.state = StateRunning
	return msg.value
}

// Resume continues a suspended task with v.
// It returns when the task suspends again or finishes.
func (t *Task) Resume(v any) error {
	if t.state != StateSuspended {
		return ErrNotSuspended
	}

	t.in <- resumeMsg{value: v}
	<-t.out

	return nil
}

// Kill unwinds a suspended task. Deferred calls inside the task are run.
// It's a no-op on tasks that are not suspended.
func (t *Task) Kill() {
	if t.state != StateSuspended {
		return
	}

	t.in <- resumeMsg{kill: true}
	<-t.out
}

func (t *Task) State() State { return t.state }

// Err returns the panic captured while running the task, if any.
func (t *Task) Err() error { return t.err }
