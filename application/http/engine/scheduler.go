package engine

import (
	"log/slog"

	"async-http/lib/reactor"
	"async-http/lib/task"
)

// taskSet remembers suspended tasks started by the engine, so they can be unwound on shutdown.
type taskSet struct {
	suspended map[*task.Task]struct{}
	logger    *slog.Logger
}

func newTaskSet(logger *slog.Logger) *taskSet {
	return &taskSet{suspended: make(map[*task.Task]struct{}), logger: logger}
}

// track must be called whenever t handed control back to the loop.
func (s *taskSet) track(t *task.Task) {
	if t == nil {
		return
	}

	if t.State() == task.StateSuspended {
		s.suspended[t] = struct{}{}
		return
	}
	delete(s.suspended, t)

	if err := t.Err(); err != nil {
		s.logger.Error("recovered panic in task", slog.String("error", err.Error()))
	}
}

func (s *taskSet) len() int {
	n := 0
	for t := range s.suspended {
		if t.State() == task.StateSuspended {
			n++
		}
	}
	return n
}

func (s *taskSet) killAll() {
	for len(s.suspended) > 0 {
		for t := range s.suspended {
			delete(s.suspended, t)
			// A killed task may start others through deferred calls.
			t.Kill()
		}
	}
}

type resumeToken struct {
	tc   *transferContext
	resp *Response
}

// scheduler hands results of finished transfers back to their tasks on the next tick.
type scheduler struct {
	loop  *reactor.Loop
	tasks *taskSet

	logger *slog.Logger
}

func newScheduler(loop *reactor.Loop, tasks *taskSet, logger *slog.Logger) *scheduler {
	return &scheduler{loop: loop, tasks: tasks, logger: logger}
}

func (s *scheduler) scheduleResume(tc *transferContext, resp *Response) {
	tok := &resumeToken{tc: tc, resp: resp}
	if err := s.loop.Post(func() { s.fire(tok) }); err != nil {
		s.logger.Error("failed to schedule resume", slog.String("error", err.Error()))
		tc.release()
	}
}

func (s *scheduler) fire(tok *resumeToken) {
	tc, resp := tok.tc, tok.resp

	switch {
	case tc.caller != nil:
		caller := tc.caller
		if err := caller.Resume(resp); err != nil {
			tc.logger.Error("failed to resume caller", slog.String("error", err.Error()))
		}
		s.tasks.track(caller)
	case tc.onComplete != nil:
		onComplete := tc.onComplete
		s.tasks.track(task.Go(func(t *task.Task) {
			onComplete(t, resp)
		}))
	}

	tc.release()
}
