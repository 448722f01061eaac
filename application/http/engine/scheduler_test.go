package engine

import (
	"log/slog"
	"testing"

	"async-http/lib/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFire(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	tasks := newTaskSet(logger)
	s := newScheduler(nil, tasks, logger)

	t.Run("resumes the caller", func(t *testing.T) {
		var got *Response
		caller := task.Go(func(t *task.Task) {
			got, _ = t.Suspend().(*Response)
		})
		require.Equal(t, task.StateSuspended, caller.State())

		tc := newTestContext(Options{URL: "http://example.com"})
		tc.caller = caller

		resp := &Response{ResponseCode: 200}
		s.fire(&resumeToken{tc: tc, resp: resp})

		assert.Same(t, resp, got)
		assert.Equal(t, task.StateDone, caller.State())
		assert.Nil(t, tc.caller)
		assert.Nil(t, tc.body)
		assert.Nil(t, tc.headers)
	})

	t.Run("starts the completion callback", func(t *testing.T) {
		var got *Response
		tc := newTestContext(Options{
			OnComplete: func(t *task.Task, resp *Response) { got = resp },
		})

		resp := &Response{Error: "failed"}
		s.fire(&resumeToken{tc: tc, resp: resp})

		assert.Same(t, resp, got)
		assert.Nil(t, tc.onComplete)
	})

	t.Run("tracks a suspended completion callback", func(t *testing.T) {
		tc := newTestContext(Options{
			OnComplete: func(t *task.Task, resp *Response) { t.Suspend() },
		})

		s.fire(&resumeToken{tc: tc, resp: &Response{}})
		assert.Equal(t, 1, tasks.len())

		tasks.killAll()
		assert.Zero(t, tasks.len())
	})
}

func TestTaskSetKillAll(t *testing.T) {
	tasks := newTaskSet(slog.New(slog.DiscardHandler))

	unwound := 0
	for range 3 {
		tasks.track(task.Go(func(t *task.Task) {
			defer func() { unwound++ }()
			t.Suspend()
		}))
	}
	require.Equal(t, 3, tasks.len())

	done := task.Go(func(t *task.Task) {})
	tasks.track(done)
	assert.Equal(t, 3, tasks.len())

	tasks.killAll()
	assert.Equal(t, 3, unwound)
	assert.Zero(t, tasks.len())
}
