package engine

import (
	"log/slog"

	"async-http/application/http/multi"

	"github.com/pkg/errors"
)

// coordinator owns the multi and the contexts of transfers in it.
type coordinator struct {
	newMulti func() *multi.Multi
	multi    *multi.Multi
	closed   bool

	active map[*multi.Handle]*transferContext
	sched  *scheduler

	logger *slog.Logger
}

func newCoordinator(newMulti func() *multi.Multi, sched *scheduler, logger *slog.Logger) *coordinator {
	return &coordinator{
		newMulti: newMulti,
		active:   make(map[*multi.Handle]*transferContext),
		sched:    sched,
		logger:   logger,
	}
}

// submit starts the transfer of tc without blocking.
// A refused transfer gets an error response on the next tick.
func (c *coordinator) submit(tc *transferContext) {
	err := c.add(tc)
	if err == nil {
		return
	}

	c.logger.Error("failed to add transfer",
		slog.String("url", tc.url),
		slog.String("error", err.Error()),
	)
	c.sched.scheduleResume(tc, tc.failed(err))
}

func (c *coordinator) add(tc *transferContext) error {
	if c.closed {
		return multi.ErrClosed
	}
	if c.multi == nil {
		c.multi = c.newMulti()
	}

	if err := c.multi.Add(tc.handle); err != nil {
		return err
	}

	c.active[tc.handle] = tc
	return nil
}

func (c *coordinator) advanceBySocket(fd int, ev multi.Event) {
	c.advance("socket", fd, ev)
}

func (c *coordinator) advanceByTimeout() {
	c.advance("timeout", multi.SocketTimeout, 0)
}

func (c *coordinator) advance(entry string, fd int, ev multi.Event) {
	if c.multi == nil {
		return
	}

	if _, err := c.multi.SocketAction(fd, ev); err != nil {
		c.logger.Error("failed to advance transfers",
			slog.String("entry", entry),
			slog.Int("fd", fd),
			slog.String("error", err.Error()),
		)
	}
}

// checkCompletions hands every finished transfer to the scheduler.
func (c *coordinator) checkCompletions() {
	if c.multi == nil {
		return
	}

	for {
		msg, ok := c.multi.InfoRead()
		if !ok {
			return
		}

		tc, ok := msg.Handle.Private().(*transferContext)
		if !ok || c.active[msg.Handle] != tc {
			c.logger.Error("finished transfer without context")
			_ = c.multi.Remove(msg.Handle)
			continue
		}

		resp := tc.finalize(msg.Err)

		if err := c.multi.Remove(msg.Handle); err != nil {
			c.logger.Error("failed to remove transfer", slog.String("error", err.Error()))
		}
		delete(c.active, msg.Handle)

		c.sched.scheduleResume(tc, resp)
	}
}

func (c *coordinator) running() int {
	if c.multi == nil {
		return 0
	}
	return c.multi.Running()
}

// close aborts every transfer. Their callers are not resumed.
func (c *coordinator) close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	for h, tc := range c.active {
		tc.release()
		delete(c.active, h)
	}

	if c.multi == nil {
		return nil
	}

	err := c.multi.Close()
	c.multi = nil
	return errors.Wrap(err, "closing multi")
}
