package engine

import (
	"log/slog"
	"time"

	"async-http/application/http/multi"
	"async-http/lib/reactor"
)

type advancer interface {
	advanceBySocket(fd int, ev multi.Event)
	advanceByTimeout()
	checkCompletions()
	running() int
}

// bridge turns loop events into multi advances.
// It owns the single timeout the multi asks for and the completion check tick.
type bridge struct {
	loop  *reactor.Loop
	coord advancer

	timer *reactor.Timer
	// gen invalidates zero timeouts posted before the last setTimeout.
	gen   uint64
	armed bool

	checkPending bool

	logger *slog.Logger
}

func newBridge(loop *reactor.Loop, logger *slog.Logger) *bridge {
	return &bridge{loop: loop, logger: logger}
}

// setTimeout is given to the multi as its timer callback.
// Negative d disarms the timeout, zero fires it on the next tick.
func (b *bridge) setTimeout(d time.Duration) {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.armed = false

	if d < 0 {
		return
	}
	b.armed = true

	if d == 0 {
		gen := b.gen
		if err := b.loop.Post(func() {
			if gen == b.gen {
				b.onTimeoutFired()
			}
		}); err != nil {
			b.logger.Error("failed to post timeout", slog.String("error", err.Error()))
		}
		return
	}

	b.timer = b.loop.AfterFunc(d, b.onTimeoutFired)
}

func (b *bridge) onTimeoutFired() {
	b.timer = nil
	b.armed = false

	b.coord.advanceByTimeout()
	b.afterAdvance()
}

// onSocketEvent is the loop handler of every watched descriptor.
func (b *bridge) onSocketEvent(fd int, readable, writable bool) {
	var ev multi.Event
	if readable {
		ev |= multi.EventIn
	}
	if writable {
		ev |= multi.EventOut
	}

	b.coord.advanceBySocket(fd, ev)
	b.afterAdvance()
}

func (b *bridge) afterAdvance() {
	b.scheduleCheck()

	if b.armed && b.coord.running() == 0 {
		b.setTimeout(-1)
	}
}

// scheduleCheck runs a completion check on the next tick, once however many advances happen before it.
func (b *bridge) scheduleCheck() {
	if b.checkPending {
		return
	}
	b.checkPending = true

	if err := b.loop.Post(func() {
		b.checkPending = false
		b.coord.checkCompletions()
	}); err != nil {
		b.checkPending = false
		b.logger.Error("failed to post completion check", slog.String("error", err.Error()))
	}
}

func (b *bridge) stop() {
	b.setTimeout(-1)
}
