package engine

import (
	"log/slog"

	"async-http/application/http/multi"
	"async-http/lib/reactor"

	"github.com/pkg/errors"
)

type socketWatch struct {
	fd       int
	interest reactor.Interest
}

// watchRegistry keeps at most one loop registration per descriptor.
type watchRegistry struct {
	loop    *reactor.Loop
	handler reactor.Handler
	watches map[int]*socketWatch

	logger *slog.Logger
}

func newWatchRegistry(loop *reactor.Loop, handler reactor.Handler, logger *slog.Logger) *watchRegistry {
	return &watchRegistry{
		loop:    loop,
		handler: handler,
		watches: make(map[int]*socketWatch),
		logger:  logger,
	}
}

func interestOf(what multi.Poll) (reactor.Interest, bool) {
	switch what {
	case multi.PollIn:
		return reactor.Readable, true
	case multi.PollOut:
		return reactor.Writable, true
	case multi.PollInOut:
		return reactor.Readable | reactor.Writable, true
	}
	return 0, false
}

// socketFunc is given to the multi as its socket callback.
func (r *watchRegistry) socketFunc(fd int, what multi.Poll) {
	interest, ok := interestOf(what)
	if !ok {
		r.remove(fd)
		return
	}

	if err := r.addOrUpdate(fd, interest); err != nil {
		r.logger.Error("failed to watch socket",
			slog.Int("fd", fd),
			slog.String("poll", what.String()),
			slog.String("error", err.Error()),
		)
	}
}

// addOrUpdate watches fd for interest.
// An existing watch is unregistered before the new registration.
func (r *watchRegistry) addOrUpdate(fd int, interest reactor.Interest) error {
	w, ok := r.watches[fd]
	if ok {
		if err := r.loop.Unregister(fd); err != nil {
			return errors.Wrap(err, "unregistering previous watch")
		}
	} else {
		w = &socketWatch{fd: fd}
	}

	if err := r.loop.Register(fd, interest, r.handler); err != nil {
		delete(r.watches, fd)
		return errors.Wrap(err, "registering watch")
	}

	w.interest = interest
	r.watches[fd] = w

	r.logger.Debug("watching socket", slog.Int("fd", fd), slog.Int("interest", int(interest)))
	return nil
}

func (r *watchRegistry) remove(fd int) {
	if _, ok := r.watches[fd]; !ok {
		return
	}
	delete(r.watches, fd)

	if err := r.loop.Unregister(fd); err != nil {
		r.logger.Error("failed to unwatch socket", slog.Int("fd", fd), slog.String("error", err.Error()))
	}
}

func (r *watchRegistry) len() int { return len(r.watches) }

func (r *watchRegistry) closeAll() {
	for fd := range r.watches {
		r.remove(fd)
	}
}
