//go:build linux

// Package reactor implements a single threaded event loop on top of epoll.
//
// Every callback given to the loop (descriptor handlers, posted functions and timers)
// runs on the goroutine calling [Loop.Run], one at a time.
package reactor

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) events() uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Handler is called when fd is ready.
// Errors and hang-ups are reported as both readable and writable,
// so the owner notices them on its next read or write.
type Handler func(fd int, readable, writable bool)

var (
	ErrClosed            = errors.New("loop is closed")
	ErrRunning           = errors.New("loop is already running")
	ErrAlreadyRegistered = errors.New("descriptor is already registered")
)

const maxEvents = 128

type Loop struct {
	epfd   int
	wakefd int

	// Loop goroutine only.
	handlers map[int]Handler
	events   []unix.EpollEvent

	postMu sync.Mutex
	posted *queue.Queue
	woken  bool

	running atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool

	logger *slog.Logger
	clock  clock.Clock
}

func New(logger *slog.Logger, clock clock.Clock) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "creating epoll instance")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "creating eventfd")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "registering eventfd")
	}

	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]Handler),
		events:   make([]unix.EpollEvent, maxEvents),
		posted:   queue.New(),
		logger:   logger,
		clock:    clock,
	}, nil
}

func (l *Loop) Clock() clock.Clock { return l.clock }

// Register starts watching fd. It must be called on the loop.
func (l *Loop) Register(fd int, interest Interest, h Handler) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if _, ok := l.handlers[fd]; ok {
		return ErrAlreadyRegistered
	}

	ev := unix.EpollEvent{Events: interest.events(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "adding descriptor to epoll")
	}

	l.handlers[fd] = h
	return nil
}

// Unregister stops watching fd. Unknown descriptors are ignored.
// It must be called on the loop, before fd is closed.
func (l *Loop) Unregister(fd int) error {
	if _, ok := l.handlers[fd]; !ok {
		return nil
	}
	delete(l.handlers, fd)

	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return errors.Wrap(err, "removing descriptor from epoll")
	}

	return nil
}

func (l *Loop) Registered(fd int) bool {
	_, ok := l.handlers[fd]
	return ok
}

// Post queues fn to run on the next tick of the loop.
// It's safe to call from any goroutine. Posted functions run in FIFO order.
func (l *Loop) Post(fn func()) error {
	// Held while waking, so Close cannot release the eventfd in between.
	l.postMu.Lock()
	defer l.postMu.Unlock()

	if l.closed.Load() {
		return ErrClosed
	}

	l.posted.Add(fn)
	if !l.woken {
		l.woken = true
		l.wake()
	}

	return nil
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Error("failed to wake up loop", slog.String("error", err.Error()))
	}
}

// Timer is a one-shot timer whose function runs on the loop.
type Timer struct {
	t       *clock.Timer
	stopped atomic.Bool
}

// Stop prevents the timer from firing.
// When called on the loop, the function is guaranteed not to run afterwards.
func (t *Timer) Stop() bool {
	wasActive := !t.stopped.Swap(true)
	t.t.Stop()
	return wasActive
}

// AfterFunc runs fn on the loop once d elapsed on the loop's clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = l.clock.AfterFunc(d, func() {
		_ = l.Post(func() {
			if timer.stopped.Swap(true) {
				return
			}
			fn()
		})
	})

	return timer
}

// Run runs the loop until ctx is done or [Loop.Stop] is called.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	for !l.stopped.Load() {
		l.runPosted()
		if l.stopped.Load() {
			break
		}

		timeout := -1
		if l.hasPosted() {
			timeout = 0
		}

		n, err := unix.EpollWait(l.epfd, l.events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "waiting for events")
		}

		for _, ev := range l.events[:n] {
			fd := int(ev.Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}

			h, ok := l.handlers[fd]
			if !ok {
				// Unregistered by an earlier handler in this batch.
				continue
			}

			failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
			readable := failed || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0
			writable := failed || ev.Events&unix.EPOLLOUT != 0

			l.safeCall("descriptor handler", func() { h(fd, readable, writable) })
		}
	}

	l.stopped.Store(false)
	return nil
}

// Stop makes [Loop.Run] return after the current tick.
func (l *Loop) Stop() {
	l.stopped.Store(true)

	l.postMu.Lock()
	defer l.postMu.Unlock()
	if !l.closed.Load() {
		l.wake()
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) hasPosted() bool {
	l.postMu.Lock()
	defer l.postMu.Unlock()
	return l.posted.Length() > 0
}

// runPosted runs functions posted before this tick started.
// Functions posted while running wait for the next tick.
func (l *Loop) runPosted() {
	l.postMu.Lock()
	n := l.posted.Length()
	fns := make([]func(), 0, n)
	for range n {
		fns = append(fns, l.posted.Remove().(func()))
	}
	l.woken = false
	l.postMu.Unlock()

	for _, fn := range fns {
		l.safeCall("posted function", fn)
	}
}

func (l *Loop) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic in loop callback",
				slog.String("callback", what),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// Close releases the loop. It must not be running.
func (l *Loop) Close() error {
	if l.running.Load() {
		return ErrRunning
	}

	l.postMu.Lock()
	if l.closed.Swap(true) {
		l.postMu.Unlock()
		return nil
	}
	err1 := unix.Close(l.wakefd)
	l.postMu.Unlock()

	clear(l.handlers)

	err2 := unix.Close(l.epfd)
	if err1 != nil {
		return errors.Wrap(err1, "closing eventfd")
	}
	if err2 != nil {
		return errors.Wrap(err2, "closing epoll instance")
	}

	return nil
}
