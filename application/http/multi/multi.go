// Package multi drives many HTTP/1.1 transfers on non-blocking sockets without goroutines of its own.
//
// The owner of a [Multi] watches descriptors and a single timer on its behalf:
// [Options.SocketFunc] and [Options.TimerFunc] tell what to wait for,
// and [Multi.SocketAction] reports what happened. Finished transfers are read with [Multi.InfoRead].
// All methods must be called from one goroutine.
package multi

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"async-http/application/util/domain"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Message reports a finished transfer.
type Message struct {
	Handle *Handle
	Err    error
}

type resolveResult struct {
	h     *Handle
	job   *resolveJob
	addrs []netip.Addr
	err   error
}

type Multi struct {
	opts Options

	handles map[*Handle]struct{}
	pending []*Handle
	done    *queue.Queue

	// Descriptors being watched.
	sockets map[int]*Handle
	polls   map[int]Poll

	pool *connPool
	buf  []byte

	timerSet bool
	timerAt  time.Time

	// wakefd is an eventfd signaled by resolver goroutines. It's created on first use.
	wakefd    int
	resolveMu sync.Mutex
	resolved  []resolveResult
	resolveWG sync.WaitGroup

	closed bool

	logger *slog.Logger
	clock  clock.Clock
}

const readBufferSize = 16 << 10

func New(logger *slog.Logger, clock clock.Clock, opts Options) *Multi {
	opts.applyDefaults()

	return &Multi{
		opts:    opts,
		handles: make(map[*Handle]struct{}),
		done:    queue.New(),
		sockets: make(map[int]*Handle),
		polls:   make(map[int]Poll),
		pool:    newConnPool(clock),
		buf:     make([]byte, readBufferSize),
		wakefd:  -1,
		logger:  logger,
		clock:   clock,
	}
}

// Add starts h. No I/O happens until the next [Multi.SocketAction].
func (m *Multi) Add(h *Handle) error {
	switch {
	case m.closed:
		return ErrClosed
	case h == nil:
		return ErrBadHandle
	case h.multi != nil:
		return ErrAddedAlready
	case m.opts.MaxTransfers > 0 && len(m.handles) >= m.opts.MaxTransfers:
		return ErrCapacity
	}

	h.reset()
	h.multi = m
	h.state = statePending
	h.startedAt = m.clock.Now()
	h.progressAt = h.startedAt

	m.handles[h] = struct{}{}
	m.pending = append(m.pending, h)

	m.updateTimer()
	return nil
}

// Remove detaches h. A transfer in progress is aborted without a message.
func (m *Multi) Remove(h *Handle) error {
	if h == nil || h.multi != m {
		return ErrBadHandle
	}

	if h.state != stateDone {
		m.release(h)
		h.state = stateDone
	}

	delete(m.handles, h)
	m.pending = slices.DeleteFunc(m.pending, func(p *Handle) bool { return p == h })
	h.multi = nil

	m.updateTimer()
	return nil
}

// Running returns the number of transfers not finished yet.
func (m *Multi) Running() int {
	n := 0
	for h := range m.handles {
		if h.state != stateDone {
			n++
		}
	}
	return n
}

// InfoRead pops a message about a finished transfer.
func (m *Multi) InfoRead() (Message, bool) {
	for m.done.Length() > 0 {
		msg := m.done.Remove().(Message)
		if msg.Handle.multi == m {
			return msg, true
		}
	}
	return Message{}, false
}

// SocketAction advances transfers on fd, or all of them when fd is [SocketTimeout].
// It returns the number of running transfers.
func (m *Multi) SocketAction(fd int, ev Event) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}

	var err error
	switch {
	case fd == SocketTimeout:
		m.timerSet = false
		m.startPending()
	case fd == m.wakefd:
		m.drainWake()
		m.processResolved()
	default:
		h, ok := m.sockets[fd]
		if !ok {
			err = errors.Wrapf(ErrBadSocket, "fd %d", fd)
			break
		}
		m.drive(h, ev)
	}

	m.checkDeadlines()
	m.updateTimer()

	return m.Running(), err
}

func (m *Multi) startPending() {
	pending := m.pending
	m.pending = nil
	for _, h := range pending {
		m.start(h)
	}
}

func (m *Multi) checkDeadlines() {
	now := m.clock.Now()
	for h := range m.handles {
		if !h.state.active() {
			continue
		}
		if err := m.expired(h, now); err != nil {
			m.finish(h, err)
			continue
		}
		// Idle transfers still report progress, so the callback can abort them.
		if h.cfg.ProgressFunc != nil && !now.Before(h.progressAt.Add(ProgressInterval)) {
			m.progress(h)
		}
	}
}

// expired returns the timeout error of h if any limit passed.
func (m *Multi) expired(h *Handle, now time.Time) error {
	elapsed := now.Sub(h.startedAt)

	if h.cfg.Timeout > 0 && elapsed >= h.cfg.Timeout {
		if h.state <= stateConnecting {
			return newError(ErrTimeout, "Connection timed out after %d milliseconds", elapsed.Milliseconds())
		}
		if total, ok := h.contentLength(); ok {
			return newError(ErrTimeout, "Operation timed out after %d milliseconds with %d out of %d bytes received",
				elapsed.Milliseconds(), h.dlNow, total)
		}
		return newError(ErrTimeout, "Operation timed out after %d milliseconds with %d bytes received",
			elapsed.Milliseconds(), h.dlNow)
	}

	switch h.state {
	case stateResolving:
		if elapsed >= h.connectTimeout() {
			return newError(ErrTimeout, "Resolving timed out after %d milliseconds", elapsed.Milliseconds())
		}
	case stateConnecting:
		if elapsed >= h.connectTimeout() {
			return newError(ErrTimeout, "Connection timed out after %d milliseconds", elapsed.Milliseconds())
		}
	case stateSending, stateReceiving:
		if h.cfg.LowSpeedTime > 0 && now.Sub(h.lastActivity) >= h.cfg.LowSpeedTime {
			return newError(ErrTimeout, "Operation too slow. Less than 1 bytes/sec transferred the last %d seconds",
				int64(h.cfg.LowSpeedTime/time.Second))
		}
	}

	return nil
}

// deadline returns when h should be checked next.
func (h *Handle) deadline() (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	if h.cfg.Timeout > 0 {
		consider(h.startedAt.Add(h.cfg.Timeout))
	}

	if h.cfg.ProgressFunc != nil {
		consider(h.progressAt.Add(ProgressInterval))
	}

	switch h.state {
	case stateResolving, stateConnecting:
		consider(h.startedAt.Add(h.connectTimeout()))
	case stateSending, stateReceiving:
		if h.cfg.LowSpeedTime > 0 {
			consider(h.lastActivity.Add(h.cfg.LowSpeedTime))
		}
	}

	return next, !next.IsZero()
}

func (m *Multi) updateTimer() {
	now := m.clock.Now()

	var next time.Time
	if len(m.pending) > 0 {
		next = now
	} else {
		for h := range m.handles {
			if !h.state.active() {
				continue
			}
			if d, ok := h.deadline(); ok && (next.IsZero() || d.Before(next)) {
				next = d
			}
		}
	}

	if next.IsZero() {
		if m.timerSet {
			m.timerSet = false
			m.opts.TimerFunc(-1)
		}
		return
	}

	if m.timerSet && m.timerAt.Equal(next) {
		return
	}

	m.timerSet = true
	m.timerAt = next
	m.opts.TimerFunc(max(0, next.Sub(now)))
}

func (m *Multi) watch(fd int, h *Handle, poll Poll) {
	m.sockets[fd] = h
	if m.polls[fd] == poll {
		return
	}
	m.polls[fd] = poll
	m.opts.SocketFunc(fd, poll)
}

// unwatch must be called before fd is closed.
func (m *Multi) unwatch(fd int) {
	if _, ok := m.polls[fd]; !ok {
		return
	}
	delete(m.polls, fd)
	delete(m.sockets, fd)
	m.opts.SocketFunc(fd, PollRemove)
}

func (m *Multi) ensureWake() error {
	if m.wakefd >= 0 {
		return nil
	}

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "creating eventfd")
	}

	m.wakefd = fd
	m.polls[fd] = PollIn
	m.opts.SocketFunc(fd, PollIn)

	return nil
}

func (m *Multi) signalWake(fd int) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		m.logger.Error("failed to signal resolver completion", slog.String("error", err.Error()))
	}
}

func (m *Multi) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (m *Multi) resolve(h *Handle) {
	if err := m.ensureWake(); err != nil {
		m.finish(h, newError(ErrResolve, "Could not resolve host: %s (%s)", h.target.host, err))
		return
	}

	lookuper := m.opts.Lookuper
	if h.lookuper != nil {
		lookuper = h.lookuper
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &resolveJob{cancel: cancel}
	h.resolving = job
	h.state = stateResolving

	host, wakefd := h.target.host, m.wakefd
	m.resolveWG.Add(1)
	go func() {
		defer m.resolveWG.Done()
		defer cancel()

		addrs, err := lookuper.LookupIP(ctx, host)

		m.resolveMu.Lock()
		m.resolved = append(m.resolved, resolveResult{h: h, job: job, addrs: addrs, err: err})
		m.resolveMu.Unlock()

		m.signalWake(wakefd)
	}()
}

func (m *Multi) processResolved() {
	m.resolveMu.Lock()
	results := m.resolved
	m.resolved = nil
	m.resolveMu.Unlock()

	for _, r := range results {
		h := r.h
		if h.resolving != r.job || h.state != stateResolving {
			// Aborted meanwhile.
			continue
		}
		h.resolving = nil

		if r.err != nil || len(r.addrs) == 0 {
			what := "host"
			if h.target.proxy {
				what = "proxy"
			}
			if r.err != nil && !errors.Is(r.err, domain.ErrDomainNotFound) {
				m.logger.Debug("lookup failed", slog.String("host", h.target.host), slog.Any("error", r.err))
			}
			m.finish(h, newError(ErrResolve, "Could not resolve %s: %s", what, h.target.host))
			continue
		}

		h.addrs = r.addrs
		m.connect(h)
	}
}

// release drops everything h holds for the current attempt. Connections are closed.
func (m *Multi) release(h *Handle) {
	if h.resolving != nil {
		h.resolving.cancel()
		h.resolving = nil
	}
	if h.dialing != nil {
		m.unwatch(h.dialing.Fd())
		_ = h.dialing.Close()
		h.dialing = nil
	}
	if h.conn != nil {
		m.unwatch(h.conn.fd())
		if err := h.conn.close(); err != nil {
			m.logger.Debug("failed to close connection", slog.Any("error", err))
		}
		h.conn = nil
	}
}

// finish ends the transfer of h with err, which is nil on success.
func (m *Multi) finish(h *Handle, err error) {
	m.release(h)

	h.state = stateDone
	h.err = err
	if err != nil {
		h.debugf("%s", err)
	}

	m.done.Add(Message{Handle: h, Err: err})
}

// Close aborts all transfers and releases every resource.
func (m *Multi) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	for h := range m.handles {
		if h.state != stateDone {
			m.release(h)
			h.state = stateDone
		}
		h.multi = nil
	}
	clear(m.handles)
	m.pending = nil

	m.resolveWG.Wait()

	var merr *multierror.Error
	if err := m.pool.closeAll(); err != nil {
		merr = multierror.Append(merr, err)
	}

	if m.wakefd >= 0 {
		m.unwatch(m.wakefd)
		if err := unix.Close(m.wakefd); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "closing eventfd"))
		}
		m.wakefd = -1
	}

	if m.timerSet {
		m.timerSet = false
		m.opts.TimerFunc(-1)
	}

	return merr.ErrorOrNil()
}
