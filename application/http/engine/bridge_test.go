package engine

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"async-http/application/http/multi"
	"async-http/lib/reactor"
	"async-http/transport/socket"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type socketAdvance struct {
	fd int
	ev multi.Event
}

type fakeAdvancer struct {
	sockets  chan socketAdvance
	timeouts chan struct{}
	checks   chan struct{}
	active   int
}

func newFakeAdvancer() *fakeAdvancer {
	return &fakeAdvancer{
		sockets:  make(chan socketAdvance, 16),
		timeouts: make(chan struct{}, 16),
		checks:   make(chan struct{}, 16),
	}
}

func (f *fakeAdvancer) advanceBySocket(fd int, ev multi.Event) {
	f.sockets <- socketAdvance{fd: fd, ev: ev}
}
func (f *fakeAdvancer) advanceByTimeout() { f.timeouts <- struct{}{} }
func (f *fakeAdvancer) checkCompletions() { f.checks <- struct{}{} }
func (f *fakeAdvancer) running() int      { return f.active }

type BridgeTestSuite struct {
	suite.Suite

	clock  *clock.Mock
	loop   *reactor.Loop
	coord  *fakeAdvancer
	bridge *bridge

	cancel context.CancelFunc
	done   chan error
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (s *BridgeTestSuite) SetupTest() {
	logger := slog.New(slog.DiscardHandler)
	s.clock = clock.NewMock()

	loop, err := reactor.New(logger, s.clock)
	s.Require().NoError(err)
	s.loop = loop

	s.coord = newFakeAdvancer()
	s.coord.active = 1
	s.bridge = newBridge(loop, logger)
	s.bridge.coord = s.coord

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.loop.Run(ctx) }()
}

func (s *BridgeTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())

	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("loop did not stop")
	}
	s.NoError(s.loop.Close())
}

func (s *BridgeTestSuite) onLoop(fn func()) {
	done := make(chan struct{})
	s.Require().NoError(s.loop.Post(func() {
		defer close(done)
		fn()
	}))
	<-done
}

func receive[T any](s *suite.Suite, ch chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		s.FailNow("nothing received")
	}
	var zero T
	return zero
}

func nothing[T any](s *suite.Suite, ch chan T) {
	select {
	case <-ch:
		s.Fail("unexpected receive")
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *BridgeTestSuite) TestZeroTimeout() {
	s.onLoop(func() { s.bridge.setTimeout(0) })

	receive(&s.Suite, s.coord.timeouts)
	receive(&s.Suite, s.coord.checks)
}

func (s *BridgeTestSuite) TestTimeout() {
	s.onLoop(func() { s.bridge.setTimeout(time.Second) })

	s.clock.Add(999 * time.Millisecond)
	nothing(&s.Suite, s.coord.timeouts)

	s.clock.Add(time.Millisecond)
	receive(&s.Suite, s.coord.timeouts)
}

func (s *BridgeTestSuite) TestRearm() {
	s.onLoop(func() {
		s.bridge.setTimeout(time.Second)
		s.bridge.setTimeout(2 * time.Second)
	})

	s.clock.Add(time.Second)
	nothing(&s.Suite, s.coord.timeouts)

	s.clock.Add(time.Second)
	receive(&s.Suite, s.coord.timeouts)
	nothing(&s.Suite, s.coord.timeouts)
}

func (s *BridgeTestSuite) TestDisarm() {
	s.onLoop(func() {
		s.bridge.setTimeout(0)
		s.bridge.setTimeout(time.Second)
		s.bridge.setTimeout(-1)
	})

	s.clock.Add(time.Minute)
	nothing(&s.Suite, s.coord.timeouts)
}

func (s *BridgeTestSuite) TestDisarmWhenIdle() {
	s.onLoop(func() { s.bridge.setTimeout(time.Second) })

	s.coord.active = 0
	s.onLoop(func() { s.bridge.onSocketEvent(3, true, false) })
	receive(&s.Suite, s.coord.sockets)

	s.onLoop(func() { s.False(s.bridge.armed) })

	s.clock.Add(time.Minute)
	nothing(&s.Suite, s.coord.timeouts)
}

func (s *BridgeTestSuite) TestSocketEvents() {
	s.onLoop(func() {
		s.bridge.onSocketEvent(3, true, false)
		s.bridge.onSocketEvent(4, false, true)
		s.bridge.onSocketEvent(5, true, true)
	})

	s.Equal(socketAdvance{fd: 3, ev: multi.EventIn}, receive(&s.Suite, s.coord.sockets))
	s.Equal(socketAdvance{fd: 4, ev: multi.EventOut}, receive(&s.Suite, s.coord.sockets))
	s.Equal(socketAdvance{fd: 5, ev: multi.EventIn | multi.EventOut}, receive(&s.Suite, s.coord.sockets))

	// Advances within a tick share one completion check.
	receive(&s.Suite, s.coord.checks)
	nothing(&s.Suite, s.coord.checks)
}

type WatchTestSuite struct {
	suite.Suite

	loop     *reactor.Loop
	registry *watchRegistry

	conn *socket.Conn
	peer net.Conn
}

func TestWatchTestSuite(t *testing.T) {
	suite.Run(t, new(WatchTestSuite))
}

func (s *WatchTestSuite) SetupTest() {
	logger := slog.New(slog.DiscardHandler)

	loop, err := reactor.New(logger, clock.NewMock())
	s.Require().NoError(err)
	s.loop = loop
	s.registry = newWatchRegistry(loop, func(int, bool, bool) {}, logger)

	s.conn, s.peer, err = socket.Pair()
	s.Require().NoError(err)
}

func (s *WatchTestSuite) TearDownTest() {
	s.registry.closeAll()
	s.NoError(s.conn.Close())
	s.NoError(s.peer.Close())
	s.NoError(s.loop.Close())
}

func (s *WatchTestSuite) TestAddOrUpdate() {
	fd := s.conn.Fd()

	s.Require().NoError(s.registry.addOrUpdate(fd, reactor.Readable))
	s.True(s.loop.Registered(fd))
	s.Equal(1, s.registry.len())

	// Updating never fails with a second registration.
	s.Require().NoError(s.registry.addOrUpdate(fd, reactor.Readable|reactor.Writable))
	s.Equal(1, s.registry.len())
	s.Equal(reactor.Readable|reactor.Writable, s.registry.watches[fd].interest)

	s.registry.remove(fd)
	s.False(s.loop.Registered(fd))
	s.Zero(s.registry.len())

	// Unknown descriptors are ignored.
	s.registry.remove(fd)
}

func (s *WatchTestSuite) TestSocketFunc() {
	fd := s.conn.Fd()

	testcases := []struct {
		poll     multi.Poll
		interest reactor.Interest
	}{
		{poll: multi.PollIn, interest: reactor.Readable},
		{poll: multi.PollOut, interest: reactor.Writable},
		{poll: multi.PollInOut, interest: reactor.Readable | reactor.Writable},
	}

	for _, tc := range testcases {
		s.Run(tc.poll.String(), func() {
			s.registry.socketFunc(fd, tc.poll)
			s.Require().Contains(s.registry.watches, fd)
			s.Equal(tc.interest, s.registry.watches[fd].interest)
		})
	}

	s.registry.socketFunc(fd, multi.PollRemove)
	s.NotContains(s.registry.watches, fd)
	s.False(s.loop.Registered(fd))
}
