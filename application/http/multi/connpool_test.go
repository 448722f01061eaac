package multi

import (
	"net"
	"testing"
	"time"

	"async-http/transport/socket"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

type ConnPoolTestSuite struct {
	suite.Suite

	clock *clock.Mock
	pool  *connPool
	peers []net.Conn
}

func TestConnPoolTestSuite(t *testing.T) {
	suite.Run(t, new(ConnPoolTestSuite))
}

func (s *ConnPoolTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.pool = newConnPool(s.clock)
	s.peers = nil
}

func (s *ConnPoolTestSuite) TearDownTest() {
	s.NoError(s.pool.closeAll())
	for _, peer := range s.peers {
		_ = peer.Close()
	}
}

var testKey = connKey{scheme: "http", host: "example.com", port: 80}

func (s *ConnPoolTestSuite) newConn(key connKey) (*pooledConn, net.Conn) {
	local, peer, err := socket.Pair()
	s.Require().NoError(err)
	s.peers = append(s.peers, peer)

	return &pooledConn{key: key, conn: local}, peer
}

func (s *ConnPoolTestSuite) TestLIFO() {
	first, _ := s.newConn(testKey)
	second, _ := s.newConn(testKey)

	s.pool.put(first)
	s.pool.put(second)
	s.Equal(2, s.pool.len())

	s.Same(second, s.pool.get(testKey))
	s.Same(first, s.pool.get(testKey))
	s.Nil(s.pool.get(testKey))
	s.Zero(s.pool.len())

	_ = first.close()
	_ = second.close()
}

func (s *ConnPoolTestSuite) TestKeys() {
	pc, _ := s.newConn(testKey)
	s.pool.put(pc)

	testcases := []struct {
		desc string
		key  connKey
	}{
		{desc: "scheme", key: connKey{scheme: "https", host: "example.com", port: 80}},
		{desc: "host", key: connKey{scheme: "http", host: "example.org", port: 80}},
		{desc: "port", key: connKey{scheme: "http", host: "example.com", port: 8080}},
		{desc: "proxy", key: connKey{scheme: "http", host: "example.com", port: 80, proxy: "127.0.0.1:3128"}},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			s.Nil(s.pool.get(tc.key))
		})
	}

	s.Equal(1, s.pool.len())
}

func (s *ConnPoolTestSuite) TestMaxAge() {
	pc, _ := s.newConn(testKey)
	s.pool.put(pc)

	s.clock.Add(maxIdleAge)
	s.Nil(s.pool.get(testKey))
	s.Zero(s.pool.len())
}

func (s *ConnPoolTestSuite) TestDeadConn() {
	testcases := []struct {
		desc string
		kill func(peer net.Conn)
	}{
		{desc: "closed by peer", kill: func(peer net.Conn) { _ = peer.Close() }},
		{desc: "unexpected data", kill: func(peer net.Conn) { _, _ = peer.Write([]byte("x")) }},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			pc, peer := s.newConn(testKey)
			s.pool.put(pc)

			tc.kill(peer)
			// Let the socket observe it.
			time.Sleep(10 * time.Millisecond)

			s.Nil(s.pool.get(testKey))
		})
	}
}

func (s *ConnPoolTestSuite) TestLimit() {
	conns := make([]*pooledConn, maxIdlePerHost+1)
	for idx := range conns {
		conns[idx], _ = s.newConn(testKey)
		s.pool.put(conns[idx])
	}

	s.Equal(maxIdlePerHost, s.pool.len())

	// The oldest one was evicted and closed.
	_, err := conns[0].conn.Read(make([]byte, 1))
	s.Error(err)

	got := s.pool.get(testKey)
	s.Same(conns[maxIdlePerHost], got)
	_ = got.close()
}
