package multi

import (
	"time"

	"async-http/transport"
	"async-http/transport/socket"
	"async-http/transport/tunnel"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	maxIdleAge     = 118 * time.Second
	maxIdlePerHost = 8
)

// connKey tells which connections can serve a request.
type connKey struct {
	scheme string
	host   string
	port   uint16

	// proxy is "host:port" of the proxy in use, if any.
	proxy  string
	tunnel bool
}

type pooledConn struct {
	key    connKey
	conn   *socket.Conn
	tunnel *tunnel.Tunnel

	idleSince time.Time
}

func (pc *pooledConn) fd() int { return pc.conn.Fd() }

func (pc *pooledConn) close() error {
	if pc.tunnel != nil {
		return pc.tunnel.Close()
	}
	return pc.conn.Close()
}

// alive peeks the idle connection.
// The peer must not send anything while no request is in flight, so data or EOF means it's unusable.
func (pc *pooledConn) alive() bool {
	if pc.tunnel != nil && pc.tunnel.Err() != nil {
		return false
	}

	var b [1]byte
	_, err := pc.conn.Read(b[:])
	return errors.Is(err, transport.ErrWouldBlock)
}

// connPool keeps idle connections for reuse.
// It's only used on the goroutine driving the multi, so it has no lock.
type connPool struct {
	idle map[connKey][]*pooledConn

	maxAge     time.Duration
	maxPerHost int
	clock      clock.Clock
}

func newConnPool(clock clock.Clock) *connPool {
	return &connPool{
		idle:       make(map[connKey][]*pooledConn),
		maxAge:     maxIdleAge,
		maxPerHost: maxIdlePerHost,
		clock:      clock,
	}
}

// get takes the most recently used live connection for key.
func (pool *connPool) get(key connKey) *pooledConn {
	conns := pool.idle[key]
	now := pool.clock.Now()

	for idx := len(conns) - 1; idx >= 0; idx-- {
		pc := conns[idx]
		conns = conns[:idx]

		if now.Sub(pc.idleSince) >= pool.maxAge || !pc.alive() {
			_ = pc.close()
			continue
		}

		pool.store(key, conns)
		return pc
	}

	pool.store(key, conns)
	return nil
}

// put returns pc to the pool. The oldest connection is closed when the pool is full.
func (pool *connPool) put(pc *pooledConn) {
	pc.idleSince = pool.clock.Now()

	conns := append(pool.idle[pc.key], pc)
	if len(conns) > pool.maxPerHost {
		_ = conns[0].close()
		conns = conns[1:]
	}

	pool.store(pc.key, conns)
}

func (pool *connPool) store(key connKey, conns []*pooledConn) {
	if len(conns) == 0 {
		delete(pool.idle, key)
		return
	}
	pool.idle[key] = conns
}

func (pool *connPool) len() int {
	n := 0
	for _, conns := range pool.idle {
		n += len(conns)
	}
	return n
}

func (pool *connPool) closeAll() error {
	var merr *multierror.Error
	for key, conns := range pool.idle {
		for _, pc := range conns {
			if err := pc.close(); err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "closing connection to %s", key.host))
			}
		}
		delete(pool.idle, key)
	}

	return merr.ErrorOrNil()
}
