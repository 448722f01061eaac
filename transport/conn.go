package transport

import (
	"net/netip"

	"github.com/pkg/errors"
)

var (
	ErrConnClosed = errors.New("connection is closed")
	// ErrWouldBlock is returned by non-blocking I/O when the descriptor is not ready.
	ErrWouldBlock = errors.New("operation would block")
)

// Conn is a non-blocking stream connection driven by a readiness loop.
// Read and Write never block; they return ErrWouldBlock instead.
// Read returns io.EOF when the peer closed its side.
type Conn interface {
	Fd() int

	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	RemoteAddr() netip.AddrPort
}
