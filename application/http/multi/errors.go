package multi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by [Multi] methods.
var (
	ErrCapacity     = errors.New("too many transfers")
	ErrBadHandle    = errors.New("invalid easy handle")
	ErrAddedAlready = errors.New("easy handle already added to a multi handle")
	ErrBadSocket    = errors.New("invalid socket argument")
	ErrClosed       = errors.New("multi handle is closed")
)

// ErrAbort returned from a ReadFunc aborts the transfer.
var ErrAbort = errors.New("abort")

// Kinds of transfer failures. Use errors.Is on [Handle.Error].
var (
	ErrResolve      = errors.New("couldn't resolve host name")
	ErrConnect      = errors.New("couldn't connect to server")
	ErrTimeout      = errors.New("timeout was reached")
	ErrSend         = errors.New("failed sending data to the peer")
	ErrRecv         = errors.New("failure when receiving data from the peer")
	ErrEmptyReply   = errors.New("server returned nothing")
	ErrPartial      = errors.New("transferred a partial file")
	ErrWeirdReply   = errors.New("weird server reply")
	ErrWrite        = errors.New("failed writing received data")
	ErrAbortedByCB  = errors.New("operation was aborted by an application callback")
	ErrReadCallback = errors.New("failed to read data from the read callback")
	ErrTunnel       = errors.New("secure or proxy connection failed")
	ErrBadRequest   = errors.New("request could not be built")
)

// TransferError is the result of a failed transfer.
// Its text is reported to users as is.
type TransferError struct {
	Kind error
	Msg  string
}

func newError(kind error, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *TransferError) Error() string { return e.Msg }
func (e *TransferError) Unwrap() error { return e.Kind }
