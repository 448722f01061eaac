package multi

import (
	"time"

	"async-http/application/util/domain"
)

// Poll is the readiness a [Multi] waits for on a descriptor.
type Poll uint8

const (
	PollNone Poll = iota
	PollIn
	PollOut
	PollInOut
	// PollRemove means the descriptor is no longer of interest.
	// It's reported before the descriptor is closed.
	PollRemove
)

func (p Poll) String() string {
	switch p {
	case PollNone:
		return "none"
	case PollIn:
		return "in"
	case PollOut:
		return "out"
	case PollInOut:
		return "inout"
	case PollRemove:
		return "remove"
	}
	return "unknown"
}

// Event is the readiness observed on a descriptor.
type Event uint8

const (
	EventIn Event = 1 << iota
	EventOut
	EventErr
)

// SocketTimeout given to [Multi.SocketAction] in place of a descriptor reports the timer expiry.
const SocketTimeout = -1

type (
	// SocketFunc is told which readiness to wait for on fd.
	SocketFunc func(fd int, what Poll)
	// TimerFunc asks for [Multi.SocketAction] with [SocketTimeout] after d.
	// Negative d disarms the timer. A new call replaces the previous one.
	TimerFunc func(d time.Duration)
)

type Options struct {
	SocketFunc SocketFunc
	TimerFunc  TimerFunc

	// MaxTransfers limits handles added at once. Zero means no limit.
	MaxTransfers int

	// Lookuper resolves hosts of handles without DNS servers.
	// The system resolver is used when nil.
	Lookuper domain.Lookuper
}

var DefaultOptions = Options{
	MaxTransfers: 0,
}

func (o *Options) applyDefaults() {
	if o.SocketFunc == nil {
		o.SocketFunc = func(int, Poll) {}
	}
	if o.TimerFunc == nil {
		o.TimerFunc = func(time.Duration) {}
	}
	if o.Lookuper == nil {
		o.Lookuper = domain.NewSystemLookuper()
	}
}
