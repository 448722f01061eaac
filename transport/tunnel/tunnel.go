// Package tunnel bridges a non-blocking socket to a blocking TLS or proxy connection.
//
// A goroutine dials the remote end, optionally issues HTTP CONNECT, performs the
// TLS handshake, and then copies bytes between the remote end and one side of a
// socketpair. The other side is handed to the readiness loop.
package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"async-http/application/http"
	"async-http/transport/socket"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Stages of a tunnel failure. Use errors.Is on [Tunnel.Err].
var (
	ErrDial           = errors.New("dial failed")
	ErrConnectTimeout = errors.New("connection timed out")
	ErrProxy          = errors.New("proxy CONNECT failed")
	ErrProxyRefused   = errors.New("proxy refused CONNECT")
	ErrHandshake      = errors.New("TLS handshake failed")
)

// Error is a tunnel failure. Its text is meant to be shown to users as is.
type Error struct {
	Stage error
	Msg   string
}

func stageError(stage error, format string, args ...any) *Error {
	return &Error{Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Stage }

type Options struct {
	// Addr is the address to dial. It is the proxy when Connect is set.
	Addr netip.AddrPort
	// Connect is the "host:port" authority for HTTP CONNECT. Empty means no proxy tunnel.
	Connect string
	// TLS enables TLS over the (tunneled) connection.
	TLS *tls.Config

	// ConnectTimeout bounds dial, CONNECT and handshake. Zero means no limit.
	ConnectTimeout time.Duration
	// Clock measures ConnectTimeout. Nil means the wall clock.
	Clock clock.Clock
}

type Tunnel struct {
	conn *socket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	err         error
	established bool

	logger *slog.Logger
}

// Open starts the tunnel and returns immediately.
// Failures are reported by Err after the loop side reads EOF.
func Open(logger *slog.Logger, opts Options) (*Tunnel, error) {
	local, peer, err := socket.Pair()
	if err != nil {
		return nil, errors.Wrap(err, "creating socket pair")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		conn:   local,
		cancel: cancel,
		logger: logger,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx, peer, opts)
	}()

	return t, nil
}

// Conn returns the loop side of the tunnel.
func (t *Tunnel) Conn() *socket.Conn { return t.conn }

// Err returns the error which ended the tunnel, if any.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Established reports whether dial, CONNECT and handshake have completed.
func (t *Tunnel) Established() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established
}

func (t *Tunnel) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Close closes the loop side and waits for the tunnel goroutines to exit.
func (t *Tunnel) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *Tunnel) run(ctx context.Context, peer net.Conn, opts Options) {
	stop := context.AfterFunc(ctx, func() { _ = peer.Close() })
	defer stop()

	remote, err := t.establish(ctx, opts)
	if err != nil {
		t.logger.Debug("tunnel failed", slog.String("addr", opts.Addr.String()), slog.Any("error", err))
		t.setErr(err)
		_ = peer.Close()
		return
	}

	t.mu.Lock()
	t.established = true
	t.mu.Unlock()

	stopRemote := context.AfterFunc(ctx, func() { _ = remote.Close() })
	defer stopRemote()

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = remote.Close()
			_ = peer.Close()
		})
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer closeBoth()
		_, _ = io.Copy(remote, peer)
	}()

	_, err = io.Copy(peer, remote)
	if err != nil && ctx.Err() == nil {
		t.setErr(errors.Wrap(err, "receiving"))
	}
	closeBoth()
}

func (t *Tunnel) establish(ctx context.Context, opts Options) (net.Conn, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	started := clk.Now()
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clk.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	timedOut := func(err error) error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			elapsed := clk.Since(started).Milliseconds()
			return stageError(ErrConnectTimeout, "Connection timed out after %d milliseconds", elapsed)
		}
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Addr.String())
	if err != nil {
		return nil, timedOut(stageError(ErrDial,
			"Failed to connect to %s port %d: %s", opts.Addr.Addr(), opts.Addr.Port(), dialReason(err),
		))
	}

	if opts.Connect != "" {
		if conn, err = connectProxy(ctx, conn, opts.Connect); err != nil {
			_ = conn.Close()
			return nil, timedOut(err)
		}
	}

	if opts.TLS != nil {
		tlsConn := tls.Client(conn, opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, timedOut(describeTLSError(err, opts.TLS.ServerName))
		}
		conn = tlsConn
	}

	return conn, nil
}

func dialReason(err error) string {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		err = opErr.Err
	}
	var sysErr interface{ Unwrap() error }
	if errors.As(err, &sysErr) && sysErr.Unwrap() != nil {
		err = sysErr.Unwrap()
	}
	return err.Error()
}

// bufferedConn reads through the decoder's buffer so no tunneled byte is lost.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func connectProxy(ctx context.Context, conn net.Conn, authority string) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req := http.Request{
		RequestLine: http.RequestLine{
			Method:  "CONNECT",
			Target:  authority,
			Version: http.Version{1, 1},
		},
		Headers: []http.Field{
			{Name: []byte("Host"), Value: []byte(authority)},
			{Name: []byte("Proxy-Connection"), Value: []byte("Keep-Alive")},
		},
	}

	if err := http.NewRequestEncoder(conn, http.DefaultEncodeOptions).Encode(req); err != nil {
		return conn, stageError(ErrProxy, "Proxy CONNECT aborted: %s", errors.Cause(err))
	}

	var resp http.Response
	if err := http.NewResponseDecoder(conn, http.DefaultDecodeOptions).Decode(&resp); err != nil {
		return conn, stageError(ErrProxy, "Proxy CONNECT aborted: %s", errors.Cause(err))
	}

	if resp.StatusCode/100 != 2 {
		return conn, stageError(ErrProxyRefused,
			"Received HTTP code %d from proxy after CONNECT", resp.StatusCode)
	}

	return &bufferedConn{Conn: conn, r: resp.Body}, nil
}

func describeTLSError(err error, serverName string) error {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)

	switch {
	case errors.As(err, &hostname):
		return stageError(ErrHandshake, "SSL: no alternative certificate subject name matches target host name '%s'", serverName)
	case errors.As(err, &unknownAuthority):
		return stageError(ErrHandshake, "SSL certificate problem: unable to get local issuer certificate")
	case errors.As(err, &invalid):
		return stageError(ErrHandshake, "SSL certificate problem: %s", invalid.Error())
	case errors.As(err, &verification):
		return stageError(ErrHandshake, "SSL certificate problem: %s", verification.Err)
	}

	return stageError(ErrHandshake, "SSL connect error: %s", err)
}

// Authority returns "host:port" for CONNECT.
func Authority(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}
