package tunnel

import (
	"bufio"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"async-http/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

type TunnelTestSuite struct {
	suite.Suite

	server *httptest.Server
	caFile string
	logger *slog.Logger
	ignore goleak.Option
}

func TestTunnelTestSuite(t *testing.T) {
	suite.Run(t, new(TunnelTestSuite))
}

func (s *TunnelTestSuite) SetupTest() {
	s.ignore = goleak.IgnoreCurrent()
	s.logger = slog.New(slog.DiscardHandler)
	s.server = httptest.NewTLSServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))

	s.caFile = filepath.Join(s.T().TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.server.Certificate().Raw})
	s.Require().NoError(os.WriteFile(s.caFile, pemBytes, 0o600))
}

func (s *TunnelTestSuite) TearDownTest() {
	s.server.Close()
	goleak.VerifyNone(s.T(), s.ignore)
}

func (s *TunnelTestSuite) serverAddr() netip.AddrPort {
	return netip.MustParseAddrPort(s.server.Listener.Addr().String())
}

func (s *TunnelTestSuite) tlsOptions() TLSOptions {
	return TLSOptions{
		ServerName: "example.com",
		VerifyPeer: true,
		VerifyHost: true,
		CAFile:     s.caFile,
	}
}

// exchange writes req and reads until EOF, polling the non-blocking end.
func (s *TunnelTestSuite) exchange(t *Tunnel, req string) string {
	c := t.Conn()
	deadline := time.Now().Add(5 * time.Second)

	poll := func(events int16) {
		fds := []unix.PollFd{{Fd: int32(c.Fd()), Events: events}}
		_, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			s.FailNow("poll", err)
		}
	}

	for len(req) > 0 {
		s.Require().True(time.Now().Before(deadline), "write timed out")
		n, err := c.Write([]byte(req))
		if errors.Is(err, transport.ErrWouldBlock) {
			poll(unix.POLLOUT)
			continue
		}
		if err != nil {
			// The tunnel closed before the request could be written.
			return ""
		}
		req = req[n:]
	}

	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		s.Require().True(time.Now().Before(deadline), "read timed out")
		n, err := c.Read(buf)
		switch {
		case errors.Is(err, transport.ErrWouldBlock):
			poll(unix.POLLIN)
		case errors.Is(err, io.EOF):
			return out.String()
		case err != nil:
			return out.String()
		default:
			out.Write(buf[:n])
		}
	}
}

const getRequest = "GET /path HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"

func (s *TunnelTestSuite) TestTLS() {
	cfg, err := s.tlsOptions().Config()
	s.Require().NoError(err)

	t, err := Open(s.logger, Options{Addr: s.serverAddr(), TLS: cfg, ConnectTimeout: 5 * time.Second})
	s.Require().NoError(err)
	defer t.Close()

	out := s.exchange(t, getRequest)
	s.True(strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	s.True(strings.HasSuffix(out, "hello /path"), out)
	s.True(t.Established())
	s.NoError(t.Err())
}

func (s *TunnelTestSuite) TestVerifyFailures() {
	testcases := []struct {
		desc    string
		modify  func(o *TLSOptions)
		wantErr string
	}{
		{
			desc:    "unknown authority",
			modify:  func(o *TLSOptions) { o.CAFile = "" },
			wantErr: "SSL certificate problem: unable to get local issuer certificate",
		},
		{
			desc:    "host mismatch",
			modify:  func(o *TLSOptions) { o.ServerName = "wrong.test" },
			wantErr: "SSL: no alternative certificate subject name matches target host name 'wrong.test'",
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			opts := s.tlsOptions()
			tc.modify(&opts)
			cfg, err := opts.Config()
			s.Require().NoError(err)

			t, err := Open(s.logger, Options{Addr: s.serverAddr(), TLS: cfg})
			s.Require().NoError(err)
			defer t.Close()

			s.Empty(s.exchange(t, getRequest))
			s.Require().Error(t.Err())
			s.Equal(tc.wantErr, t.Err().Error())
			s.ErrorIs(t.Err(), ErrHandshake)
			s.False(t.Established())
		})
	}
}

func (s *TunnelTestSuite) TestSkipVerification() {
	testcases := []struct {
		desc   string
		modify func(o *TLSOptions)
	}{
		{
			desc:   "no host check",
			modify: func(o *TLSOptions) { o.ServerName, o.VerifyHost = "wrong.test", false },
		},
		{
			desc:   "no peer check",
			modify: func(o *TLSOptions) { o.CAFile, o.VerifyPeer = "", false },
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			opts := s.tlsOptions()
			tc.modify(&opts)
			cfg, err := opts.Config()
			s.Require().NoError(err)

			t, err := Open(s.logger, Options{Addr: s.serverAddr(), TLS: cfg})
			s.Require().NoError(err)
			defer t.Close()

			out := s.exchange(t, getRequest)
			s.True(strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
		})
	}
}

func (s *TunnelTestSuite) TestConnectRefused() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	s.Require().NoError(ln.Close())

	t, err := Open(s.logger, Options{Addr: addr})
	s.Require().NoError(err)
	defer t.Close()

	s.Empty(s.exchange(t, getRequest))
	s.Require().Error(t.Err())
	s.ErrorIs(t.Err(), ErrDial)
	s.Contains(t.Err().Error(), "Failed to connect to 127.0.0.1 port")
}

// startProxy accepts one CONNECT and answers with status.
// On 200 it pipes bytes to the requested authority.
func (s *TunnelTestSuite) startProxy(status int) (netip.AddrPort, <-chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	targets := make(chan string, 1)
	go func() {
		defer ln.Close()

		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		br := bufio.NewReader(c)
		req, err := nethttp.ReadRequest(br)
		if err != nil || req.Method != nethttp.MethodConnect {
			return
		}
		targets <- req.Host

		if status != nethttp.StatusOK {
			_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
			return
		}

		upstream, err := net.Dial("tcp", req.Host)
		if err != nil {
			return
		}
		defer upstream.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")

		done := make(chan struct{})
		go func() {
			_, _ = io.Copy(upstream, br)
			close(done)
		}()
		_, _ = io.Copy(c, upstream)
		_ = c.Close()
		<-done
	}()

	return netip.MustParseAddrPort(ln.Addr().String()), targets
}

func (s *TunnelTestSuite) TestProxyConnect() {
	proxy, targets := s.startProxy(nethttp.StatusOK)

	cfg, err := s.tlsOptions().Config()
	s.Require().NoError(err)

	authority := s.server.Listener.Addr().String()
	t, err := Open(s.logger, Options{Addr: proxy, Connect: authority, TLS: cfg})
	s.Require().NoError(err)
	defer t.Close()

	out := s.exchange(t, getRequest)
	s.True(strings.HasSuffix(out, "hello /path"), out)
	s.Equal(authority, <-targets)
}

func (s *TunnelTestSuite) TestProxyRefused() {
	proxy, _ := s.startProxy(nethttp.StatusForbidden)

	t, err := Open(s.logger, Options{Addr: proxy, Connect: "example.com:443"})
	s.Require().NoError(err)
	defer t.Close()

	s.Empty(s.exchange(t, getRequest))
	s.ErrorIs(t.Err(), ErrProxyRefused)
	s.Contains(t.Err().Error(), "Received HTTP code 403 from proxy after CONNECT")
}

func (s *TunnelTestSuite) TestCloseWhileConnecting() {
	// A listener which never completes the TLS handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()

	cfg, err := s.tlsOptions().Config()
	s.Require().NoError(err)

	t, err := Open(s.logger, Options{Addr: netip.MustParseAddrPort(ln.Addr().String()), TLS: cfg})
	s.Require().NoError(err)

	c, err := ln.Accept()
	s.Require().NoError(err)
	defer c.Close()

	s.NoError(t.Close())
}

func TestTLSOptionsConfig(t *testing.T) {
	_, err := TLSOptions{VerifyPeer: true, CertFile: "/non/existent.pem"}.Config()
	assert.ErrorContains(t, err, "unable to use client certificate")

	_, err = TLSOptions{CertFile: "/dev/null", CertType: "P12"}.Config()
	assert.ErrorIs(t, err, ErrUnsupportedCertType)

	cfg, err := TLSOptions{VerifyPeer: true, CAPath: "."}.Config()
	assert.NoError(t, err)
	assert.Nil(t, cfg.RootCAs, "working directory is not a CA path")

	_, err = TLSOptions{VerifyPeer: true, CAFile: "/dev/null"}.Config()
	assert.NoError(t, err, "not a regular file, so the system pool is used")
}

func (s *TunnelTestSuite) TestConnectTimeout() {
	// A listener which never completes the TLS handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()

	cfg, err := s.tlsOptions().Config()
	s.Require().NoError(err)

	mock := clock.NewMock()
	t, err := Open(s.logger, Options{
		Addr:           netip.MustParseAddrPort(ln.Addr().String()),
		TLS:            cfg,
		ConnectTimeout: 5 * time.Second,
		Clock:          mock,
	})
	s.Require().NoError(err)
	defer t.Close()

	c, err := ln.Accept()
	s.Require().NoError(err)
	defer c.Close()

	mock.Add(5 * time.Second)

	s.Empty(s.exchange(t, getRequest))
	s.ErrorIs(t.Err(), ErrConnectTimeout)
	s.EqualError(t.Err(), "Connection timed out after 5000 milliseconds")
}
