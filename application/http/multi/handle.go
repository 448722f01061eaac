package multi

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"async-http/application/http"
	"async-http/application/http/transfer"
	"async-http/application/util/domain"
	"async-http/application/util/rule"
	"async-http/application/util/uri"
	"async-http/transport/socket"
	"async-http/transport/tunnel"

	"github.com/pkg/errors"
)

const (
	DefaultLowSpeedTime   = 60 * time.Second
	DefaultConnectTimeout = 300 * time.Second

	// ProgressInterval is the longest time ProgressFunc goes uncalled while a transfer is active.
	ProgressInterval = time.Second
)

// DebugKind tells what kind of data a DebugFunc receives.
type DebugKind uint8

const (
	DebugText DebugKind = iota
	DebugHeaderIn
	DebugHeaderOut
)

type (
	// ReadFunc fills p with request body. Returning 0 with nil error ends the body.
	// Any error aborts the transfer.
	ReadFunc func(p []byte) (n int, err error)
	// WriteFunc consumes response body. Returning less than len(p) aborts the transfer.
	WriteFunc func(p []byte) int
	// HeaderFunc receives raw response header lines, status lines and empty lines included.
	HeaderFunc func(line []byte)
	// ProgressFunc returning true aborts the transfer.
	ProgressFunc func(dlTotal, dlNow, ulTotal, ulNow int64) bool
	DebugFunc    func(kind DebugKind, data []byte)
)

// CookieJar provides and stores cookies of transfers.
type CookieJar interface {
	Header(host, path string, secure bool) string
	SetCookies(host, path string, secure bool, values []string)
	Lines() []string
}

type Header struct {
	Name  string
	Value string
}

type Config struct {
	Method string
	URL    string

	// Headers are sent in order after the default ones. An empty value removes the field.
	Headers []Header

	// Body is sent with Content-Length. It is exclusive with ReadFunc,
	// whose data is sent with chunked coding.
	Body     []byte
	ReadFunc ReadFunc

	WriteFunc    WriteFunc
	HeaderFunc   HeaderFunc
	ProgressFunc ProgressFunc
	DebugFunc    DebugFunc

	// LowSpeedTime aborts the transfer when no byte moved for this long. Zero disables it.
	LowSpeedTime time.Duration
	// Timeout limits the whole transfer. Zero means no limit.
	Timeout time.Duration
	// ConnectTimeout limits connection establishment. Zero means [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	TLS tunnel.TLSOptions

	// Proxy is "host:port" of a HTTP proxy.
	Proxy       string
	ProxyTunnel bool
	// NoProxy lists hosts reached directly. A leading dot matches subdomains only.
	NoProxy []string

	// DNSServers is a comma separated list of "host[:port]".
	DNSServers string

	ForbidReuse bool
	CookieJar   CookieJar

	Private any
}

type handleState uint8

const (
	stateInit handleState = iota
	statePending
	stateResolving
	stateConnecting
	stateSending
	stateReceiving
	stateDone
)

func (s handleState) active() bool { return s > statePending && s < stateDone }

// target is where the connection goes: the origin or the proxy.
type target struct {
	host  string
	port  uint16
	proxy bool
	// tunnel is set for TLS and proxy tunnels.
	tunnel bool
}

type resolveJob struct {
	cancel context.CancelFunc
}

// Handle is a single transfer. It can be added to one [Multi] at a time.
type Handle struct {
	cfg Config
	url uri.URI

	// lookuper overrides the one of the multi when DNS servers are given.
	lookuper domain.Lookuper

	multi *Multi
	state handleState

	// Per attempt.
	target    target
	addrs     []netip.Addr
	resolving *resolveJob
	dialing   *socket.Conn
	conn      *pooledConn
	dialErr   error
	reused    bool
	retried   bool

	parser   *http.ResponseParser
	out      bytes.Buffer
	headLeft int
	chunked  *transfer.ChunkedWriter
	bodyDone bool
	readUsed bool
	// abortErr is set by parser callbacks refusing data.
	abortErr error

	startedAt    time.Time
	lastActivity time.Time
	// progressAt is when ProgressFunc was last called.
	progressAt time.Time

	dlNow, ulNow int64
	ulTotal      int64

	responseCode int
	err          error
}

// NewHandle validates cfg and returns a handle for it.
func NewHandle(cfg Config) (*Handle, error) {
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	if !rule.IsValidToken(cfg.Method) {
		return nil, errors.Errorf("method is not a valid token: %q", cfg.Method)
	}

	u, err := uri.ParseHTTP(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing url")
	}

	for _, header := range cfg.Headers {
		if !rule.IsValidToken(header.Name) {
			return nil, errors.Errorf("header name is not a valid token: %q", header.Name)
		}
		if !rule.IsFieldValue(header.Value) {
			return nil, errors.Errorf("header value of %q contains control bytes", header.Name)
		}
	}

	if cfg.Body != nil && cfg.ReadFunc != nil {
		return nil, errors.New("body and read function are exclusive")
	}
	if cfg.Proxy != "" {
		if _, _, err := splitProxy(cfg.Proxy); err != nil {
			return nil, errors.Wrap(err, "parsing proxy")
		}
	}

	h := &Handle{cfg: cfg, url: u}

	if cfg.DNSServers != "" {
		servers, err := domain.ParseServers(cfg.DNSServers)
		if err != nil {
			return nil, errors.Wrap(err, "parsing dns servers")
		}
		if h.lookuper, err = domain.NewDNSLookuper(servers, 0); err != nil {
			return nil, errors.Wrap(err, "creating lookuper")
		}
	}

	return h, nil
}

func (h *Handle) Private() any { return h.cfg.Private }

// ResponseCode returns the status code of the last response, or 0 if none was received.
func (h *Handle) ResponseCode() int { return h.responseCode }

// Error returns the error of a finished transfer.
func (h *Handle) Error() error { return h.err }

func (h *Handle) EffectiveURL() string { return h.url.String() }

// Cookies returns all cookies known to the jar of the handle, in Netscape format.
func (h *Handle) Cookies() []string {
	if h.cfg.CookieJar == nil {
		return nil
	}
	return h.cfg.CookieJar.Lines()
}

func splitProxy(proxy string) (string, uint16, error) {
	proxy = strings.TrimPrefix(proxy, "http://")
	proxy = strings.TrimSuffix(proxy, "/")

	host, portText, err := net.SplitHostPort(proxy)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return "", 0, errors.Wrap(err, "parsing port")
	}
	if host == "" {
		return "", 0, errors.New("proxy host is empty")
	}

	return host, uint16(port), nil
}

func (h *Handle) bypassProxy() bool {
	host := strings.ToLower(h.url.Hostname())
	for _, entry := range h.cfg.NoProxy {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case entry == "*", entry == host:
			return true
		case strings.HasPrefix(entry, "."):
			if strings.HasSuffix(host, entry) {
				return true
			}
		case strings.HasSuffix(host, "."+entry):
			return true
		}
	}
	return false
}

func (h *Handle) resolveTarget() target {
	secure := h.url.Scheme == "https"
	t := target{host: h.url.Hostname(), port: h.url.Port(), tunnel: secure}

	if h.cfg.Proxy != "" && !h.bypassProxy() {
		host, port, _ := splitProxy(h.cfg.Proxy)
		t = target{
			host:   host,
			port:   port,
			proxy:  true,
			tunnel: secure || h.cfg.ProxyTunnel,
		}
	}

	return t
}

func (h *Handle) key() connKey {
	k := connKey{
		scheme: h.url.Scheme,
		host:   h.url.Hostname(),
		port:   h.url.Port(),
	}
	if h.target.proxy {
		k.proxy = tunnel.Authority(h.target.host, h.target.port)
		k.tunnel = h.target.tunnel
	}
	return k
}

func (h *Handle) connectTimeout() time.Duration {
	timeout := h.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if h.cfg.Timeout > 0 && h.cfg.Timeout < timeout {
		timeout = h.cfg.Timeout
	}
	return timeout
}

func (h *Handle) debug(kind DebugKind, data []byte) {
	if h.cfg.DebugFunc != nil {
		h.cfg.DebugFunc(kind, data)
	}
}

func (h *Handle) debugf(format string, args ...any) {
	if h.cfg.DebugFunc != nil {
		h.cfg.DebugFunc(DebugText, []byte(fmt.Sprintf(format, args...)))
	}
}

// resetAttempt clears the state bound to a connection.
func (h *Handle) resetAttempt() {
	h.addrs = nil
	h.resolving = nil
	h.dialing = nil
	h.conn = nil
	h.dialErr = nil
	h.reused = false
	h.parser = nil
	h.out.Reset()
	h.headLeft = 0
	h.chunked = nil
	h.bodyDone = false
	h.abortErr = nil
	h.dlNow, h.ulNow, h.ulTotal = 0, 0, 0
}

// reset clears the state of a previous run.
func (h *Handle) reset() {
	h.resetAttempt()
	h.state = stateInit
	h.target = target{}
	h.retried = false
	h.readUsed = false
	h.responseCode = 0
	h.err = nil
}

func (h *Handle) tunnelErr() error {
	if h.conn == nil || h.conn.tunnel == nil {
		return nil
	}
	return h.conn.tunnel.Err()
}
