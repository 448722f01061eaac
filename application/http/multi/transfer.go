package multi

import (
	"io"
	"net/netip"
	"strconv"
	"strings"

	"async-http/application/http"
	"async-http/application/http/transfer"
	"async-http/transport"
	"async-http/transport/socket"
	"async-http/transport/tunnel"

	"github.com/pkg/errors"
)

// errCallbackAbort stops the parser. The reason is kept in Handle.abortErr.
var errCallbackAbort = errors.New("aborted by callback")

var decodeOptions = http.DecodeOptions{AllowSoleLF: true}

func (m *Multi) start(h *Handle) {
	h.target = h.resolveTarget()
	m.startAttempt(h, !h.cfg.ForbidReuse)
}

func (m *Multi) startAttempt(h *Handle, reuse bool) {
	h.state = stateResolving

	if reuse {
		if pc := m.pool.get(h.key()); pc != nil {
			h.debugf("Re-using existing connection with host %s", h.target.host)
			h.conn = pc
			h.reused = true
			m.beginSend(h)
			return
		}
	}

	if addr, err := netip.ParseAddr(h.target.host); err == nil {
		h.addrs = []netip.Addr{addr}
		m.connect(h)
		return
	}

	m.resolve(h)
}

func (m *Multi) connect(h *Handle) {
	if !h.target.tunnel {
		h.state = stateConnecting
		m.dialNext(h)
		return
	}

	opts := tunnel.Options{
		Addr:           netip.AddrPortFrom(h.addrs[0], h.target.port),
		ConnectTimeout: h.connectTimeout(),
		Clock:          m.clock,
	}
	if h.target.proxy {
		opts.Connect = tunnel.Authority(h.url.Hostname(), h.url.Port())
	}
	if h.url.Scheme == "https" {
		tlsOpts := h.cfg.TLS
		tlsOpts.ServerName = h.url.Hostname()

		cfg, err := tlsOpts.Config()
		if err != nil {
			m.finish(h, newError(ErrTunnel, "SSL: %s", errors.Cause(err)))
			return
		}
		opts.TLS = cfg
	}

	t, err := tunnel.Open(m.logger, opts)
	if err != nil {
		m.finish(h, newError(ErrConnect, "Failed to connect to %s port %d: %s", h.target.host, h.target.port, errors.Cause(err)))
		return
	}

	h.debugf("Connecting to %s port %d", opts.Addr.Addr(), opts.Addr.Port())
	h.conn = &pooledConn{key: h.key(), conn: t.Conn(), tunnel: t}
	m.beginSend(h)
}

// dialNext connects to the next resolved address.
func (m *Multi) dialNext(h *Handle) {
	for len(h.addrs) > 0 {
		addr := netip.AddrPortFrom(h.addrs[0], h.target.port)
		h.addrs = h.addrs[1:]

		h.debugf("Trying %s...", addr)
		conn, err := socket.Dial(addr)
		if err != nil {
			h.dialErr = err
			continue
		}

		h.dialing = conn
		m.watch(conn.Fd(), h, PollOut)
		return
	}

	reason := "no address"
	if h.dialErr != nil {
		reason = errors.Cause(h.dialErr).Error()
	}
	m.finish(h, newError(ErrConnect, "Failed to connect to %s port %d: %s", h.target.host, h.target.port, reason))
}

func (m *Multi) drive(h *Handle, ev Event) {
	switch h.state {
	case stateConnecting:
		m.onConnecting(h)
	case stateSending:
		m.onSending(h)
	case stateReceiving:
		m.onReceiving(h)
	}
}

func (m *Multi) onConnecting(h *Handle) {
	conn := h.dialing

	ok, err := conn.Connected()
	if err != nil {
		h.dialErr = err
		h.dialing = nil
		m.unwatch(conn.Fd())
		_ = conn.Close()
		m.dialNext(h)
		return
	}
	if !ok {
		return
	}

	h.debugf("Connected to %s (%s) port %d", h.target.host, conn.RemoteAddr().Addr(), h.target.port)
	h.dialing = nil
	h.conn = &pooledConn{key: h.key(), conn: conn}
	m.beginSend(h)
}

func (m *Multi) beginSend(h *Handle) {
	h.state = stateSending
	h.lastActivity = m.clock.Now()

	h.parser = http.NewResponseParser(h.cfg.Method == "HEAD", decodeOptions, http.ParseHandler{
		OnHeaderLine: func(line []byte) error { return m.onHeaderLine(h, line) },
		OnHead:       func(head *http.Response) error { return m.onHead(h, head) },
		OnBody:       func(p []byte) error { return m.onBody(h, p) },
	})

	if err := m.encodeHead(h); err != nil {
		m.finish(h, newError(ErrBadRequest, "Failed sending HTTP request: %s", errors.Cause(err)))
		return
	}

	m.watch(h.conn.fd(), h, PollOut)
}

func (m *Multi) requestTarget(h *Handle) string {
	if h.target.proxy && !h.target.tunnel {
		// Absolute form for proxies.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.2
		return h.url.Scheme + "://" + h.url.HostHeader() + h.url.RequestTarget()
	}
	return h.url.RequestTarget()
}

func (m *Multi) requestHeaders(h *Handle) []http.Field {
	var fields []http.Field
	add := func(name, value string) {
		fields = append(fields, http.Field{Name: []byte(name), Value: []byte(value)})
	}

	add("Host", h.url.HostHeader())
	add("Accept", "*/*")
	if h.target.proxy && !h.target.tunnel {
		add("Proxy-Connection", "Keep-Alive")
	}

	if jar := h.cfg.CookieJar; jar != nil {
		if cookie := jar.Header(h.url.Hostname(), h.url.Path, h.url.Scheme == "https"); cookie != "" {
			add("Cookie", cookie)
		}
	}

	hasBody := h.cfg.Body != nil || h.cfg.ReadFunc != nil
	switch {
	case h.cfg.ReadFunc != nil:
		add("Transfer-Encoding", "chunked")
	case h.cfg.Body != nil || h.cfg.Method == "POST" || h.cfg.Method == "PUT":
		add("Content-Length", strconv.Itoa(len(h.cfg.Body)))
	}
	if hasBody && (h.cfg.Method == "POST" || h.cfg.Method == "PUT") {
		add("Content-Type", "application/x-www-form-urlencoded")
	}

	// Headers given by the user replace the ones above. An empty value only removes.
	overridden := make(map[string]bool)
	for _, header := range h.cfg.Headers {
		overridden[strings.ToLower(header.Name)] = true
	}
	kept := fields[:0]
	for _, field := range fields {
		if !overridden[strings.ToLower(string(field.Name))] {
			kept = append(kept, field)
		}
	}
	fields = kept

	for _, header := range h.cfg.Headers {
		if header.Value != "" {
			add(header.Name, header.Value)
		}
	}

	return fields
}

func (m *Multi) encodeHead(h *Handle) error {
	h.out.Reset()

	req := http.Request{
		RequestLine: http.RequestLine{
			Method:  h.cfg.Method,
			Target:  m.requestTarget(h),
			Version: http.Version{1, 1},
		},
		Headers: m.requestHeaders(h),
	}

	enc := http.NewRequestEncoder(&h.out, http.DefaultEncodeOptions)
	if h.cfg.DebugFunc != nil {
		enc.OnLine(func(line []byte) { h.debug(DebugHeaderOut, line) })
	}
	if err := enc.Encode(req); err != nil {
		return err
	}
	h.headLeft = h.out.Len()

	switch {
	case h.cfg.ReadFunc != nil:
		h.chunked = transfer.NewChunkedWriter(&h.out)
	default:
		h.out.Write(h.cfg.Body)
		h.ulTotal = int64(len(h.cfg.Body))
		h.bodyDone = true
	}

	return nil
}

// fillBody asks the read function for more request body.
func (m *Multi) fillBody(h *Handle) error {
	h.readUsed = true

	n, err := h.cfg.ReadFunc(m.buf)
	switch {
	case errors.Is(err, ErrAbort):
		return newError(ErrAbortedByCB, "operation aborted by callback")
	case err != nil:
		return newError(ErrReadCallback, "Failed reading data from the read callback: %s", err)
	case n < 0 || n > len(m.buf):
		return newError(ErrReadCallback, "read function returned funny value")
	case n == 0:
		h.bodyDone = true
		return h.chunked.Close()
	}

	h.ulNow += int64(n)
	_, werr := h.chunked.Write(m.buf[:n])
	return werr
}

func (m *Multi) onSending(h *Handle) {
	for {
		if h.out.Len() == 0 && !h.bodyDone {
			if err := m.fillBody(h); err != nil {
				m.finish(h, err)
				return
			}
			continue
		}

		if h.out.Len() == 0 {
			h.state = stateReceiving
			m.watch(h.conn.fd(), h, PollIn)
			return
		}

		n, err := h.conn.conn.Write(h.out.Bytes())
		if n > 0 {
			h.out.Next(n)
			m.accountSent(h, n)
			h.lastActivity = m.clock.Now()
		}

		switch {
		case errors.Is(err, transport.ErrWouldBlock):
			return
		case err != nil:
			if m.retryable(h) {
				m.retry(h)
				return
			}
			if terr := m.tunnelFailure(h); terr != nil {
				m.finish(h, terr)
				return
			}
			m.finish(h, newError(ErrSend, "Send failure: %s", errors.Cause(err)))
			return
		}

		if !m.progress(h) {
			return
		}

		if n == 0 {
			return
		}
	}
}

func (m *Multi) accountSent(h *Handle, n int) {
	head := min(n, h.headLeft)
	h.headLeft -= head
	if h.chunked == nil {
		// A fixed body counts as sent when written. Read function data counts when read.
		h.ulNow += int64(n - head)
	}
}

func (m *Multi) onReceiving(h *Handle) {
	for {
		n, err := h.conn.conn.Read(m.buf)
		switch {
		case errors.Is(err, transport.ErrWouldBlock):
			return
		case errors.Is(err, io.EOF):
			m.onEOF(h)
			return
		case err != nil:
			if m.retryable(h) {
				m.retry(h)
				return
			}
			// A failed tunnel may reset its end when our request was left unread.
			if terr := m.tunnelFailure(h); terr != nil {
				m.finish(h, terr)
				return
			}
			m.finish(h, newError(ErrRecv, "Recv failure: %s", errors.Cause(err)))
			return
		}

		h.lastActivity = m.clock.Now()

		consumed, err := h.parser.Feed(m.buf[:n])
		if err != nil {
			m.finish(h, parseError(h, err))
			return
		}

		if !m.progress(h) {
			return
		}

		if h.parser.Done() {
			m.complete(h, consumed < n)
			return
		}
	}
}

func parseError(h *Handle, err error) error {
	switch {
	case errors.Is(err, errCallbackAbort):
		return h.abortErr
	case errors.Is(err, transfer.ErrMalformedChunk), errors.Is(err, transfer.ErrLineTooLong):
		return newError(ErrRecv, "Problem in the Chunked-Encoded data")
	case errors.Is(err, http.ErrInvalidContentLength):
		return newError(ErrWeirdReply, "Invalid Content-Length value")
	case errors.Is(err, http.ErrFieldLineTooLong):
		return newError(ErrWeirdReply, "Header line too long")
	}
	return newError(ErrWeirdReply, "Weird server reply")
}

func (m *Multi) onEOF(h *Handle) {
	if terr := m.tunnelFailure(h); terr != nil {
		m.finish(h, terr)
		return
	}

	if m.retryable(h) {
		m.retry(h)
		return
	}

	switch err := h.parser.Finish(); {
	case err == nil:
		m.complete(h, false)
	case errors.Is(err, http.ErrEmptyResponse):
		m.finish(h, newError(ErrEmptyReply, "Empty reply from server"))
	case errors.Is(err, http.ErrIncompleteBody):
		if remaining, ok := h.parser.Remaining(); ok {
			m.finish(h, newError(ErrPartial, "transfer closed with %d bytes remaining to read", remaining))
		} else {
			m.finish(h, newError(ErrPartial, "transfer closed with outstanding read data remaining"))
		}
	default:
		m.finish(h, newError(ErrRecv, "Connection closed before the response head was complete"))
	}
}

// tunnelFailure returns the error of a tunnel which broke before any response byte.
func (m *Multi) tunnelFailure(h *Handle) error {
	err := h.tunnelErr()
	if err == nil || (h.parser != nil && h.parser.Started()) {
		return nil
	}

	var terr *tunnel.Error
	if !errors.As(err, &terr) {
		return newError(ErrRecv, "Recv failure: %s", errors.Cause(err))
	}

	switch {
	case errors.Is(err, tunnel.ErrConnectTimeout):
		return newError(ErrTimeout, "%s", terr.Msg)
	case errors.Is(err, tunnel.ErrDial):
		return newError(ErrConnect, "%s", terr.Msg)
	}
	return newError(ErrTunnel, "%s", terr.Msg)
}

// retryable reports whether a reused connection failed before the response started.
// Such a connection was most likely closed by the server while idle.
func (m *Multi) retryable(h *Handle) bool {
	return h.reused && !h.retried && !h.readUsed && (h.parser == nil || !h.parser.Started())
}

func (m *Multi) retry(h *Handle) {
	h.debugf("Connection died, retrying a fresh connect")

	m.release(h)
	h.resetAttempt()
	h.retried = true

	m.startAttempt(h, false)
}

func (m *Multi) complete(h *Handle, leftover bool) {
	pc := h.conn
	h.conn = nil
	m.unwatch(pc.fd())

	reuse := !leftover && !h.cfg.ForbidReuse && h.parser.KeepAlive() &&
		(pc.tunnel == nil || pc.tunnel.Err() == nil)
	if reuse {
		m.pool.put(pc)
	} else {
		h.debugf("Closing connection")
		_ = pc.close()
	}

	m.finish(h, nil)
}

// progress reports progress and returns false when the transfer was aborted.
func (m *Multi) progress(h *Handle) bool {
	if h.cfg.ProgressFunc == nil {
		return true
	}

	h.progressAt = m.clock.Now()
	dlTotal, _ := h.contentLength()
	if h.cfg.ProgressFunc(int64(dlTotal), h.dlNow, h.ulTotal, h.ulNow) {
		m.finish(h, newError(ErrAbortedByCB, "Callback aborted"))
		return false
	}
	return true
}

func (h *Handle) contentLength() (uint64, bool) {
	if h.parser == nil {
		return 0, false
	}
	return h.parser.ContentLength()
}

func (m *Multi) onHeaderLine(h *Handle, line []byte) error {
	h.debug(DebugHeaderIn, line)
	if h.cfg.HeaderFunc != nil {
		h.cfg.HeaderFunc(line)
	}
	return nil
}

func (m *Multi) onHead(h *Handle, head *http.Response) error {
	h.responseCode = int(head.StatusCode)

	if jar := h.cfg.CookieJar; jar != nil {
		if values := http.FieldValues(head.Headers, "Set-Cookie"); len(values) > 0 {
			jar.SetCookies(h.url.Hostname(), h.url.Path, h.url.Scheme == "https", values)
		}
	}
	return nil
}

func (m *Multi) onBody(h *Handle, p []byte) error {
	if h.cfg.WriteFunc != nil {
		if n := h.cfg.WriteFunc(p); n != len(p) {
			h.abortErr = newError(ErrWrite, "Failed writing body (%d != %d)", n, len(p))
			return errCallbackAbort
		}
	}

	h.dlNow += int64(len(p))
	return nil
}
