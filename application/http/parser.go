package http

import (
	"bytes"
	"strconv"
	"strings"

	"async-http/application/http/transfer"
	"async-http/application/util/rule"

	"github.com/pkg/errors"
)

// ParseHandler receives parts of a response as they are parsed.
// Any error returned stops parsing and is returned from [ResponseParser.Feed].
type ParseHandler struct {
	// OnHeaderLine receives raw status lines and field lines including their terminators.
	// Empty lines ending header sections and trailer lines are delivered as well.
	OnHeaderLine func(line []byte) error

	// OnHead is called for every complete response head, informational ones included.
	OnHead func(head *Response) error

	OnBody func(p []byte) error
}

type parserState uint8

const (
	stateStatusLine parserState = iota
	stateFields
	stateBody
	stateComplete
)

type bodyFraming uint8

const (
	framingNone bodyFraming = iota
	framingLength
	framingChunked
	framingClose
)

// defaultMaxHeaderLine is used when no limit is given in [DecodeOptions].
const defaultMaxHeaderLine = 100 << 10

var (
	ErrEmptyResponse        = errors.New("empty response")
	ErrIncompleteHead       = errors.New("connection closed before response head completed")
	ErrIncompleteBody       = errors.New("connection closed before body completed")
	ErrInvalidContentLength = errors.New("content-length is invalid")
)

// ResponseParser parses a HTTP/1.x response from input fed in arbitrary pieces.
type ResponseParser struct {
	opts    DecodeOptions
	handler ParseHandler

	// noBody is set for responses to HEAD.
	noBody bool

	state parserState
	line  []byte
	head  Response

	framing   bodyFraming
	length    uint64
	remaining uint64
	chunked   *transfer.ChunkedDecoder

	received uint64
}

func NewResponseParser(noBody bool, opts DecodeOptions, handler ParseHandler) *ResponseParser {
	return &ResponseParser{
		opts:    opts,
		handler: handler,
		noBody:  noBody,
	}
}

// Head returns the last parsed response head.
func (p *ResponseParser) Head() Response { return p.head }

// Started reports whether any byte was fed.
func (p *ResponseParser) Started() bool { return p.received > 0 }

// Done reports whether the whole response was parsed.
func (p *ResponseParser) Done() bool { return p.state == stateComplete }

// InBody reports whether the final head was parsed.
func (p *ResponseParser) InBody() bool { return p.state >= stateBody }

// Remaining returns the number of body bytes still expected when the length is known.
func (p *ResponseParser) Remaining() (uint64, bool) {
	return p.remaining, p.framing == framingLength
}

// ContentLength returns the announced body length, if any.
func (p *ResponseParser) ContentLength() (uint64, bool) {
	return p.length, p.state >= stateBody && p.framing == framingLength
}

// KeepAlive reports whether the connection can carry another request after this response.
func (p *ResponseParser) KeepAlive() bool {
	if p.state != stateComplete || p.framing == framingClose {
		return false
	}

	tokens := connectionTokens(p.head.Headers)
	if p.head.Version[0] == 1 && p.head.Version[1] == 0 {
		return tokens["keep-alive"]
	}

	return !tokens["close"]
}

// Feed parses b. It returns the number of bytes used,
// which is less than len(b) only when the response completed.
func (p *ResponseParser) Feed(b []byte) (consumed int, err error) {
	p.received += uint64(len(b))

	for consumed < len(b) && p.state != stateComplete {
		rest := b[consumed:]

		if p.state == stateBody {
			n, err := p.feedBody(rest)
			consumed += n
			if err != nil {
				return consumed, err
			}
			continue
		}

		idx := bytes.IndexByte(rest, rule.LF)
		if idx < 0 {
			p.line = append(p.line, rest...)
			consumed = len(b)
			if uint(len(p.line)) > p.maxLine() {
				return consumed, ErrFieldLineTooLong
			}
			break
		}

		line := append(p.line, rest[:idx+1]...)
		p.line = nil
		consumed += idx + 1

		if err := p.parseLine(line); err != nil {
			return consumed, err
		}
	}

	return consumed, nil
}

func (p *ResponseParser) maxLine() uint {
	if p.opts.MaxFieldLineLength > 0 {
		return p.opts.MaxFieldLineLength
	}
	return defaultMaxHeaderLine
}

func (p *ResponseParser) parseLine(raw []byte) error {
	opts := p.opts
	// A field line may contain CR only before LF.
	opts.LenientWhitespace = false

	switch p.state {
	case stateStatusLine:
		line, err := cleanLine(raw, p.opts.MaxStatusLineLength, opts)
		if err != nil {
			return errors.Wrap(ErrMalformedStatusLine, err.Error())
		}
		if len(line) == 0 {
			// An empty line can be received before message.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
			return nil
		}

		statLine, err := parseStatusLine(line)
		if err != nil {
			return errors.Wrap(ErrMalformedStatusLine, err.Error())
		}

		if err := p.deliverLine(raw); err != nil {
			return err
		}

		p.head = Response{StatusLine: statLine, Headers: make([]Field, 0)}
		p.state = stateFields

	case stateFields:
		line, err := cleanLine(raw, p.opts.MaxFieldLineLength, opts)
		if err != nil {
			return errors.Wrap(ErrMalformedFieldLine, err.Error())
		}

		if err := p.deliverLine(raw); err != nil {
			return err
		}

		if len(line) > 0 {
			// Malformed field lines are ignored for framing purposes, the raw line was delivered already.
			if field, err := ParseField(line); err == nil {
				field.Name = bytes.Clone(field.Name)
				field.Value = bytes.Clone(field.Value)
				p.head.Headers = append(p.head.Headers, field)
			}
			return nil
		}

		return p.endHead()
	}

	return nil
}

func (p *ResponseParser) deliverLine(raw []byte) error {
	if p.handler.OnHeaderLine == nil {
		return nil
	}
	return p.handler.OnHeaderLine(raw)
}

func (p *ResponseParser) endHead() error {
	if p.handler.OnHead != nil {
		if err := p.handler.OnHead(&p.head); err != nil {
			return err
		}
	}

	code := p.head.StatusCode
	if p.head.Informational() && code != 101 {
		// Final response follows.
		p.state = stateStatusLine
		return nil
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
	switch {
	case p.noBody || code == 101 || code == 204 || code == 304:
		p.framing = framingNone
	case len(FieldValues(p.head.Headers, "Transfer-Encoding")) > 0:
		codings := transfer.ParseCodings(FieldValues(p.head.Headers, "Transfer-Encoding")...)
		if transfer.IsChunked(codings) {
			p.framing = framingChunked
			p.chunked = transfer.NewChunkedDecoder(p.deliverLine)
		} else {
			p.framing = framingClose
		}
	default:
		n, err := contentLength(p.head.Headers)
		if err != nil {
			return err
		}
		if n < 0 {
			p.framing = framingClose
		} else {
			p.framing = framingLength
			p.length = uint64(n)
			p.remaining = p.length
		}
	}

	p.state = stateBody
	if p.framing == framingNone || (p.framing == framingLength && p.remaining == 0) {
		p.state = stateComplete
	}

	return nil
}

func (p *ResponseParser) feedBody(b []byte) (int, error) {
	switch p.framing {
	case framingLength:
		n := min(uint64(len(b)), p.remaining)
		p.remaining -= n
		if p.remaining == 0 {
			p.state = stateComplete
		}
		return int(n), p.body(b[:n])

	case framingChunked:
		n, err := p.chunked.Decode(b, p.body)
		if err != nil {
			return n, errors.Wrap(err, "decoding chunked body")
		}
		if p.chunked.Done() {
			p.state = stateComplete
		}
		return n, nil
	}

	return len(b), p.body(b)
}

func (p *ResponseParser) body(b []byte) error {
	if len(b) == 0 || p.handler.OnBody == nil {
		return nil
	}
	return p.handler.OnBody(b)
}

// Finish tells the parser that the connection was closed.
func (p *ResponseParser) Finish() error {
	switch {
	case p.state == stateComplete:
		return nil
	case p.state == stateBody && p.framing == framingClose:
		p.state = stateComplete
		return nil
	case p.received == 0:
		return ErrEmptyResponse
	case p.state == stateBody:
		return ErrIncompleteBody
	}

	return ErrIncompleteHead
}

// contentLength returns -1 if there's no Content-Length field.
func contentLength(fields []Field) (int64, error) {
	values := FieldValues(fields, "Content-Length")
	if len(values) == 0 {
		return -1, nil
	}

	n := int64(-1)
	for _, value := range values {
		// A list of identical values is allowed.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-6
		for _, part := range strings.Split(value, ",") {
			v, err := strconv.ParseInt(strings.TrimFunc(part, rule.IsWhitespace), 10, 64)
			if err != nil || v < 0 {
				return 0, errors.Wrapf(ErrInvalidContentLength, "%q", value)
			}
			if n >= 0 && n != v {
				return 0, errors.Wrapf(ErrInvalidContentLength, "conflicting values %d and %d", n, v)
			}
			n = v
		}
	}

	return n, nil
}

func connectionTokens(fields []Field) map[string]bool {
	tokens := make(map[string]bool)
	for _, value := range FieldValues(fields, "Connection") {
		for _, part := range strings.Split(value, ",") {
			tokens[strings.ToLower(strings.TrimFunc(part, rule.IsWhitespace))] = true
		}
	}
	return tokens
}
