package http

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"async-http/application/util/rule"
	bytesutil "async-http/util/bytes"

	"github.com/pkg/errors"
)

type DecodeOptions struct {
	// AllowSoleLF specifies wheter a single LF character should be recognized as a valid line terminator.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-3
	AllowSoleLF bool

	// LenientWhitespace replaces all [whitespaces] into [SP].
	// And also trims preceding and trailinig whitespace.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3-3
	LenientWhitespace bool

	// MaxFieldLineLength sets the limit of field line length on headers.
	// It's not on the RFC but I think it's better to have it.
	MaxFieldLineLength uint

	// MaxStatusLineLength sets the limit of status line length.
	// It's not on the RFC but I think it's better to have it.
	MaxStatusLineLength uint
}

var DefaultDecodeOptions = DecodeOptions{
	AllowSoleLF:         false,
	LenientWhitespace:   false,
	MaxFieldLineLength:  0,
	MaxStatusLineLength: 0,
}

var (
	errLineTooLong       = errors.New("line length exceeeds limit")
	ErrMissingCRBeforeLF = errors.New("missing CR before LF")
)

// cleanLine strips the line terminator of a raw line read up to LF.
func cleanLine(b []byte, limit uint, opts DecodeOptions) ([]byte, error) {
	if limit > 0 && uint(len(b)) > limit {
		return nil, errLineTooLong
	}

	b = bytes.TrimSuffix(b, []byte{rule.LF})

	if !opts.AllowSoleLF {
		if len(b) == 0 || b[len(b)-1] != rule.CR {
			return nil, ErrMissingCRBeforeLF
		}
	}
	b = bytes.TrimSuffix(b, []byte{rule.CR})

	if opts.LenientWhitespace {
		for _, c := range rule.Whitespaces {
			b = bytes.ReplaceAll(b, []byte{c}, []byte{rule.SP})
		}
		b = bytes.Trim(b, string([]byte{rule.SP}))

		return b, nil
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-4
	b = bytes.ReplaceAll(b, []byte{rule.CR}, []byte{rule.SP})

	return b, nil
}

type MessageDecoder struct {
	br   *bufio.Reader
	opts DecodeOptions
}

func (md *MessageDecoder) readLine(limit uint) ([]byte, error) {
	b, err := bytesutil.ReadUntil(md.br, []byte{rule.LF}, int(limit))
	if err != nil {
		if errors.Is(err, bytesutil.ErrLimitExceeded) {
			return nil, errLineTooLong
		}
		return nil, err
	}

	return cleanLine(b, limit, md.opts)
}

var (
	ErrFieldLineTooLong   = errors.New("field line length exceeds limit")
	ErrMalformedFieldLine = errors.New("field line is malformed")
)

func (md *MessageDecoder) decodeHeaders(headers *[]Field) error {
	tmpHeaders := make([]Field, 0)
	for {
		fieldLine, err := md.readLine(md.opts.MaxFieldLineLength)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return ErrFieldLineTooLong
			}
			return errors.Wrap(err, "reading line")
		}

		if len(fieldLine) == 0 {
			// An empty line. This means that there are no more headers.
			break
		}

		field, err := ParseField(fieldLine)
		if err != nil {
			return ErrMalformedFieldLine
		}

		tmpHeaders = append(tmpHeaders, field)
	}

	*headers = tmpHeaders

	return nil
}

var (
	ErrStatusLineTooLong   = errors.New("status line length exceeds limit")
	ErrMalformedStatusLine = errors.New("status line is malformed")
)

// ResponseDecoder decodes a response head from a blocking reader.
// Use [ResponseParser] for non-blocking input.
type ResponseDecoder struct{ MessageDecoder }

func NewResponseDecoder(r io.Reader, opts DecodeOptions) *ResponseDecoder {
	return &ResponseDecoder{
		MessageDecoder{br: bufio.NewReader(r), opts: opts},
	}
}

// Decode decodes status line and headers.
// Body is set to the remaining stream, which includes data buffered by the decoder.
// r MUST be a non-nil pointer
func (rd *ResponseDecoder) Decode(r *Response) error {
	if err := rd.decodeStatusLine(&r.StatusLine); err != nil {
		return errors.Wrap(err, "parsing status line")
	}

	if err := rd.decodeHeaders(&r.Headers); err != nil {
		return errors.Wrap(err, "parsing headers")
	}

	r.Body = rd.br

	return nil
}

func (rd *ResponseDecoder) decodeStatusLine(statLine *StatusLine) error {
	var line []byte
	for {
		b, err := rd.readLine(rd.opts.MaxStatusLineLength)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return ErrStatusLineTooLong
			}
			return errors.Wrap(err, "reading line")
		}

		// An empty line can be received before message.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
		if len(b) > 0 {
			line = b
			break
		}
	}

	parsed, err := parseStatusLine(line)
	if err != nil {
		return ErrMalformedStatusLine
	}

	*statLine = parsed

	return nil
}

func parseStatusLine(line []byte) (StatusLine, error) {
	parts := bytes.SplitN(line, []byte{rule.SP}, 3)
	if len(parts) < 2 {
		return StatusLine{}, errors.New("status line is malformed")
	}

	ver, err := ParseVersion(parts[0])
	if err != nil {
		return StatusLine{}, errors.Wrap(err, "parsing version")
	}

	statusCodeStr := string(parts[1])
	statusCode, err := strconv.ParseUint(statusCodeStr, 10, 64)
	if err != nil || len(statusCodeStr) != 3 {
		return StatusLine{}, errors.Errorf("status code is malformed: %q", statusCodeStr)
	}

	// reason-phrase is optional, and so is the space before it in practice.
	var reasonPhrase string
	if len(parts) == 3 {
		reasonPhrase = string(parts[2])
	}

	return StatusLine{Version: ver, StatusCode: uint(statusCode), ReasonPhrase: reasonPhrase}, nil
}
