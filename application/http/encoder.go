package http

import (
	"bufio"
	"bytes"
	"io"

	"async-http/application/util/rule"

	"github.com/pkg/errors"
)

type EncodeOptions struct {
	// UseSoleLF specifies wheter a single LF character should be used as a line terminator.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-3
	UseSoleLF bool
}

var DefaultEncodeOptions = EncodeOptions{
	UseSoleLF: false,
}

type MessageEncoder struct {
	bw   *bufio.Writer
	opts EncodeOptions

	// onLine observes every line written, without its terminator.
	onLine func(line []byte)
}

func (me *MessageEncoder) writeLine(line []byte) error {
	if me.onLine != nil {
		me.onLine(line)
	}

	if _, err := me.bw.Write(line); err != nil {
		return errors.Wrap(err, "writing line")
	}

	term := rule.CRLF
	if me.opts.UseSoleLF {
		term = term[1:]
	}

	if _, err := me.bw.Write(term); err != nil {
		return errors.Wrap(err, "writing line terminator")
	}

	return nil
}

func (me *MessageEncoder) encodeHeaders(headers []Field) error {
	for _, field := range headers {
		if err := me.writeLine(field.Text()); err != nil {
			return errors.Wrap(err, "writing field")
		}
	}

	// Write a empty line as all the headers are written.
	if err := me.writeLine(nil); err != nil {
		return errors.Wrap(err, "writing line terminator")
	}

	return nil
}

type RequestEncoder struct{ MessageEncoder }

func NewRequestEncoder(w io.Writer, opts EncodeOptions) *RequestEncoder {
	return &RequestEncoder{
		MessageEncoder{
			bw:   bufio.NewWriter(w),
			opts: opts,
		},
	}
}

// OnLine sets a function observing each request line and header line as they are encoded.
func (re *RequestEncoder) OnLine(fn func(line []byte)) { re.onLine = fn }

func (re *RequestEncoder) Encode(request Request) error {
	if err := re.encodeRequestLine(request.RequestLine); err != nil {
		return errors.Wrap(err, "encoding request line")
	}

	if err := re.encodeHeaders(request.Headers); err != nil {
		return errors.Wrap(err, "encoding headers")
	}

	if request.Body != nil {
		if _, err := re.bw.ReadFrom(request.Body); err != nil {
			return errors.Wrap(err, "writing request body")
		}
	}

	if err := re.bw.Flush(); err != nil {
		return errors.Wrap(err, "flushing request")
	}

	return nil
}

func (re *RequestEncoder) encodeRequestLine(reqLine RequestLine) error {
	if !rule.IsValidToken(reqLine.Method) {
		return errors.Errorf("method is not a valid token: %q", reqLine.Method)
	}
	if reqLine.Target == "" {
		return errors.New("request target should not be empty")
	}

	buf := bytes.NewBuffer(nil)

	buf.WriteString(reqLine.Method)
	buf.WriteByte(rule.SP)
	buf.WriteString(reqLine.Target)
	buf.WriteByte(rule.SP)
	buf.Write(reqLine.Version.Text())

	if err := re.writeLine(buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing line")
	}

	return nil
}
