package http

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type MessageEncoderTestSuite struct {
	suite.Suite
}

func TestMessageEncoderTestSuite(t *testing.T) {
	suite.Run(t, new(MessageEncoderTestSuite))
}

func (s *MessageEncoderTestSuite) TestWriteLine() {
	testcases := []struct {
		desc     string
		input    []byte
		opts     EncodeOptions
		expected string
	}{
		{
			desc:     "simple line with CRLF",
			input:    []byte("Hello"),
			expected: "Hello\r\n",
		},
		{
			desc:     "simple line with LF",
			input:    []byte("Hello"),
			opts:     EncodeOptions{UseSoleLF: true},
			expected: "Hello\n",
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			var buf bytes.Buffer
			me := MessageEncoder{
				bw:   bufio.NewWriter(&buf),
				opts: tc.opts,
			}

			s.NoError(me.writeLine(tc.input))
			s.NoError(me.bw.Flush())

			s.Equal(tc.expected, buf.String())
		})
	}
}

func (s *MessageEncoderTestSuite) TestEncodeHeaders() {
	testcases := []struct {
		desc     string
		headers  []Field
		expected string
	}{
		{
			desc: "simple headers with CRLF",
			headers: []Field{
				{[]byte("Host"), []byte("example.com")},
			},
			expected: "" +
				"Host: example.com\r\n" +
				"\r\n",
		},
		{
			desc:     "empty headers",
			headers:  []Field{},
			expected: "\r\n",
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			var buf bytes.Buffer
			me := MessageEncoder{
				bw:   bufio.NewWriter(&buf),
				opts: DefaultEncodeOptions,
			}

			s.NoError(me.encodeHeaders(tc.headers))
			s.NoError(me.bw.Flush())

			s.Equal(tc.expected, buf.String())
		})
	}
}

type RequestEncoderTestSuite struct {
	suite.Suite
}

func TestRequestEncoderTestSuite(t *testing.T) {
	suite.Run(t, new(RequestEncoderTestSuite))
}

func (s *RequestEncoderTestSuite) TestEncode() {
	body := "field1=value1"

	input := Request{
		RequestLine: RequestLine{
			Method:  "POST",
			Target:  "/example",
			Version: Version{1, 1},
		},
		Headers: []Field{
			{[]byte("Host"), []byte("example.com")},
		},
		Body: strings.NewReader(body),
	}

	expected := "" +
		"POST /example HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"\r\n" +
		body

	buf := bytes.NewBuffer(nil)
	re := NewRequestEncoder(buf, DefaultEncodeOptions)

	var lines []string
	re.OnLine(func(line []byte) { lines = append(lines, string(line)) })

	s.NoError(re.Encode(input))

	s.Equal(expected, buf.String())
	s.Equal([]string{"POST /example HTTP/1.1", "Host: example.com", ""}, lines)
}

func (s *RequestEncoderTestSuite) TestEncodeWithoutBody() {
	input := Request{
		RequestLine: RequestLine{Method: "GET", Target: "/", Version: Version{1, 1}},
	}

	buf := bytes.NewBuffer(nil)
	s.NoError(NewRequestEncoder(buf, DefaultEncodeOptions).Encode(input))

	s.Equal("GET / HTTP/1.1\r\n\r\n", buf.String())
}

func (s *RequestEncoderTestSuite) TestEncodeRequestLine() {
	testcases := []struct {
		desc     string
		input    RequestLine
		expected string
		wantErr  bool
	}{
		{
			desc:     "origin form",
			input:    RequestLine{Method: "GET", Target: "/example", Version: Version{1, 1}},
			expected: "GET /example HTTP/1.1\r\n",
		},
		{
			desc:     "custom method",
			input:    RequestLine{Method: "UPDATE", Target: "/", Version: Version{1, 1}},
			expected: "UPDATE / HTTP/1.1\r\n",
		},
		{
			desc:    "method is not a token",
			input:   RequestLine{Method: "GET IT", Target: "/", Version: Version{1, 1}},
			wantErr: true,
		},
		{
			desc:    "empty target",
			input:   RequestLine{Method: "GET", Version: Version{1, 1}},
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			buf := bytes.NewBuffer(nil)
			re := NewRequestEncoder(buf, DefaultEncodeOptions)

			err := re.encodeRequestLine(tc.input)
			if tc.wantErr {
				s.Error(err)
				return
			}

			s.NoError(err)
			s.NoError(re.bw.Flush())
			s.Equal(tc.expected, buf.String())
		})
	}
}
