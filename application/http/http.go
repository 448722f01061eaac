package http

import (
	"bytes"
	"io"
	"strconv"

	"async-http/application/util/rule"

	"github.com/pkg/errors"
)

type RequestLine struct {
	Method  string
	Target  string
	Version Version
}

// Request is an outgoing request. Body is optional.
type Request struct {
	RequestLine
	Headers []Field

	Body io.Reader
}

type StatusLine struct {
	Version      Version
	StatusCode   uint
	ReasonPhrase string
}

// Informational reports whether the status is 1xx.
func (sl StatusLine) Informational() bool { return sl.StatusCode >= 100 && sl.StatusCode < 200 }

type Response struct {
	StatusLine
	Headers []Field
	Body    io.Reader
}

// [Major, Minor]
type Version [2]uint

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if !bytes.HasPrefix(b, prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %s", b)
	}

	// Get major and minor version.
	first, second, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot seperator not found on version: %s", b)
	}

	major, err1 := strconv.ParseUint(string(first), 10, 64)
	minor, err2 := strconv.ParseUint(string(second), 10, 64)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertable to int: %s", b)
	}

	return Version{uint(major), uint(minor)}, nil
}

func (ver Version) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte("HTTP/"))
	buf.Write([]byte(strconv.FormatUint(uint64(ver[0]), 10)))
	buf.Write([]byte{'.'})
	buf.Write([]byte(strconv.FormatUint(uint64(ver[1]), 10)))
	return buf.Bytes()
}

func (ver Version) String() string { return string(ver.Text()) }

type Field struct{ Name, Value []byte }

func ParseField(fieldLine []byte) (Field, error) {
	name, value, found := bytes.Cut(fieldLine, []byte{':'})
	if !found {
		return Field{}, errors.Errorf("colon seperator not found on header: %q", string(fieldLine))
	}

	// No whitespace is allowed between field name and colon.
	// An option for correcting it could be provided, but let's reject it for now.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	for _, c := range rule.OWS {
		if bytes.HasSuffix(name, []byte{c}) {
			return Field{}, errors.New("field name has trailing whitespace")
		}
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	for _, c := range rule.OWS {
		value = bytes.Trim(value, string([]byte{c}))
	}

	return Field{Name: name, Value: value}, nil
}

// FieldValues returns values of fields named name, compared case-insensitively.
func FieldValues(fields []Field, name string) []string {
	var values []string
	for _, f := range fields {
		if bytes.EqualFold(f.Name, []byte(name)) {
			values = append(values, string(f.Value))
		}
	}
	return values
}

func (f *Field) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(f.Name)
	buf.Write([]byte(": "))
	buf.Write(f.Value)
	return buf.Bytes()
}
