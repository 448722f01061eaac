package transfer

import (
	"strings"

	"async-http/application/util/rule"
)

type Coding string

const (
	CodingChunked Coding = "chunked"
)

// ParseCodings parses comma separated transfer codings in Transfer-Encoding field values.
// Coding parameters are dropped and names are lowercased.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.1
func ParseCodings(values ...string) []Coding {
	codings := make([]Coding, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(part, ";")
			name = strings.TrimFunc(name, rule.IsWhitespace)
			if name == "" {
				continue
			}
			codings = append(codings, Coding(strings.ToLower(name)))
		}
	}

	return codings
}

// IsChunked reports whether chunked is the final coding.
// A message body is delimited by chunked coding only in that case.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.1
func IsChunked(codings []Coding) bool {
	return len(codings) > 0 && codings[len(codings)-1] == CodingChunked
}
