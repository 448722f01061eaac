// Package cookie implements a cookie jar persisted in the Netscape cookie file format.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc6265
package cookie

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const httpOnlyPrefix = "#HttpOnly_"

var ErrMalformedLine = errors.New("malformed cookie line")

type Cookie struct {
	Domain string
	// IncludeSubdomains is false for host-only cookies.
	IncludeSubdomains bool
	Path              string
	Secure            bool
	// Expires is zero for session cookies.
	Expires  time.Time
	Name     string
	Value    string
	HttpOnly bool
}

func (c Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

func boolText(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Line formats the cookie as a line of Netscape cookie file, without line terminator.
func (c Cookie) Line() string {
	domain := c.Domain
	if c.IncludeSubdomains {
		domain = "." + domain
	}
	if c.HttpOnly {
		domain = httpOnlyPrefix + domain
	}

	var expires int64
	if !c.Expires.IsZero() {
		expires = c.Expires.Unix()
	}

	return strings.Join([]string{
		domain,
		boolText(c.IncludeSubdomains),
		c.Path,
		boolText(c.Secure),
		strconv.FormatInt(expires, 10),
		c.Name,
		c.Value,
	}, "\t")
}

// ParseLine parses a line of Netscape cookie file.
func ParseLine(line string) (Cookie, error) {
	line = strings.TrimRight(line, "\r\n")

	var c Cookie
	if rest, ok := strings.CutPrefix(line, httpOnlyPrefix); ok {
		c.HttpOnly = true
		line = rest
	}

	fields := strings.Split(line, "\t")
	if len(fields) == 6 {
		// Empty value may lose its trailing tab.
		fields = append(fields, "")
	}
	if len(fields) != 7 {
		return Cookie{}, errors.Wrapf(ErrMalformedLine, "expected 7 fields, got %d", len(fields))
	}

	c.Domain = strings.ToLower(strings.TrimPrefix(fields[0], "."))
	if c.Domain == "" {
		return Cookie{}, errors.Wrap(ErrMalformedLine, "empty domain")
	}
	c.IncludeSubdomains = strings.EqualFold(fields[1], "TRUE")
	c.Path = fields[2]
	c.Secure = strings.EqualFold(fields[3], "TRUE")

	expires, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Cookie{}, errors.Wrap(ErrMalformedLine, "expires is not a number")
	}
	if expires > 0 {
		c.Expires = time.Unix(expires, 0)
	}

	c.Name, c.Value = fields[5], fields[6]
	if c.Name == "" {
		return Cookie{}, errors.Wrap(ErrMalformedLine, "empty name")
	}

	return c, nil
}
