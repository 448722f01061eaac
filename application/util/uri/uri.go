package uri

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NOTE: Manually created URI should not have escaped characters.
type URI struct {
	Scheme    string
	Authority *Authority
	Path      string
	Query     *string
	Fragment  *string

	// RawPath and RawQuery keep the escaped form of Path and Query as parsed.
	// They are empty for manually created URIs.
	RawPath  string
	RawQuery *string
}

// Reference: https://datatracker.ietf.org/doc/html/rfc3986#section-4.2
func (u *URI) IsRelativeRef() bool {
	return u.Scheme == ""
}

// Reference: https://datatracker.ietf.org/doc/html/rfc3986#section-5.3
func (u *URI) String() string {
	b := new(strings.Builder)
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteByte(':')
	}

	if u.Authority != nil {
		b.WriteString("//")
		if u.Authority.UserInfo != "" {
			b.WriteString(escape(u.Authority.UserInfo, encodeUserInfo))
			b.WriteByte('@')
		}
		b.WriteString(escape(u.Authority.Host, encodeHost))
		if u.Authority.Port != nil {
			rawPort := strconv.FormatUint(uint64(*u.Authority.Port), 10)
			b.WriteRune(':')
			b.WriteString(rawPort)
		}
	}

	b.WriteString(u.escapedPath())

	if query, ok := u.escapedQuery(); ok {
		b.WriteByte('?')
		b.WriteString(query)
	}

	if u.Fragment != nil {
		b.WriteByte('#')
		b.WriteString(escape(*u.Fragment, encodeFragment))
	}

	return b.String()
}

func (u *URI) escapedPath() string {
	if u.RawPath != "" {
		return u.RawPath
	}
	return escape(u.Path, encodePath)
}

func (u *URI) escapedQuery() (string, bool) {
	if u.RawQuery != nil {
		return *u.RawQuery, true
	}
	if u.Query != nil {
		return escape(*u.Query, encodeQuery), true
	}
	return "", false
}

// RequestTarget returns the origin-form request target: absolute path and query.
// Dot segments are removed and an empty path becomes "/".
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.1
func (u *URI) RequestTarget() string {
	path := removeDotSegments(u.escapedPath())
	if path == "" {
		path = "/"
	}

	if query, ok := u.escapedQuery(); ok {
		return path + "?" + query
	}
	return path
}

// DefaultPort returns the well-known port of http and https schemes, or 0.
func DefaultPort(scheme string) uint16 {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}

// Port returns the explicit port, or the default port of the scheme.
func (u *URI) Port() uint16 {
	if u.Authority != nil && u.Authority.Port != nil {
		return *u.Authority.Port
	}
	return DefaultPort(u.Scheme)
}

// Hostname returns the host without brackets around IP literals.
func (u *URI) Hostname() string {
	if u.Authority == nil {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(u.Authority.Host, "["), "]")
}

// HostHeader returns the value for Host field, which omits the default port.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-7.2
func (u *URI) HostHeader() string {
	if u.Authority == nil {
		return ""
	}

	host := escape(u.Authority.Host, encodeHost)
	if port := u.Port(); port != DefaultPort(u.Scheme) {
		host += ":" + strconv.FormatUint(uint64(port), 10)
	}
	return host
}

type Authority struct {
	UserInfo string
	Host     string

	// NOTE: Port can be digits of any length. But practically it is in range of 0 ~ 65535.
	// It should be better to store it as string to follow the RFC rule.
	// But since the pacakge uri is library, I'll use uint16 for usability.
	// Reference: datatracker.ietf.org/doc/html/rfc3986#section-3.2.3
	Port *uint16
}

var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrMissingHost       = errors.New("host is missing")
)

// ParseHTTP parses an absolute http or https URL.
// A URL without scheme is assumed to be http.
// Bytes not allowed in path and query are percent-encoded instead of rejected.
func ParseHTTP(rawURL string) (URI, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		scheme, rest, _ := strings.Cut(rawURL, "://")
		authority, pathEtc, _ := strings.Cut(rest, "/")
		if j := strings.IndexAny(authority, "?#"); j >= 0 {
			pathEtc = authority[j:]
			authority = authority[:j]
			rawURL = scheme + "://" + authority + "/" + pathEtc
		}
	}

	base, frag, hasFrag := strings.Cut(rawURL, "#")
	base, query, hasQuery := strings.Cut(base, "?")

	scheme, rest, found := strings.Cut(base, "://")
	if !found {
		return URI{}, errors.New("URL is not absolute")
	}

	authority, path := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}

	raw := scheme + "://" + authority + escapeInvalid(path, isPathByte)
	if hasQuery {
		raw += "?" + escapeInvalid(query, isQueryByte)
	}
	if hasFrag {
		raw += "#" + escapeInvalid(frag, isQueryByte)
	}

	uri, err := Parse(raw)
	if err != nil {
		return URI{}, err
	}

	if uri.Scheme != "http" && uri.Scheme != "https" {
		return URI{}, errors.Wrapf(ErrUnsupportedScheme, "%q", uri.Scheme)
	}
	if uri.Authority == nil || uri.Authority.Host == "" {
		return URI{}, ErrMissingHost
	}

	return uri, nil
}

func Parse(rawURL string) (URI, error) {
	if containsCTL(rawURL) {
		return URI{}, errors.New("URI should not contain CTL bytes")
	}

	var uri URI

	// Get scheme
	scheme, rest, err := cutScheme(rawURL)
	if err != nil {
		return URI{}, errors.Wrap(err, "getting scheme")
	}
	// Scheme is recommended to be lowercase.
	uri.Scheme = strings.ToLower(scheme)

	if strings.HasPrefix(rest, "//") {
		var authorityRaw string
		authorityRaw, rest = rest[2:], ""
		if i := strings.IndexAny(authorityRaw, "/?#"); i >= 0 {
			authorityRaw, rest = authorityRaw[:i], authorityRaw[i:]
		}

		authority, err := parseAuthority(authorityRaw)
		if err != nil {
			return URI{}, errors.Wrap(err, "parsing authority")
		}

		uri.Authority = &authority
	}

	path, query, frag := splitPathQueryFrag(rest)

	hasAuthority := uri.Authority != nil
	if err := assertValidPath(path, hasAuthority, uri.IsRelativeRef()); err != nil {
		return URI{}, errors.Wrap(err, "path is not valid")
	}
	uri.RawPath = path
	uri.Path, err = unescape(path)
	if err != nil {
		return URI{}, errors.Wrap(err, "unescaping path")
	}

	if len(query) > 0 {
		// Strip '?' from query.
		query = query[1:]
		if !isQueryFragValid(query) {
			return URI{}, errors.New("query is not valid")
		}

		rawQuery := query
		uri.RawQuery = &rawQuery
		if query, err = unescape(query); err != nil {
			return URI{}, errors.Wrap(err, "unescaping query")
		}
		uri.Query = &query
	}

	if len(frag) > 0 {
		// Strip '#' from fragment.
		frag = frag[1:]
		if !isQueryFragValid(frag) {
			return URI{}, errors.New("frag is not valid")
		}

		if frag, err = unescape(frag); err != nil {
			return URI{}, errors.Wrap(err, "unescaping fragment")
		}
		uri.Fragment = &frag
	}

	return uri, nil
}

// cutScheme cuts scheme from rawURL. If scheme is not valid, it returns an error.
func cutScheme(rawURL string) (scheme, rest string, err error) {
	before, after, found := strings.Cut(rawURL, ":")
	if !found {
		// If seperator is not found, scheme doesn't exist.
		return "", before, nil
	}

	scheme, rest = before, after
	if err := assertValidScheme(scheme); err != nil {
		return "", "", err
	}

	return scheme, rest, nil
}

func parseAuthority(raw string) (authority Authority, err error) {
	var userInfo, host string
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		userInfo, host = raw[:i], raw[i+1:]
	} else {
		host = raw
	}

	if userInfo != "" {
		if !isValidUserInfo(userInfo) {
			return Authority{}, errors.New("user information is not valid")
		}
		authority.UserInfo, err = unescape(userInfo)
		if err != nil {
			return Authority{}, errors.Wrap(err, "unescaping user information")
		}
	}

	host, portPart, err := getHostPort(host)
	if err != nil {
		return Authority{}, errors.Wrap(err, "parsing host")
	}

	port, hasPort, err := parsePort(portPart)
	if err != nil {
		return Authority{}, errors.Wrap(err, "parsing port")
	}

	if hasPort {
		authority.Port = &port
	}

	if authority.Host, err = unescape(host); err != nil {
		return Authority{}, errors.Wrap(err, "unescaping host")
	}
	authority.Host = strings.ToLower(authority.Host)

	return authority, nil
}

func getHostPort(raw string) (host string, portPart string, err error) {
	if strings.HasPrefix(raw, "[") {
		// This is IP Literal.
		idx := strings.LastIndex(raw, "]")
		if idx < 0 {
			return "", "", errors.New("missing ']' in IP Literal")
		}

		host = raw[:idx+1]
		portPart = raw[idx+1:]
	} else {
		// ipv4 or reg-name.
		host = raw
		if idx := strings.LastIndex(raw, ":"); idx >= 0 {
			host = raw[:idx]
			portPart = raw[idx:]
		}
	}

	if err := assertValidHost(host); err != nil {
		return "", "", errors.Wrap(err, "host is not valid")
	}

	return host, portPart, nil
}

// This is not the same rule as RFC. See [Authority].
func parsePort(s string) (port uint16, hasPort bool, err error) {
	if s == "" || s == ":" {
		// An empty port is the same as no port.
		// Reference: https://datatracker.ietf.org/doc/html/rfc3986#section-6.2.3
		return 0, false, nil
	}

	if s[0] != ':' {
		return 0, false, errors.New("colon delimiter not found on port")
	}

	s = s[1:]

	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to parse uint")
	}

	if s[0] == '0' && !(n == 0 && len(s) == 1) {
		return 0, false, errors.New("port has leading zero")
	}

	return uint16(n), true, nil
}

func splitPathQueryFrag(raw string) (path, query, frag string) {
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		frag = raw[idx:]
		raw = raw[:idx]
	}

	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		query = raw[idx:]
		raw = raw[:idx]
	}

	path = raw
	return
}
