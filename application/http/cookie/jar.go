package cookie

import (
	"bufio"
	"bytes"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
)

const fileHeader = "# Netscape HTTP Cookie File\n# This file was generated by async-http. Edit at your own risk.\n\n"

// Jar keeps cookies in memory and persists them to a single file.
type Jar struct {
	path string

	mu      sync.Mutex
	cookies []Cookie
	dirty   bool

	logger *slog.Logger
	clock  clock.Clock
}

// Load reads the jar at path. A missing file yields an empty jar.
// Malformed lines are skipped.
func Load(path string, logger *slog.Logger, clock clock.Clock) (*Jar, error) {
	j := &Jar{
		path:    path,
		cookies: make([]Cookie, 0),
		logger:  logger,
		clock:   clock,
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return j, nil
		}
		return nil, errors.Wrap(err, "opening cookie file")
	}
	defer f.Close()

	now := clock.Now()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") && !strings.HasPrefix(line, httpOnlyPrefix) {
			continue
		}

		c, err := ParseLine(line)
		if err != nil {
			logger.Debug("skipping cookie line", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if c.expired(now) {
			continue
		}
		j.store(c)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading cookie file")
	}

	return j, nil
}

func (j *Jar) Path() string { return j.path }

// store replaces a cookie with the same domain, path and name.
func (j *Jar) store(c Cookie) {
	idx := slices.IndexFunc(j.cookies, func(e Cookie) bool {
		return e.Domain == c.Domain && e.Path == c.Path && e.Name == c.Name
	})
	if idx >= 0 {
		j.cookies[idx] = c
		return
	}
	j.cookies = append(j.cookies, c)
}

func (j *Jar) remove(domain, path, name string) {
	j.cookies = slices.DeleteFunc(j.cookies, func(e Cookie) bool {
		return e.Domain == domain && e.Path == path && e.Name == name
	})
}

// defaultPath returns the directory of the request path.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc6265#section-5.1.4
func defaultPath(requestPath string) string {
	if !strings.HasPrefix(requestPath, "/") {
		return "/"
	}
	idx := strings.LastIndexByte(requestPath, '/')
	if idx == 0 {
		return "/"
	}
	return requestPath[:idx]
}

func domainMatch(host, domain string) bool {
	return host == domain ||
		(strings.HasSuffix(host, domain) && host[len(host)-len(domain)-1] == '.')
}

// Reference: https://datatracker.ietf.org/doc/html/rfc6265#section-5.1.4
func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

// SetCookies stores the cookies of Set-Cookie field values received from host.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc6265#section-5.3
func (j *Jar) SetCookies(host, requestPath string, secure bool, values []string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	host = strings.ToLower(host)
	now := j.clock.Now()

	for _, value := range values {
		hc, err := http.ParseSetCookie(value)
		if err != nil {
			j.logger.Debug("ignoring set-cookie", slog.String("value", value), slog.Any("error", err))
			continue
		}

		c := Cookie{
			Domain:   host,
			Path:     hc.Path,
			Secure:   hc.Secure,
			Name:     hc.Name,
			Value:    hc.Value,
			HttpOnly: hc.HttpOnly,
		}

		if hc.Domain != "" {
			domain := strings.ToLower(strings.TrimPrefix(hc.Domain, "."))
			if !domainMatch(host, domain) {
				continue
			}
			if suffix, _ := publicsuffix.PublicSuffix(domain); suffix == domain && domain != host {
				// Cookies for a public suffix are only accepted as host-only.
				continue
			}
			c.Domain = domain
			c.IncludeSubdomains = true
		}

		if c.Path == "" || c.Path[0] != '/' {
			c.Path = defaultPath(requestPath)
		}

		if c.Secure && !secure {
			continue
		}

		switch {
		case hc.MaxAge < 0:
			c.Expires = now.Add(-1)
		case hc.MaxAge > 0:
			c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
		case !hc.Expires.IsZero():
			c.Expires = hc.Expires
		}

		if c.expired(now) {
			j.remove(c.Domain, c.Path, c.Name)
		} else {
			j.store(c)
		}
		j.dirty = true
	}
}

// Header returns the Cookie field value for a request, or an empty string.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc6265#section-5.4
func (j *Jar) Header(host, requestPath string, secure bool) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	host = strings.ToLower(host)
	now := j.clock.Now()

	matched := make([]Cookie, 0)
	for _, c := range j.cookies {
		if c.expired(now) || (c.Secure && !secure) {
			continue
		}
		if c.IncludeSubdomains {
			if !domainMatch(host, c.Domain) {
				continue
			}
		} else if host != c.Domain {
			continue
		}
		if !pathMatch(requestPath, c.Path) {
			continue
		}
		matched = append(matched, c)
	}

	// Longer paths first.
	slices.SortStableFunc(matched, func(a, b Cookie) int { return len(b.Path) - len(a.Path) })

	pairs := make([]string, 0, len(matched))
	for _, c := range matched {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// Lines returns all live cookies as Netscape cookie file lines.
func (j *Jar) Lines() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock.Now()
	lines := make([]string, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.expired(now) {
			lines = append(lines, c.Line())
		}
	}
	return lines
}

// Save writes the jar to its file if it changed since the last save.
func (j *Jar) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.dirty {
		return nil
	}

	now := j.clock.Now()
	buf := bytes.NewBufferString(fileHeader)
	for _, c := range j.cookies {
		if c.expired(now) {
			continue
		}
		buf.WriteString(c.Line())
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), filepath.Base(j.path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating temporary cookie file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing cookie file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing cookie file")
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return errors.Wrap(err, "renaming cookie file")
	}

	j.dirty = false
	return nil
}
