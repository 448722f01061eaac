package engine

import (
	"log/slog"
	"testing"
	"time"

	"async-http/lib/task"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	t.Run("url", func(t *testing.T) {
		opts, err := ParseOptions("http://example.com/")
		require.NoError(t, err)
		assert.Equal(t, Options{URL: "http://example.com/"}, opts)
	})

	t.Run("struct", func(t *testing.T) {
		opts, err := ParseOptions(&Options{URL: "http://example.com/", Verbose: true})
		require.NoError(t, err)
		assert.Equal(t, Options{URL: "http://example.com/", Verbose: true}, opts)
	})

	t.Run("map", func(t *testing.T) {
		received := 0
		opts, err := ParseOptions(map[string]any{
			"url":            "http://example.com/",
			"verbose":        1,
			"timeout":        5.0,
			"conntimeout":    "30",
			"ssl_verifypeer": 0,
			"ssl_verifyhost": false,
			"cainfo":         "/etc/ca.pem",
			"headers":        map[string]any{"X-A": "a", "X-N": 3},
			"proxy":          "proxy.local",
			"proxyport":      "3128",
			"proxytunnel":    true,
			"body":           "a=1",
			"forbid_reuse":   1,
			"cookiejar":      "jar.txt",
			"onreceive": func(t *task.Task, chunk []byte) int {
				received += len(chunk)
				return AcceptAll
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "http://example.com/", opts.URL)
		assert.True(t, opts.Verbose)
		require.NotNil(t, opts.Timeout)
		assert.Equal(t, 5, *opts.Timeout)
		assert.Equal(t, 30, opts.ConnTimeout)
		require.NotNil(t, opts.SSLVerifyPeer)
		assert.False(t, *opts.SSLVerifyPeer)
		require.NotNil(t, opts.SSLVerifyHost)
		assert.Equal(t, 0, *opts.SSLVerifyHost)
		assert.Equal(t, "/etc/ca.pem", opts.CAInfo)
		assert.Equal(t, map[string]any{"X-A": "a", "X-N": 3}, opts.Headers)
		assert.Equal(t, "proxy.local", opts.Proxy)
		assert.Equal(t, 3128, opts.ProxyPort)
		assert.True(t, opts.ProxyTunnel)
		assert.Equal(t, []byte("a=1"), opts.Body)
		assert.True(t, opts.ForbidReuse)
		assert.Equal(t, "jar.txt", opts.CookieJar)

		require.NotNil(t, opts.OnReceive)
		opts.OnReceive(nil, []byte("abc"))
		assert.Equal(t, 3, received)

		require.NoError(t, opts.Validate())
	})

	testcases := []struct {
		desc string
		in   any
	}{
		{desc: "unknown option", in: map[string]any{"url": "http://example.com/", "colour": "red"}},
		{desc: "mistyped callback", in: map[string]any{"url": "http://example.com/", "oncomplete": func() {}}},
		{desc: "mistyped value", in: map[string]any{"url": "http://example.com/", "timeout": "soon"}},
		{desc: "nil options", in: (*Options)(nil)},
		{desc: "unsupported type", in: 42},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseOptions(tc.in)
			assert.ErrorIs(t, err, ErrInvalidOption)
		})
	}
}

func TestHeaderFields(t *testing.T) {
	opts := Options{Headers: map[string]any{
		"X-Str":   "s",
		"X-Int":   int64(-4),
		"X-Float": 2.0,
		"X-Frac":  2.5,
		"X-List":  []any{"a", 1},
		"X-Strs":  []string{"b", "c"},
	}}
	require.NoError(t, (&Options{URL: "x", Headers: opts.Headers}).Validate())

	assert.Equal(t, []field{
		{name: "X-Float", value: "2"},
		{name: "X-Frac", value: "2.5"},
		{name: "X-Int", value: "-4"},
		{name: "X-List", value: "a"},
		{name: "X-List", value: "1"},
		{name: "X-Str", value: "s"},
		{name: "X-Strs", value: "b"},
		{name: "X-Strs", value: "c"},
	}, opts.headerFields())
}

func TestHandleConfig(t *testing.T) {
	e, err := New(slog.New(slog.DiscardHandler), clock.NewMock(), Config{DataPath: t.TempDir()})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.loop.Close()) }()

	five, zero := 5, 0
	verifyPeer, verifyHost := false, 0

	t.Run("defaults", func(t *testing.T) {
		cfg, jar := e.handleConfig(MethodGet, &Options{URL: "http://example.com/"})

		assert.Equal(t, MethodGet, cfg.Method)
		assert.Equal(t, DefaultTimeout*time.Second, cfg.LowSpeedTime)
		assert.Zero(t, cfg.Timeout)
		assert.True(t, cfg.TLS.VerifyPeer)
		assert.True(t, cfg.TLS.VerifyHost)
		assert.Equal(t, DefaultCAInfo, cfg.TLS.CAFile)
		assert.Equal(t, DefaultCAPath, cfg.TLS.CAPath)
		assert.Empty(t, cfg.Proxy)
		assert.Equal(t, []string{"127.0.0.1", "localhost"}, cfg.NoProxy)
		assert.Equal(t, DefaultCookieJar, jar)
	})

	t.Run("timeouts", func(t *testing.T) {
		cfg, _ := e.handleConfig(MethodGet, &Options{URL: "http://example.com/", Timeout: &five, ConnTimeout: 30})
		assert.Equal(t, 5*time.Second, cfg.LowSpeedTime)
		assert.Equal(t, 30*time.Second, cfg.Timeout)

		cfg, _ = e.handleConfig(MethodGet, &Options{URL: "http://example.com/", Timeout: &zero})
		assert.Zero(t, cfg.LowSpeedTime)
	})

	t.Run("tls", func(t *testing.T) {
		cfg, _ := e.handleConfig(MethodGet, &Options{
			URL:           "https://example.com/",
			SSLVerifyPeer: &verifyPeer,
			SSLVerifyHost: &verifyHost,
			CAInfo:        "ca.pem",
			SSLCert:       "cert.pem",
			SSLCertType:   "DER",
			SSLKey:        "key.pem",
			SSLKeyPasswd:  "secret",
		})

		assert.False(t, cfg.TLS.VerifyPeer)
		assert.False(t, cfg.TLS.VerifyHost)
		assert.Equal(t, "ca.pem", cfg.TLS.CAFile)
		assert.Equal(t, "cert.pem", cfg.TLS.CertFile)
		assert.Equal(t, "DER", cfg.TLS.CertType)
		assert.Equal(t, "key.pem", cfg.TLS.KeyFile)
		assert.Equal(t, "secret", cfg.TLS.KeyPassword)
	})

	t.Run("proxy", func(t *testing.T) {
		testcases := []struct {
			proxy string
			want  string
		}{
			{proxy: "proxy.local", want: "proxy.local:3128"},
			{proxy: "http://proxy.local/", want: "proxy.local:3128"},
			{proxy: "::1", want: "[::1]:3128"},
		}

		for _, tc := range testcases {
			cfg, _ := e.handleConfig(MethodGet, &Options{URL: "http://example.com/", Proxy: tc.proxy, ProxyPort: 3128, ProxyTunnel: true})
			assert.Equal(t, tc.want, cfg.Proxy)
			assert.True(t, cfg.ProxyTunnel)
		}
	})

	t.Run("engine defaults", func(t *testing.T) {
		require.NoError(t, e.SetCAInfo("bundle.pem"))
		require.NoError(t, e.SetCAPath("/etc/certs"))
		require.NoError(t, e.SetCookieJar("engine.txt"))

		cfg, jar := e.handleConfig(MethodGet, &Options{URL: "http://example.com/"})
		assert.Equal(t, "bundle.pem", cfg.TLS.CAFile)
		assert.Equal(t, "/etc/certs", cfg.TLS.CAPath)
		assert.Equal(t, "engine.txt", jar)

		_, jar = e.handleConfig(MethodGet, &Options{URL: "http://example.com/", CookieJar: "mine.txt"})
		assert.Equal(t, "mine.txt", jar)
	})
}

func TestOptionsValidate(t *testing.T) {
	negative, badHost := -1, 3

	testcases := []struct {
		desc   string
		opts   Options
		option string
	}{
		{desc: "missing url", opts: Options{}, option: "url"},
		{desc: "proxy port range", opts: Options{URL: "x", Proxy: "p", ProxyPort: 70000}, option: "proxyport"},
		{desc: "negative conntimeout", opts: Options{URL: "x", ConnTimeout: -1}, option: "conntimeout"},
		{desc: "negative timeout", opts: Options{URL: "x", Timeout: &negative}, option: "timeout"},
		{desc: "verify host", opts: Options{URL: "x", SSLVerifyHost: &badHost}, option: "ssl_verifyhost"},
		{desc: "nested list", opts: Options{URL: "x", Headers: map[string]any{"X": []any{[]any{"a"}}}}, option: "headers"},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.opts.Validate()

			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.option, cerr.Option)
		})
	}
}

func TestEscape(t *testing.T) {
	testcases := []struct {
		in, out string
	}{
		{in: "abcXYZ019-._~", out: "abcXYZ019-._~"},
		{in: "a b&c=d", out: "a%20b%26c%3Dd"},
		{in: "100%", out: "100%25"},
		{in: "/path?q", out: "%2Fpath%3Fq"},
		{in: "\xff\x00", out: "%FF%00"},
	}

	for _, tc := range testcases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.out, Escape(tc.in))

			back, err := Unescape(Escape(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.in, back)
		})
	}

	// Not idempotent.
	assert.Equal(t, "a%2520b", Escape(Escape("a b")))

	_, err := Unescape("%zz")
	assert.Error(t, err)
}
