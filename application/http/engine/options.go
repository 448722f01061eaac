package engine

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"

	"async-http/lib/task"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// DefaultTimeout is the low speed time, in seconds, of requests without a timeout option.
const DefaultTimeout = 60

// AcceptAll returned from a [ReceiveFunc] accepts the whole chunk.
const AcceptAll = -1

var ErrInvalidOption = errors.New("invalid option")

// ErrAbort returned from a [SendFunc] aborts the transfer.
var ErrAbort = errors.New("abort")

// ConfigError reports a malformed option. Nothing is sent when a request fails with it.
type ConfigError struct {
	Option string
	Msg    string
}

func configErrorf(option, format string, args ...any) *ConfigError {
	return &ConfigError{Option: option, Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return "invalid option: " + e.Msg
	}
	return fmt.Sprintf("invalid option %q: %s", e.Option, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidOption }

// Callbacks run in a task of their own, on the engine's loop.
// A callback may suspend its task, for instance by issuing a request without OnComplete;
// the engine then goes on as if the callback returned its default.
type (
	// HeaderFunc is called once per received header block with every field received so far.
	HeaderFunc func(t *task.Task, headers Headers, responseCode int)
	// ReceiveFunc consumes a chunk of response body and returns how much of it was accepted.
	// Accepting less than the whole chunk aborts the transfer. See [AcceptAll].
	ReceiveFunc func(t *task.Task, chunk []byte) int
	// SendFunc returns up to n bytes of request body.
	// Returning no data ends the body. Returning [ErrAbort] aborts the transfer.
	SendFunc func(t *task.Task, n int) ([]byte, error)
	// ProgressFunc returning true aborts the transfer.
	ProgressFunc func(t *task.Task, p Progress) bool
	// CompleteFunc receives the response of a request issued with it.
	CompleteFunc func(t *task.Task, resp *Response)
)

// Options describe a request.
// Pointer fields distinguish "not given" from the zero value.
type Options struct {
	URL     string `mapstructure:"url"`
	Verbose bool   `mapstructure:"verbose"`

	// DNSServers is a comma separated list of "host[:port]" used instead of the system resolver.
	DNSServers string `mapstructure:"dns_servers"`

	// Timeout aborts a transfer after this many seconds without any byte transferred.
	// Nil means [DefaultTimeout]; zero disables it.
	Timeout *int `mapstructure:"timeout"`
	// ConnTimeout limits the whole transfer, in seconds. Zero means no limit.
	ConnTimeout int `mapstructure:"conntimeout"`

	SSLVerifyPeer *bool  `mapstructure:"ssl_verifypeer"`
	SSLVerifyHost *int   `mapstructure:"ssl_verifyhost"`
	SSLCert       string `mapstructure:"sslcert"`
	SSLCertPasswd string `mapstructure:"sslcertpasswd"`
	SSLCertType   string `mapstructure:"sslcerttype"`
	SSLKey        string `mapstructure:"sslkey"`
	SSLKeyPasswd  string `mapstructure:"sslkeypasswd"`
	SSLKeyType    string `mapstructure:"sslkeytype"`
	CAInfo        string `mapstructure:"cainfo"`
	CAPath        string `mapstructure:"capath"`

	// Headers maps a field name to a string, a number or a list of those.
	Headers map[string]any `mapstructure:"headers"`

	Proxy       string `mapstructure:"proxy"`
	ProxyPort   int    `mapstructure:"proxyport"`
	ProxyTunnel bool   `mapstructure:"proxytunnel"`

	Body []byte `mapstructure:"body"`

	OnSend     SendFunc     `mapstructure:"onsend"`
	OnReceive  ReceiveFunc  `mapstructure:"onreceive"`
	OnHeader   HeaderFunc   `mapstructure:"onheader"`
	OnProgress ProgressFunc `mapstructure:"onprogress"`
	OnComplete CompleteFunc `mapstructure:"oncomplete"`

	ForbidReuse bool   `mapstructure:"forbid_reuse"`
	CookieJar   string `mapstructure:"cookiejar"`
}

// ParseOptions builds Options from a URL string, a map keyed by option names,
// an Options or an *Options.
func ParseOptions(v any) (Options, error) {
	switch v := v.(type) {
	case string:
		return Options{URL: v}, nil
	case Options:
		return v, nil
	case *Options:
		if v == nil {
			return Options{}, configErrorf("", "nil options")
		}
		return *v, nil
	case map[string]any:
		return decodeOptions(v)
	}

	return Options{}, configErrorf("", "unsupported options type %T", v)
}

func decodeOptions(m map[string]any) (Options, error) {
	var opts Options

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToBytesHookFunc,
			convertFuncHookFunc,
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, errors.Wrap(err, "creating options decoder")
	}

	if err := decoder.Decode(m); err != nil {
		return Options{}, configErrorf("", "%s", err)
	}

	return opts, nil
}

var bytesType = reflect.TypeFor[[]byte]()

func stringToBytesHookFunc(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != bytesType {
		return data, nil
	}
	return []byte(reflect.ValueOf(data).String()), nil
}

// convertFuncHookFunc lets plain function literals fill the named callback fields.
func convertFuncHookFunc(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.Func || t.Kind() != reflect.Func || f == t {
		return data, nil
	}
	if !f.ConvertibleTo(t) {
		return nil, errors.Errorf("callback of type %s does not fit %s", f, t)
	}
	return reflect.ValueOf(data).Convert(t).Interface(), nil
}

// Validate reports the first malformed option as a [*ConfigError].
func (o *Options) Validate() error {
	switch {
	case o.URL == "":
		return configErrorf("url", "missing")
	case (o.Proxy == "") != (o.ProxyPort == 0):
		return configErrorf("proxy", "proxy and proxyport must be given together")
	case o.ProxyPort < 0 || o.ProxyPort > math.MaxUint16:
		return configErrorf("proxyport", "%d out of range", o.ProxyPort)
	case o.Body != nil && o.OnSend != nil:
		return configErrorf("body", "body and onsend are exclusive")
	case o.Timeout != nil && *o.Timeout < 0:
		return configErrorf("timeout", "negative value %d", *o.Timeout)
	case o.ConnTimeout < 0:
		return configErrorf("conntimeout", "negative value %d", o.ConnTimeout)
	case o.SSLVerifyHost != nil && (*o.SSLVerifyHost < 0 || *o.SSLVerifyHost > 2):
		return configErrorf("ssl_verifyhost", "%d is not one of 0, 1 or 2", *o.SSLVerifyHost)
	}

	for name, v := range o.Headers {
		if _, err := headerValues(v); err != nil {
			return configErrorf("headers", "%s: %s", name, err)
		}
	}

	return nil
}

// headerFields flattens Headers in name order.
func (o *Options) headerFields() []field {
	names := make([]string, 0, len(o.Headers))
	for name := range o.Headers {
		names = append(names, name)
	}
	slices.Sort(names)

	var fields []field
	for _, name := range names {
		values, _ := headerValues(o.Headers[name])
		for _, v := range values {
			fields = append(fields, field{name: name, value: v})
		}
	}
	return fields
}

type field struct {
	name  string
	value string
}

func headerValues(v any) ([]string, error) {
	switch v := v.(type) {
	case []string:
		return v, nil
	case []any:
		values := make([]string, 0, len(v))
		for _, elem := range v {
			s, err := headerValue(elem)
			if err != nil {
				return nil, err
			}
			values = append(values, s)
		}
		return values, nil
	}

	s, err := headerValue(v)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

func headerValue(v any) (string, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}

	return "", errors.Errorf("unsupported value type %T", v)
}
