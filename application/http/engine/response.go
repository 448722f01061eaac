package engine

// Headers holds response header fields by name.
// A value is a string, or a []string when the field was received more than once.
type Headers map[string]any

// Get returns the first value of key.
func (h Headers) Get(key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Values returns all values of key in wire order.
func (h Headers) Values(key string) []string {
	switch v := h[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	}
	return nil
}

func (h Headers) add(key, value string) {
	switch v := h[key].(type) {
	case nil:
		h[key] = value
	case string:
		h[key] = []string{v, value}
	case []string:
		h[key] = append(v, value)
	}
}

func (h Headers) clone() Headers {
	c := make(Headers, len(h))
	for k, v := range h {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		c[k] = v
	}
	return c
}

// Response is the result of a request.
// A failed transfer still carries what was received before the failure.
type Response struct {
	// Body is nil when nothing was received or a receive callback consumed the body.
	Body []byte
	// ResponseCode is 0 when no response was received.
	ResponseCode int
	Headers      Headers
	// Cookies lists the cookie jar in Netscape cookie file format.
	Cookies []string
	// Charset is taken from the charset parameter of Content-Type.
	Charset string
	// Error is empty on success.
	Error string
}

// Progress is given to an OnProgress callback. Totals are 0 when unknown.
type Progress struct {
	DownloadTotal int64
	DownloadNow   int64
	UploadTotal   int64
	UploadNow     int64
}
