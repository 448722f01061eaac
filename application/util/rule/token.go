package rule

import (
	"bytes"
)

// IsTchar reports whether c may appear in a token.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func IsTchar(c byte) bool {
	if IsAlpha(rune(c)) || IsDigit(rune(c)) {
		return true
	}

	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+',
		'-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// IsValidToken reports whether s is a method or field name.
func IsValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for idx := 0; idx < len(s); idx++ {
		if !IsTchar(s[idx]) {
			return false
		}
	}
	return true
}

// IsFieldValue reports whether s can be sent as a field value:
// visible bytes, obs-text, SP and HTAB.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.5
func IsFieldValue(s string) bool {
	for idx := 0; idx < len(s); idx++ {
		c := s[idx]
		if c == SP || c == HTAB || (c > 0x20 && c != 0x7f) {
			continue
		}
		return false
	}
	return true
}

// Unquote strips the double quotes around a quoted-string and resolves its quoted-pairs.
// Anything else is returned as is.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.4
func Unquote(token []byte) []byte {
	if len(token) < 2 || token[0] != '"' || token[len(token)-1] != '"' {
		return bytes.Clone(token)
	}

	token = token[1 : len(token)-1]
	buf := bytes.NewBuffer(make([]byte, 0, len(token)))
	for idx := 0; idx < len(token); idx++ {
		c := token[idx]
		if c == '\\' && idx+1 < len(token) {
			idx++
			c = token[idx]
		}
		buf.WriteByte(c)
	}

	return buf.Bytes()
}
