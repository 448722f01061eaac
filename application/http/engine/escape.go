package engine

import "async-http/application/util/uri"

// Escape percent-encodes every byte of s but ALPHA, DIGIT, '-', '.', '_' and '~'.
func Escape(s string) string { return uri.Escape(s) }

// Unescape decodes percent-encoded octets of s.
func Unescape(s string) (string, error) { return uri.Unescape(s) }
