// Package http implements the HTTP/1.1 message syntax used by the
// transfer engine: start lines, header fields and their wire encoding.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
package http
