// Package uri parses and formats URI references.
//
// ParseHTTP is the entry point for request URLs. It accepts the loosely
// formed URLs users type, fixing up bytes that are not allowed in path
// and query, and rejects every scheme but http and https.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc3986
package uri
