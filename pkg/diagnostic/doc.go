// Package diagnostic implements the diagnostic registry: a
// mapping from a 16-bit diagnostic key to a signed 32-bit value, serialized
// as a little-endian sequence of 6-byte records appended to a binary
// describe message.
package diagnostic
