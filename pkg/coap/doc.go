// Package coap implements the CoAP (RFC 7252) message codec used inside the
// DTLS channel: one encoder and one decoder per wire type, delta-encoded
// options (Uri-Path, Uri-Query, Block1, and a custom TTL option), and the
// fixed set of application message layouts the broker speaks (Hello,
// Describe, Function-call, Variable-request, Property-update, Update
// begin/done, Save-begin/signal, Chunk, Key-change, Time-request, Event).
//
// This package is hand-rolled rather than wrapping a general CoAP
// library: no library exposes the byte-exact control this protocol's
// fixed, non-negotiated option layout needs, and the wire format itself
// is a handful of pure functions, not an I/O stack.
package coap
