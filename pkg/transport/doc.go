// Package transport implements the transport I/O adapter:
// an opaque, non-blocking send/receive contract over UDP, reporting
// transient (would-block / no-data) conditions distinctly from fatal
// errors. The adapter never blocks the event loop — reads use a short
// deadline ("short read timeouts, 1ms order") and a timeout is
// reported as zero bytes, not an error.
package transport
