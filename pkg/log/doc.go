// Package log provides structured protocol logging for the device core.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, DTLS, CoAP,
// protocol facade). It is separate from operational logging (slog) -
// protocol capture provides a complete machine-readable event trace for
// debugging and analysis, independent of whatever level-based log line the
// host chooses to print.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	logger, _ := log.NewFileLogger("/var/log/trackle/device.tlog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// The resulting Logger is handed to the protocol facade at construction.
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: raw datagram bytes (FrameEvent)
//   - DTLS: session/handshake state transitions (StateChangeEvent)
//   - CoAP: decoded messages (MessageEvent)
//   - Protocol: diagnostic snapshots, errors
//
// Control messages (ping/pong/time-sync) and errors have dedicated event
// types.
//
// # File Format
//
// Log files use CBOR encoding with a .tlog extension. The trackle-log CLI
// tool provides viewing, filtering, and export capabilities.
package log
