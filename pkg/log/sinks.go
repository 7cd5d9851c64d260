package log

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Logger receives protocol events from the device core. Implementations
// must tolerate being called from whatever goroutine drives the event
// loop and should return quickly; a slow sink stalls the loop.
type Logger interface {
	Log(event Event)
}

// NoopLogger drops every event. The facade defaults to it when the host
// configures no sink; the zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// MultiLogger fans each event out to several sinks in order, typically an
// SlogAdapter for the console next to a FileLogger for the binary capture.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger builds a fan-out over the given sinks. An empty list is
// valid and behaves like NoopLogger.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Log forwards the event to every sink.
func (m *MultiLogger) Log(event Event) {
	for _, sink := range m.sinks {
		sink.Log(event)
	}
}

// FileLogger appends capture records to a .tlog file for later analysis
// with the trackle-log tool. Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	out    *os.File
	enc    *cbor.Encoder
	closed bool
}

// NewFileLogger opens (or creates, mode 0644) the capture file at path.
// Records are appended, so restarting a device extends its existing
// capture rather than truncating it.
func NewFileLogger(path string) (*FileLogger, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{out: out, enc: NewEncoder(out)}, nil
}

// Log appends one record. Encoding failures are swallowed: capture is a
// diagnostic aid and must never take the protocol loop down with it.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_ = l.enc.Encode(event)
}

// Close releases the capture file. Further Log calls become no-ops, and
// closing twice is harmless.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.out.Close()
}

var (
	_ Logger = NoopLogger{}
	_ Logger = (*MultiLogger)(nil)
	_ Logger = (*FileLogger)(nil)
)
