package log

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingSink collects every event it is handed.
type recordingSink struct {
	events []Event
}

func (r *recordingSink) Log(event Event) {
	r.events = append(r.events, event)
}

// helloEvent builds a representative outbound CoAP capture record.
func helloEvent(connID string) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    DirectionOut,
		Layer:        LayerCoAP,
		Category:     CategoryMessage,
		DeviceID:     "10af26434374ed834302aeb984",
		Message:      &MessageEvent{ID: 0x4D4E, Type: 0, Code: 0x02, Path: "h", PayloadLen: 22},
	}
}

func TestNoopLoggerAcceptsEveryPayload(t *testing.T) {
	var sink NoopLogger // zero value must be usable

	sink.Log(Event{})
	sink.Log(helloEvent("conn-1"))
	sink.Log(Event{Frame: &FrameEvent{Size: 64, Data: []byte{0x17, 0xFE, 0xFD}}})
	sink.Log(Event{StateChange: &StateChangeEvent{Entity: StateEntitySession, NewState: "CONNECTED"}})
	sink.Log(Event{ControlMsg: &ControlMsgEvent{Type: ControlMsgPing, Sequence: 7}})
	sink.Log(Event{Error: &ErrorEventData{Layer: LayerDTLS, Message: "decrypt failed"}})
	sink.Log(Event{Diagnostic: &DiagnosticEvent{Records: []DiagnosticRecord{{Key: 0x0201, Value: 1}}}})
}

func TestMultiLoggerFansOutInOrder(t *testing.T) {
	console := &recordingSink{}
	capture := &recordingSink{}
	multi := NewMultiLogger(console, capture)

	multi.Log(helloEvent("conn-1"))
	multi.Log(helloEvent("conn-2"))

	for name, sink := range map[string]*recordingSink{"console": console, "capture": capture} {
		if len(sink.events) != 2 {
			t.Fatalf("%s sink: got %d events, want 2", name, len(sink.events))
		}
		if sink.events[0].ConnectionID != "conn-1" || sink.events[1].ConnectionID != "conn-2" {
			t.Errorf("%s sink received events out of order: %q, %q",
				name, sink.events[0].ConnectionID, sink.events[1].ConnectionID)
		}
	}
}

func TestMultiLoggerWithNoSinks(t *testing.T) {
	NewMultiLogger().Log(helloEvent("conn-1")) // must not panic
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.tlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	want := helloEvent("conn-1")
	logger.Log(want)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.ConnectionID != want.ConnectionID {
		t.Errorf("ConnectionID: got %q, want %q", got.ConnectionID, want.ConnectionID)
	}
	if got.Message == nil || got.Message.Path != "h" {
		t.Errorf("Message did not survive the round trip: %+v", got.Message)
	}
}

func TestFileLoggerAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.tlog")

	for _, connID := range []string{"conn-1", "conn-2"} {
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger: %v", err)
		}
		logger.Log(helloEvent(connID))
		if err := logger.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	events := readCapture(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events after reopen, want 2", len(events))
	}
	if events[0].ConnectionID != "conn-1" || events[1].ConnectionID != "conn-2" {
		t.Errorf("append order wrong: %q then %q", events[0].ConnectionID, events[1].ConnectionID)
	}
}

func TestFileLoggerConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.tlog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				logger.Log(helloEvent("conn-" + string(rune('A'+id))))
			}
		}(i)
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(readCapture(t, path)); got != writers*perWriter {
		t.Errorf("got %d records, want %d", got, writers*perWriter)
	}
}

func TestFileLoggerCloseIsIdempotentAndFinal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.tlog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	logger.Log(helloEvent("conn-1"))

	if err := logger.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// A record logged after Close must be dropped, not written.
	logger.Log(helloEvent("conn-late"))
	if got := len(readCapture(t, path)); got != 1 {
		t.Errorf("got %d records, want 1 (post-Close log must be ignored)", got)
	}
}

// readCapture decodes every record in the capture file at path.
func readCapture(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(data))
	var events []Event
	for {
		var event Event
		if err := dec.Decode(&event); err != nil {
			if err != io.EOF {
				t.Fatalf("decode capture: %v", err)
			}
			return events
		}
		events = append(events, event)
	}
}
