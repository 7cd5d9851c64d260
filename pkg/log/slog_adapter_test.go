package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestAdapter(buf *bytes.Buffer) *SlogAdapter {
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogAdapter(slog.New(handler))
}

func TestSlogAdapterLogsFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := newTestAdapter(&buf)

	adapter.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		Direction:    DirectionIn,
		Layer:        LayerTransport,
		Category:     CategoryMessage,
		Frame:        &FrameEvent{Size: 64, Truncated: false},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["frame_size"].(float64) != 64 {
		t.Errorf("frame_size: got %v, want 64", line["frame_size"])
	}
	if line["conn_id"] != "conn-1" {
		t.Errorf("conn_id: got %v, want conn-1", line["conn_id"])
	}
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := newTestAdapter(&buf)

	adapter.Log(Event{
		Timestamp: time.Now(),
		Direction: DirectionOut,
		Layer:     LayerCoAP,
		Category:  CategoryMessage,
		Message:   &MessageEvent{ID: 0x1234, Type: 0, Code: 0x44, Path: "f/turnOn"},
	})

	if !strings.Contains(buf.String(), "turnOn") {
		t.Errorf("expected path in log output, got %q", buf.String())
	}
}

func TestSlogAdapterLogsStateChangeEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := newTestAdapter(&buf)

	adapter.Log(Event{
		Timestamp: time.Now(),
		Layer:     LayerDTLS,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntitySession,
			OldState: "Handshaking",
			NewState: "Connected",
		},
	})

	if !strings.Contains(buf.String(), "Connected") {
		t.Errorf("expected new_state in log output, got %q", buf.String())
	}
}

func TestSlogAdapterLogsErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := newTestAdapter(&buf)
	code := uint8(7)

	adapter.Log(Event{
		Timestamp: time.Now(),
		Layer:     LayerProtocol,
		Category:  CategoryError,
		Error:     &ErrorEventData{Message: "boom", Code: &code},
	})

	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("expected error message in log output, got %q", buf.String())
	}
}

func TestSlogAdapterSatisfiesLogger(t *testing.T) {
	var _ Logger = (*SlogAdapter)(nil)
}
