package log

import (
	"testing"
	"time"
)

func TestEventCBORRoundTrip(t *testing.T) {
	procTime := 15 * time.Millisecond
	original := Event{
		Timestamp:    time.Unix(0, 1700000000123456789).UTC(),
		ConnectionID: "conn-abc",
		Direction:    DirectionOut,
		Layer:        LayerCoAP,
		Category:     CategoryMessage,
		DeviceID:     "10af264374ed834302aeb984",
		Message: &MessageEvent{
			ID:             0x1234,
			Type:           0,
			Code:           0x44,
			Path:           "f/turnOn",
			TokenLen:       1,
			PayloadLen:     4,
			ProcessingTime: &procTime,
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if decoded.ConnectionID != original.ConnectionID {
		t.Errorf("ConnectionID: got %q, want %q", decoded.ConnectionID, original.ConnectionID)
	}
	if decoded.DeviceID != original.DeviceID {
		t.Errorf("DeviceID: got %q, want %q", decoded.DeviceID, original.DeviceID)
	}
	if decoded.Direction != original.Direction {
		t.Errorf("Direction: got %v, want %v", decoded.Direction, original.Direction)
	}
	if decoded.Layer != original.Layer {
		t.Errorf("Layer: got %v, want %v", decoded.Layer, original.Layer)
	}
	if decoded.Message == nil {
		t.Fatal("Message is nil after round-trip")
	}
	if decoded.Message.ID != original.Message.ID {
		t.Errorf("Message.ID: got %#x, want %#x", decoded.Message.ID, original.Message.ID)
	}
	if decoded.Message.Path != original.Message.Path {
		t.Errorf("Message.Path: got %q, want %q", decoded.Message.Path, original.Message.Path)
	}
	if decoded.Message.ProcessingTime == nil || *decoded.Message.ProcessingTime != procTime {
		t.Errorf("Message.ProcessingTime: got %v, want %v", decoded.Message.ProcessingTime, procTime)
	}
}

func TestStateChangeEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp: time.Unix(0, 1700000000000000000).UTC(),
		Direction: DirectionIn,
		Layer:     LayerDTLS,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntitySession,
			OldState: "Handshaking",
			NewState: "Connected",
			Reason:   "handshake complete",
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded.StateChange == nil {
		t.Fatal("StateChange is nil after round-trip")
	}
	if decoded.StateChange.NewState != "Connected" {
		t.Errorf("NewState: got %q, want %q", decoded.StateChange.NewState, "Connected")
	}
}

func TestControlMsgEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp: time.Unix(0, 1700000000000000000).UTC(),
		Direction: DirectionOut,
		Layer:     LayerCoAP,
		Category:  CategoryControl,
		ControlMsg: &ControlMsgEvent{
			Type:     ControlMsgPing,
			Sequence: 42,
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded.ControlMsg == nil || decoded.ControlMsg.Sequence != 42 {
		t.Errorf("ControlMsg round-trip mismatch: %+v", decoded.ControlMsg)
	}
}

func TestErrorEventCBORRoundTrip(t *testing.T) {
	code := uint8(3)
	original := Event{
		Timestamp: time.Unix(0, 1700000000000000000).UTC(),
		Layer:     LayerProtocol,
		Category:  CategoryError,
		Error: &ErrorEventData{
			Layer:   LayerProtocol,
			Message: "function not found",
			Code:    &code,
			Context: "function-call dispatch",
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code == nil || *decoded.Error.Code != code {
		t.Errorf("Error round-trip mismatch: %+v", decoded.Error)
	}
}

func TestDiagnosticEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp: time.Unix(0, 1700000000000000000).UTC(),
		Layer:     LayerProtocol,
		Category:  CategoryDiagnostic,
		Diagnostic: &DiagnosticEvent{
			Records: []DiagnosticRecord{
				{Key: 1, Value: 5},
				{Key: 2, Value: -1},
			},
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded.Diagnostic == nil || len(decoded.Diagnostic.Records) != 2 {
		t.Fatalf("Diagnostic round-trip mismatch: %+v", decoded.Diagnostic)
	}
	if decoded.Diagnostic.Records[1].Value != -1 {
		t.Errorf("negative value round-trip failed: got %d", decoded.Diagnostic.Records[1].Value)
	}
}

func TestDecodeEventInvalidData(t *testing.T) {
	if _, err := DecodeEvent([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected error decoding invalid CBOR")
	}
}
