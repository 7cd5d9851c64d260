package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer of the core:
// transport (raw datagrams), DTLS (handshake/record state), CoAP (decoded
// messages), or the protocol facade (state changes, errors). CBOR encoding
// uses integer keys for compactness, matching the on-wire CoAP codec's own
// preference for small encodings.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the DTLS session this event belongs
	// to (a UUID minted once per establish, not persisted across resume).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// DeviceID is the 12-byte device identifier, hex-encoded.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // CoAP layer (decoded)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // DTLS/supervisor state
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"` // ping/pong/keepalive
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // errors at any layer
	Diagnostic  *DiagnosticEvent  `cbor:"15,keyasint,omitempty"` // diagnostic describe snapshot
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the raw UDP datagram layer.
	LayerTransport Layer = 0
	// LayerDTLS is the record/handshake layer.
	LayerDTLS Layer = 1
	// LayerCoAP is the decoded CoAP message layer.
	LayerCoAP Layer = 2
	// LayerProtocol is the application-protocol/facade layer.
	LayerProtocol Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerDTLS:
		return "DTLS"
	case LayerCoAP:
		return "COAP"
	case LayerProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message (request/response/notification).
	CategoryMessage Category = 0
	// CategoryControl indicates a control message (ping/pong).
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
	// CategoryDiagnostic indicates a diagnostic describe event.
	CategoryDiagnostic Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryDiagnostic:
		return "DIAGNOSTIC"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw datagram at the transport layer.
type FrameEvent struct {
	// Size is the datagram size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw datagram bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded CoAP message.
type MessageEvent struct {
	// ID is the CoAP message id.
	ID uint16 `cbor:"1,keyasint"`

	// Type is the CoAP message type (CON/NON/ACK/RST).
	Type uint8 `cbor:"2,keyasint"`

	// Code is the CoAP class.detail code, packed as (class<<5)|detail.
	Code uint8 `cbor:"3,keyasint"`

	// Path is the decoded Uri-Path, if any (e.g. "e/my/event").
	Path string `cbor:"4,keyasint,omitempty"`

	// TokenLen is the length of the token in bytes.
	TokenLen int `cbor:"5,keyasint,omitempty"`

	// PayloadLen is the payload length in bytes.
	PayloadLen int `cbor:"6,keyasint,omitempty"`

	// ProcessingTime is the duration from receipt to response send
	// (response events only), stored as nanoseconds.
	ProcessingTime *time.Duration `cbor:"9,keyasint,omitempty"`
}

// StateChangeEvent captures DTLS session and connection-supervisor
// lifecycle transitions.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySupervisor indicates a connection-supervisor state change.
	StateEntitySupervisor StateEntity = 0
	// StateEntitySession indicates a DTLS session state change.
	StateEntitySession StateEntity = 1
	// StateEntityFirmware indicates a firmware-update state change.
	StateEntityFirmware StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySupervisor:
		return "SUPERVISOR"
	case StateEntitySession:
		return "SESSION"
	case StateEntityFirmware:
		return "FIRMWARE"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures pinger/keepalive traffic.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// Sequence is the empty-CON message id used as the ping sequence.
	Sequence uint16 `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgPing indicates an outbound empty CON keepalive.
	ControlMsgPing ControlMsgType = 0
	// ControlMsgPong indicates the matching ACK.
	ControlMsgPong ControlMsgType = 1
	// ControlMsgTimeSync indicates a time-sync request/response.
	ControlMsgTimeSync ControlMsgType = 2
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgTimeSync:
		return "TIME_SYNC"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the protocol.ErrorCode value, if applicable.
	Code *uint8 `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// DiagnosticEvent is logged whenever a diagnostic describe message is
// emitted, capturing the serialized key/value records for offline analysis.
type DiagnosticEvent struct {
	// Records is the list of (key, value) pairs sent, in wire order.
	Records []DiagnosticRecord `cbor:"1,keyasint"`
}

// DiagnosticRecord is one diagnostic key/value pair.
type DiagnosticRecord struct {
	Key   uint16 `cbor:"1,keyasint"`
	Value int32  `cbor:"2,keyasint"`
}
