package coap

import (
	"encoding/binary"
	"errors"
	"math"
)

// Fixed single-character URI paths the application protocol dispatches
// on. Event paths use a 1-byte path too: "e" (public) or "E"
// (private), optionally followed by further Uri-Path segments naming the
// event.
const (
	PathHello           = "h"
	PathGoodbye         = "g"
	PathDescribe        = "d"
	PathFunctionCall    = "f"
	PathVariable        = "v"
	PathPropertyUpdate  = "p"
	PathUpdate          = "u"
	PathSave            = "s"
	PathChunk           = "c"
	PathKeyChange       = "k"
	PathTimeRequest     = "t"
	PathEventPublic     = "e"
	PathEventPrivate    = "E"
)

// HelloFlags advertises features the device core supports, carried as the
// single flags byte of the Hello payload.
type HelloFlags uint8

// Bit 0x08 is reserved by the broker for a future handshake-complete
// capability and never set by devices.
const (
	HelloFlagOTASuccess              HelloFlags = 0x01
	HelloFlagDiagnostics             HelloFlags = 0x02
	HelloFlagImmediateUpdates        HelloFlags = 0x04
	HelloFlagGoodbye                 HelloFlags = 0x10
	HelloFlagDeviceInitiatedDescribe HelloFlags = 0x20
	HelloFlagCompressedOTA           HelloFlags = 0x40
	HelloFlagOTAProtocolV3           HelloFlags = 0x80
)

// Hello is the decoded form of the Hello message payload.
type Hello struct {
	ProductID       uint16
	FirmwareVersion uint16
	Flags           HelloFlags
	PlatformID      uint16
	DeviceID        []byte // optional; encoded only when non-empty
}

// EncodeHello builds the CoAP message for a Hello request.
func EncodeHello(id uint16, h Hello) Message {
	payload := make([]byte, 0, 8+2+len(h.DeviceID))
	payload = binary.BigEndian.AppendUint16(payload, h.ProductID)
	payload = binary.BigEndian.AppendUint16(payload, h.FirmwareVersion)
	payload = append(payload, 0) // reserved
	payload = append(payload, byte(h.Flags))
	payload = binary.BigEndian.AppendUint16(payload, h.PlatformID)
	if len(h.DeviceID) > 0 {
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(h.DeviceID)))
		payload = append(payload, h.DeviceID...)
	}

	m := Message{Type: TypeConfirmable, Code: CodePOST, ID: id, Payload: payload}
	m.SetUriPath(PathHello)
	return m
}

// ErrShortHelloPayload is returned when a Hello payload is smaller than its
// fixed 8-byte prefix.
var ErrShortHelloPayload = errors.New("coap: hello payload too short")

// DecodeHello parses a Hello message's payload.
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) < 8 {
		return Hello{}, ErrShortHelloPayload
	}
	h := Hello{
		ProductID:       binary.BigEndian.Uint16(payload[0:2]),
		FirmwareVersion: binary.BigEndian.Uint16(payload[2:4]),
		Flags:           HelloFlags(payload[5]),
		PlatformID:      binary.BigEndian.Uint16(payload[6:8]),
	}
	if len(payload) > 8 {
		if len(payload) < 10 {
			return Hello{}, ErrShortHelloPayload
		}
		n := binary.BigEndian.Uint16(payload[8:10])
		if len(payload) < 10+int(n) {
			return Hello{}, ErrShortHelloPayload
		}
		h.DeviceID = append([]byte(nil), payload[10:10+int(n)]...)
	}
	return h, nil
}

// FunctionCall is a decoded Function-call request.
type FunctionCall struct {
	Name string
	Args []byte
}

// DecodeFunctionCall parses a Function-call request's payload: a
// length-prefixed function name followed by the raw argument bytes.
func DecodeFunctionCall(payload []byte) (FunctionCall, error) {
	if len(payload) < 1 {
		return FunctionCall{}, errors.New("coap: empty function-call payload")
	}
	nameLen := int(payload[0])
	if len(payload) < 1+nameLen {
		return FunctionCall{}, errors.New("coap: truncated function name")
	}
	return FunctionCall{
		Name: string(payload[1 : 1+nameLen]),
		Args: append([]byte(nil), payload[1+nameLen:]...),
	}, nil
}

// EncodeFunctionResponseAck builds the 2.04 Changed acknowledgement
// carrying the function's big-endian int32 return value. It is always
// exactly 10 bytes on the wire: 4-byte header + 1-byte token + 1-byte
// marker + 4-byte payload.
func EncodeFunctionResponseAck(id uint16, token []byte, result int32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(result))
	return Message{Type: TypeAcknowledgement, Code: CodeChanged, ID: id, Token: token, Payload: payload}
}

// EncodeFunctionErrorAck builds a coded error ACK for a failed
// Function-call. detail must be one of the RESPONSE_CODE(4,N) values
// the broker understands: 0 invalid args, 3 not authorized, 4 no such
// function.
func EncodeFunctionErrorAck(id uint16, token []byte, detail uint8) Message {
	return Message{Type: TypeAcknowledgement, Code: NewCode(4, detail), ID: id, Token: token}
}

// VariableKind selects the wire encoding of a Variable-response payload.
type VariableKind uint8

const (
	VariableBool   VariableKind = iota
	VariableInt32
	VariableInt64 // truncated to 48 bits on the wire; sign-extension is the server's job.
	VariableDouble
	VariableString // or JSON; copied verbatim.
)

// EncodeVariableResponse builds the 2.05 Content ACK for a Variable-read
// request, encoding value according to kind.
func EncodeVariableResponse(id uint16, token []byte, kind VariableKind, value any) (Message, error) {
	var payload []byte
	switch kind {
	case VariableBool:
		b, ok := value.(bool)
		if !ok {
			return Message{}, errors.New("coap: variable value is not a bool")
		}
		if b {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case VariableInt32:
		v, ok := value.(int32)
		if !ok {
			return Message{}, errors.New("coap: variable value is not an int32")
		}
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(v))
	case VariableInt64:
		v, ok := value.(int64)
		if !ok {
			return Message{}, errors.New("coap: variable value is not an int64")
		}
		payload = encodeInt48(v)
	case VariableDouble:
		v, ok := value.(float64)
		if !ok {
			return Message{}, errors.New("coap: variable value is not a float64")
		}
		payload = make([]byte, 8)
		binary.BigEndian.PutUint64(payload, math.Float64bits(v))
	case VariableString:
		s, ok := value.(string)
		if !ok {
			return Message{}, errors.New("coap: variable value is not a string")
		}
		payload = []byte(s)
	default:
		return Message{}, errors.New("coap: unknown variable kind")
	}
	return Message{Type: TypeAcknowledgement, Code: CodeContent, ID: id, Token: token, Payload: payload}, nil
}

// encodeInt48 truncates v to its low 48 bits, big-endian's int64-as-6-bytes wire encoding.
func encodeInt48(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf[2:]
}

// decodeInt48 reverses encodeInt48 by sign-extending from bit 47.
func decodeInt48(b []byte) int64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	if v&(1<<47) != 0 {
		v |= 0xFFFF_0000_0000_0000
	}
	return int64(v)
}

// DecodeVariableResponse extracts a value from a Variable-response payload
// for the given kind. This is used by controller-side tooling and tests;
// the device core only ever encodes these, never decodes them.
func DecodeVariableResponse(payload []byte, kind VariableKind) (any, error) {
	switch kind {
	case VariableBool:
		if len(payload) != 1 {
			return nil, errors.New("coap: bad bool variable length")
		}
		return payload[0] != 0, nil
	case VariableInt32:
		if len(payload) != 4 {
			return nil, errors.New("coap: bad int32 variable length")
		}
		return int32(binary.BigEndian.Uint32(payload)), nil
	case VariableInt64:
		if len(payload) != 6 {
			return nil, errors.New("coap: bad int64 variable length")
		}
		return decodeInt48(payload), nil
	case VariableDouble:
		if len(payload) != 8 {
			return nil, errors.New("coap: bad double variable length")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(payload)), nil
	case VariableString:
		return string(payload), nil
	default:
		return nil, errors.New("coap: unknown variable kind")
	}
}

// EventMarker distinguishes the public ("e") and private ("E") event URIs.
type EventMarker uint8

const (
	EventPublic EventMarker = iota
	EventPrivate
)

func (m EventMarker) path() string {
	if m == EventPrivate {
		return PathEventPrivate
	}
	return PathEventPublic
}

// splitPath splits an event name on "/" into its Uri-Path segments.
func splitPath(name string) []string {
	if name == "" {
		return nil
	}
	var segs []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			segs = append(segs, name[start:i])
			start = i + 1
		}
	}
	segs = append(segs, name[start:])
	return segs
}

// EncodeEventBlock builds one CoAP message carrying a block of an event
// publish. block must already be the correctly-sized slice of the overall
// payload; the caller (pkg/publish) owns splitting. ttl of 60 is the
// default and is omitted from the wire; block1 is nil for
// single-block publishes.
func EncodeEventBlock(id uint16, token []byte, marker EventMarker, name string, ttl uint32, block1 *Block1, payload []byte) (Message, error) {
	m := Message{Type: TypeConfirmable, Code: CodePOST, ID: id, Token: token, Payload: payload}
	m.SetUriPath(append([]string{marker.path()}, splitPath(name)...)...)

	if ttl != 60 {
		m.Options = append(m.Options, Option{Number: OptionTTL, Value: EncodeTTL(ttl)})
	}
	if block1 != nil {
		raw, err := EncodeBlock1(*block1)
		if err != nil {
			return Message{}, err
		}
		m.Options = append(m.Options, Option{Number: OptionBlock1, Value: raw})
	}
	sortOptions(m.Options)
	return m, nil
}

// DecodeEvent extracts the event marker, name, TTL (defaulting to 60), and
// optional Block1 descriptor from an inbound event publish.
func DecodeEvent(m Message) (marker EventMarker, name string, ttl uint32, block1 *Block1, err error) {
	ttl = 60
	var segments []string
	for _, opt := range m.Options {
		switch opt.Number {
		case OptionUriPath:
			segments = append(segments, string(opt.Value))
		case OptionTTL:
			ttl = DecodeTTL(opt.Value)
		case OptionBlock1:
			b, decErr := DecodeBlock1(opt.Value)
			if decErr != nil {
				return 0, "", 0, nil, decErr
			}
			block1 = &b
		}
	}
	if len(segments) == 0 {
		return 0, "", 0, nil, errors.New("coap: event message has no uri-path")
	}
	if segments[0] == PathEventPrivate {
		marker = EventPrivate
	} else {
		marker = EventPublic
	}
	name = ""
	for _, seg := range segments[1:] {
		if name != "" {
			name += "/"
		}
		name += seg
	}
	return marker, name, ttl, block1, nil
}

// UpdateFlags is the optional trailing flags byte of an UpdateBegin/
// SaveBegin payload. Older brokers omit it.
type UpdateFlags uint8

// UpdateFlagCompressed marks the transfer's chunks as compressed; the
// chunk-persistence collaborator owns decompression, the core only
// threads the bit through.
const UpdateFlagCompressed UpdateFlags = 1 << 0

// UpdateBegin is the decoded payload of an UpdateBegin/SaveBegin message.
type UpdateBegin struct {
	TotalLength uint32
	ChunkSize   uint16
	ChunkCount  uint16
	Address     uint32
	Flags       UpdateFlags
}

// DecodeUpdateBegin parses an UpdateBegin/SaveBegin payload:
// total_length(4) | chunk_size(2) | chunk_count(2) | address(4) |
// [flags(1)].
func DecodeUpdateBegin(payload []byte) (UpdateBegin, error) {
	if len(payload) < 12 {
		return UpdateBegin{}, errors.New("coap: short update-begin payload")
	}
	ub := UpdateBegin{
		TotalLength: binary.BigEndian.Uint32(payload[0:4]),
		ChunkSize:   binary.BigEndian.Uint16(payload[4:6]),
		ChunkCount:  binary.BigEndian.Uint16(payload[6:8]),
		Address:     binary.BigEndian.Uint32(payload[8:12]),
	}
	if len(payload) >= 13 {
		ub.Flags = UpdateFlags(payload[12])
	}
	return ub, nil
}

// Chunk is a decoded firmware Chunk message.
type Chunk struct {
	Index   uint16
	Payload []byte
}

// DecodeChunk parses a Chunk message payload: index(2) | data.
func DecodeChunk(payload []byte) (Chunk, error) {
	if len(payload) < 2 {
		return Chunk{}, errors.New("coap: short chunk payload")
	}
	return Chunk{
		Index:   binary.BigEndian.Uint16(payload[0:2]),
		Payload: append([]byte(nil), payload[2:]...),
	}, nil
}

// EncodeChunkReceived acknowledges receipt of a chunk.
func EncodeChunkReceived(id uint16, token []byte) Message {
	return Message{Type: TypeAcknowledgement, Code: CodeChanged, ID: id, Token: token}
}

// EncodeMissingChunkRequest builds the GET /c request a device sends when
// it detects a gap in the chunk sequence, carrying the missing 16-bit
// index as payload.
func EncodeMissingChunkRequest(id uint16, index uint16) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, index)
	m := Message{Type: TypeConfirmable, Code: CodeGET, ID: id, Payload: payload}
	m.SetUriPath(PathChunk)
	return m
}

// UpdateDoneFlags carries the "don't reset" bit of an UpdateDone message.
type UpdateDoneFlags uint8

const UpdateDoneFlagDontReset UpdateDoneFlags = 1 << 0

// DecodeUpdateDone parses an UpdateDone payload: a single flags byte.
func DecodeUpdateDone(payload []byte) (UpdateDoneFlags, error) {
	if len(payload) < 1 {
		return 0, errors.New("coap: empty update-done payload")
	}
	return UpdateDoneFlags(payload[0]), nil
}

// EncodeTimeRequest builds the GET /t time-sync request.
func EncodeTimeRequest(id uint16, token []byte) Message {
	m := Message{Type: TypeConfirmable, Code: CodeGET, ID: id, Token: token}
	m.SetUriPath(PathTimeRequest)
	return m
}

// DecodeTimeResponse extracts the 32-bit UNIX time from a /t 2.05 Content
// response.
func DecodeTimeResponse(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, errors.New("coap: bad time response length")
	}
	return binary.BigEndian.Uint32(payload), nil
}

// DecodeKeyChange returns the raw new-key material carried by a Key-change
// message; pkg/dtls owns interpreting it.
func DecodeKeyChange(payload []byte) []byte {
	return append([]byte(nil), payload...)
}

// EncodeEmptyPing builds the empty confirmable message the pinger sends
// when the keep-alive interval elapses. An empty CON (no
// token, no options, no payload) doubles as a CoAP ping: any ACK or RESET
// it provokes resets the pinger.
func EncodeEmptyPing(id uint16) Message {
	return Message{Type: TypeConfirmable, Code: Code(0), ID: id}
}

// DescribeFlags selects which sections a Describe message carries.
type DescribeFlags uint8

const (
	DescribeSystem  DescribeFlags = 1 << 0
	DescribeApp     DescribeFlags = 1 << 1
	DescribeMetrics DescribeFlags = 1 << 2
)

// EncodeDescribe builds a device-initiated POST /d Describe message. The
// payload is owned by the caller: the broker's JSON function/variable
// schema for System/App describes, or the binary metrics block for a
// DESCRIBE_METRICS describe (see pkg/protocol's describe builder).
func EncodeDescribe(id uint16, confirmable bool, payload []byte) Message {
	typ := TypeNonConfirmable
	if confirmable {
		typ = TypeConfirmable
	}
	m := Message{Type: typ, Code: CodePOST, ID: id, Payload: payload}
	m.SetUriPath(PathDescribe)
	return m
}

// PropertyUpdate is a decoded Property-update request: a key identifying
// which device-state field to update, and its raw argument bytes (the
// registered property handler owns interpreting them).
type PropertyUpdate struct {
	Key string
	Arg []byte
}

// DecodePropertyUpdate parses a Property-update payload: a length-prefixed
// key followed by the raw argument bytes, the same shape as
// DecodeFunctionCall.
func DecodePropertyUpdate(payload []byte) (PropertyUpdate, error) {
	if len(payload) < 1 {
		return PropertyUpdate{}, errors.New("coap: empty property-update payload")
	}
	keyLen := int(payload[0])
	if len(payload) < 1+keyLen {
		return PropertyUpdate{}, errors.New("coap: truncated property key")
	}
	return PropertyUpdate{
		Key: string(payload[1 : 1+keyLen]),
		Arg: append([]byte(nil), payload[1+keyLen:]...),
	}, nil
}

// EncodePropertyAck builds the 2.04 Changed acknowledgement for a
// Property-update request.
func EncodePropertyAck(id uint16, token []byte) Message {
	return Message{Type: TypeAcknowledgement, Code: CodeChanged, ID: id, Token: token}
}

// SignalKind distinguishes the two payloads the "s" URI carries: a
// SaveBegin update-start descriptor, or a signal start/stop command
// ("distinguished by payload byte").
type SignalKind uint8

const (
	SignalKindSaveBegin SignalKind = 0
	SignalKindSignal    SignalKind = 1
)

// DecodeSignalPath inspects the first payload byte of an "s"-path message
// to decide whether it is a SaveBegin (to be decoded with
// DecodeUpdateBegin) or a signal start/stop command.
func DecodeSignalPath(payload []byte) (SignalKind, bool, error) {
	if len(payload) < 1 {
		return 0, false, errors.New("coap: empty signal payload")
	}
	kind := SignalKind(payload[0] >> 7)
	on := payload[len(payload)-1] != 0
	return kind, on, nil
}

// EncodeSignalAck acknowledges a signal start/stop command.
func EncodeSignalAck(id uint16, token []byte) Message {
	return Message{Type: TypeAcknowledgement, Code: CodeChanged, ID: id, Token: token}
}
