package coap

import "fmt"

// Type is the CoAP message type (RFC 7252 §3), carried in bits 5-4 of the
// first header byte.
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAcknowledgement Type = 2
	TypeReset           Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeConfirmable:
		return "CON"
	case TypeNonConfirmable:
		return "NON"
	case TypeAcknowledgement:
		return "ACK"
	case TypeReset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is a CoAP message code, packed as (class<<5)|detail per RFC 7252 §3.
type Code uint8

// NewCode builds a Code from its class (request: 0, response: 2-5) and
// detail digits, as CoAP codes are conventionally written "c.dd".
func NewCode(class, detail uint8) Code {
	return Code((class&0x7)<<5 | detail&0x1F)
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Request codes used by the application protocol.
const (
	CodeGET  = Code(0*32 + 1)
	CodePOST = Code(0*32 + 2)
)

// Response codes used by the application protocol.
var (
	CodeCreated  = NewCode(2, 1)
	CodeChanged  = NewCode(2, 4)
	CodeContent  = NewCode(2, 5)
	CodeContinue = NewCode(2, 31)

	CodeBadRequest     = NewCode(4, 0)
	CodeUnauthorized   = NewCode(4, 1)
	CodeNotFound       = NewCode(4, 4)
	CodeRequestTooLarge = NewCode(4, 13)

	CodeInternalServerError = NewCode(5, 0)
)

// Option numbers used by this protocol. Only a fixed, non-negotiated subset
// of RFC 7252/7959 options is ever produced or consumed: Uri-Path and
// Uri-Query keep their standard numbers, Block1 keeps its RFC 7959 number,
// and option number 3 — Uri-Host in the general CoAP registry — is
// repurposed here as a device-private TTL option, since this core never
// proxies requests and has no use for Uri-Host.
const (
	OptionTTL      uint16 = 3
	OptionUriPath  uint16 = 11
	OptionUriQuery uint16 = 15
	OptionBlock1   uint16 = 27
)

// Option is a single CoAP option instance. Repeatable options (Uri-Path,
// Uri-Query) appear as multiple Option values sharing the same Number.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a decoded CoAP message. Options must be supplied in
// non-decreasing Number order for Encode to produce a valid delta encoding;
// Decode always returns them in wire (ascending) order.
type Message struct {
	Type    Type
	Code    Code
	ID      uint16
	Token   []byte
	Options []Option
	Payload []byte
}

// UriPath returns the concatenation of all Uri-Path option segments,
// separated by "/".
func (m *Message) UriPath() string {
	path := ""
	for _, opt := range m.Options {
		if opt.Number != OptionUriPath {
			continue
		}
		if path != "" {
			path += "/"
		}
		path += string(opt.Value)
	}
	return path
}

// SetUriPath sets the message's Uri-Path options from path segments,
// replacing any existing Uri-Path options.
func (m *Message) SetUriPath(segments ...string) {
	filtered := m.Options[:0]
	for _, opt := range m.Options {
		if opt.Number != OptionUriPath {
			filtered = append(filtered, opt)
		}
	}
	m.Options = filtered
	for _, seg := range segments {
		m.Options = append(m.Options, Option{Number: OptionUriPath, Value: []byte(seg)})
	}
	sortOptions(m.Options)
}
