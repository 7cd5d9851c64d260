package coap

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	version        = 1
	payloadMarker  = 0xFF
	maxTokenLen    = 8
	extByte1Marker = 13
	extByte2Marker = 14
	ext1Offset     = 13
	ext2Offset     = 269
)

var (
	// ErrMessageTooShort is returned when a datagram is smaller than the
	// fixed 4-byte CoAP header.
	ErrMessageTooShort = errors.New("coap: message shorter than header")
	// ErrInvalidVersion is returned when the header's version field is not 1.
	ErrInvalidVersion = errors.New("coap: invalid version")
	// ErrTokenTooLong is returned when TKL exceeds 8 or the token does not fit.
	ErrTokenTooLong = errors.New("coap: token length out of range")
	// ErrTruncatedOption is returned when an option header or value runs
	// past the end of the datagram.
	ErrTruncatedOption = errors.New("coap: truncated option")
	// ErrReservedOptionNibble is returned when an option's delta or length
	// nibble is the reserved value 15 outside of the payload marker.
	ErrReservedOptionNibble = errors.New("coap: reserved option nibble 15")
)

// Encode serializes a Message to its RFC 7252 binary wire form. Options
// must already be in non-decreasing Number order (Message.SetUriPath and
// the app_messages.go constructors maintain this); Encode does not sort.
func Encode(m Message) ([]byte, error) {
	if len(m.Token) > maxTokenLen {
		return nil, ErrTokenTooLong
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(version<<6) | byte(m.Type)<<4 | byte(len(m.Token)))
	buf.WriteByte(byte(m.Code))
	buf.WriteByte(byte(m.ID >> 8))
	buf.WriteByte(byte(m.ID))
	buf.Write(m.Token)

	var lastNumber uint16
	for _, opt := range m.Options {
		if opt.Number < lastNumber {
			return nil, fmt.Errorf("coap: options out of order: %d after %d", opt.Number, lastNumber)
		}
		if err := encodeOption(&buf, opt.Number-lastNumber, opt.Value); err != nil {
			return nil, err
		}
		lastNumber = opt.Number
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

func encodeOption(buf *bytes.Buffer, delta uint16, value []byte) error {
	length := uint16(len(value))

	deltaNibble, deltaExt, err := splitField(delta)
	if err != nil {
		return err
	}
	lengthNibble, lengthExt, err := splitField(length)
	if err != nil {
		return err
	}

	buf.WriteByte(byte(deltaNibble<<4) | byte(lengthNibble))
	buf.Write(deltaExt)
	buf.Write(lengthExt)
	buf.Write(value)
	return nil
}

// splitField encodes a CoAP option delta or length value into its 4-bit
// nibble plus any extended bytes, per RFC 7252 §3.1's 13/14-extension rule.
func splitField(v uint16) (nibble uint8, ext []byte, err error) {
	switch {
	case v < extByte1Marker:
		return uint8(v), nil, nil
	case v < ext2Offset:
		return extByte1Marker, []byte{byte(v - ext1Offset)}, nil
	default:
		ext2 := v - ext2Offset
		return extByte2Marker, []byte{byte(ext2 >> 8), byte(ext2)}, nil
	}
}

// Decode parses a raw datagram into a Message.
func Decode(data []byte) (Message, error) {
	if len(data) < 4 {
		return Message{}, ErrMessageTooShort
	}
	if data[0]>>6 != version {
		return Message{}, ErrInvalidVersion
	}

	m := Message{
		Type: Type((data[0] >> 4) & 0x3),
		Code: Code(data[1]),
		ID:   uint16(data[2])<<8 | uint16(data[3]),
	}
	tkl := int(data[0] & 0xF)
	if tkl > maxTokenLen {
		return Message{}, ErrTokenTooLong
	}
	pos := 4
	if pos+tkl > len(data) {
		return Message{}, ErrTokenTooLong
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[pos:pos+tkl]...)
	}
	pos += tkl

	lastNumber := uint16(0)
	for pos < len(data) {
		if data[pos] == payloadMarker {
			pos++
			if pos >= len(data) {
				return Message{}, errors.New("coap: payload marker with no payload")
			}
			m.Payload = append([]byte(nil), data[pos:]...)
			break
		}

		deltaNibble := data[pos] >> 4
		lengthNibble := data[pos] & 0xF
		pos++

		delta, newPos, err := readField(data, pos, deltaNibble, ext1Offset, ext2Offset)
		if err != nil {
			return Message{}, err
		}
		pos = newPos

		length, newPos, err := readField(data, pos, lengthNibble, ext1Offset, ext2Offset)
		if err != nil {
			return Message{}, err
		}
		pos = newPos

		if pos+int(length) > len(data) {
			return Message{}, ErrTruncatedOption
		}
		number := lastNumber + delta
		value := append([]byte(nil), data[pos:pos+int(length)]...)
		m.Options = append(m.Options, Option{Number: number, Value: value})
		lastNumber = number
		pos += int(length)
	}

	return m, nil
}

// readField decodes a single option delta or length field (nibble plus any
// extension bytes starting at pos) and returns the resolved value and the
// position immediately after it.
func readField(data []byte, pos int, nibble uint8, ext1Base, ext2Base uint16) (uint16, int, error) {
	switch nibble {
	case 15:
		return 0, pos, ErrReservedOptionNibble
	case 13:
		if pos >= len(data) {
			return 0, pos, ErrTruncatedOption
		}
		return ext1Base + uint16(data[pos]), pos + 1, nil
	case 14:
		if pos+1 >= len(data) {
			return 0, pos, ErrTruncatedOption
		}
		return ext2Base + uint16(data[pos])<<8 + uint16(data[pos+1]), pos + 2, nil
	default:
		return uint16(nibble), pos, nil
	}
}
