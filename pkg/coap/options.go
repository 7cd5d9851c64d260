package coap

import (
	"encoding/binary"
	"errors"
	"sort"
)

// sortOptions stable-sorts options by ascending Number, preserving the
// relative order of repeated options (so Uri-Path segments stay in path
// order).
func sortOptions(opts []Option) {
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })
}

// Block1 is the decoded form of a Block1 option (RFC 7959 §2.1): block
// number, the "more blocks follow" flag, and the block size as an actual
// byte count (decoded from its 3-bit SZX exponent).
type Block1 struct {
	Num  uint32
	More bool
	Size uint16
}

// ErrInvalidBlockSZX is returned when a Block1 option's size exponent is
// outside the 0-6 range this protocol supports (block sizes 16..1024).
var ErrInvalidBlockSZX = errors.New("coap: invalid block1 szx")

// szxToSize converts a 3-bit SZX exponent to a block size in bytes, per
// RFC 7959 §2.2: size = 2^(szx+4).
func szxToSize(szx uint8) uint16 {
	return uint16(16) << szx
}

// sizeToSZX is the inverse of szxToSize. Only powers of two between 16 and
// 1024 are valid; 1024 (SZX=6) is the largest block size this protocol uses.
func sizeToSZX(size uint16) (uint8, error) {
	for szx := uint8(0); szx <= 6; szx++ {
		if szxToSize(szx) == size {
			return szx, nil
		}
	}
	return 0, ErrInvalidBlockSZX
}

// EncodeBlock1 packs a Block1 value into its RFC 7959 option bytes: the
// block number occupies the high bits, the M bit marks more blocks, and the
// low 3 bits carry the SZX size exponent. The result uses the minimum
// number of bytes (1, 2, or 3) the packed value requires.
func EncodeBlock1(b Block1) ([]byte, error) {
	szx, err := sizeToSZX(b.Size)
	if err != nil {
		return nil, err
	}
	var m uint32
	if b.More {
		m = 1
	}
	packed := (b.Num << 4) | (m << 3) | uint32(szx)

	switch {
	case packed <= 0xFF:
		return []byte{byte(packed)}, nil
	case packed <= 0xFFFF:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(packed))
		return buf, nil
	default:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, packed)
		return buf[1:], nil
	}
}

// DecodeBlock1 unpacks a Block1 option's raw bytes.
func DecodeBlock1(raw []byte) (Block1, error) {
	if len(raw) == 0 || len(raw) > 3 {
		return Block1{}, errors.New("coap: block1 option must be 1-3 bytes")
	}
	var packed uint32
	for _, b := range raw {
		packed = packed<<8 | uint32(b)
	}
	szx := uint8(packed & 0x7)
	size := szxToSize(szx)
	more := packed&0x8 != 0
	num := packed >> 4
	return Block1{Num: num, More: more, Size: size}, nil
}

// EncodeTTL packs a TTL (seconds) into the minimal big-endian byte form the
// custom TTL option uses, omitting leading zero bytes the
// way CoAP's uint-option convention requires.
func EncodeTTL(seconds uint32) []byte {
	switch {
	case seconds == 0:
		return nil
	case seconds <= 0xFF:
		return []byte{byte(seconds)}
	case seconds <= 0xFFFF:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(seconds))
		return buf
	case seconds <= 0xFFFFFF:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, seconds)
		return buf[1:]
	default:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, seconds)
		return buf
	}
}

// DecodeTTL unpacks a TTL option's raw bytes.
func DecodeTTL(raw []byte) uint32 {
	var v uint32
	for _, b := range raw {
		v = v<<8 | uint32(b)
	}
	return v
}
