package dtls

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
)

// RecordType identifies the content carried by one DTLS record. Values 20-23
// match the standard DTLS/TLS content type registry; 0xFE is this
// protocol's private migration record.
type RecordType uint8

const (
	RecordChangeCipherSpec RecordType = 20
	RecordAlert            RecordType = 21
	RecordHandshake        RecordType = 22
	RecordApplicationData  RecordType = 23
	RecordMigration        RecordType = 0xFE
)

// recordHeaderLen is the DTLS 1.2 record header: type(1) | version(2) |
// epoch(2) | sequence_number(6) | length(2).
const recordHeaderLen = 13

// dtlsVersion is the wire-format DTLS 1.2 version number (0xFEFD).
const dtlsVersionMajor, dtlsVersionMinor = 0xFE, 0xFD

// ErrShortRecord is returned when a datagram is smaller than one record
// header.
var ErrShortRecord = errors.New("dtls: record shorter than header")

// ErrMalformedMigrationSignature describes a record that matches the
// 15-byte malformed-record signature NAT rebinding produces. The check,
// isMalformedMigrationSignature, reports a bool; no function in this
// package returns this error.
var ErrMalformedMigrationSignature = errors.New("dtls: malformed record matches migration signature")

// recordHeader is the parsed, unencrypted prefix of a DTLS record.
type recordHeader struct {
	Type     RecordType
	Epoch    uint16
	Sequence uint64 // 48-bit sequence number
	Length   uint16
}

func encodeRecordHeader(h recordHeader) []byte {
	buf := make([]byte, recordHeaderLen)
	buf[0] = byte(h.Type)
	buf[1] = dtlsVersionMajor
	buf[2] = dtlsVersionMinor
	binary.BigEndian.PutUint16(buf[3:5], h.Epoch)
	putUint48(buf[5:11], h.Sequence)
	binary.BigEndian.PutUint16(buf[11:13], h.Length)
	return buf
}

func decodeRecordHeader(data []byte) (recordHeader, error) {
	if len(data) < recordHeaderLen {
		return recordHeader{}, ErrShortRecord
	}
	return recordHeader{
		Type:     RecordType(data[0]),
		Epoch:    binary.BigEndian.Uint16(data[3:5]),
		Sequence: getUint48(data[5:11]),
		Length:   binary.BigEndian.Uint16(data[11:13]),
	}, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// isMalformedMigrationSignature reports whether data matches the exact
// 15-byte malformed-record shape that signals a NAT rebind:
// a record-header-sized prefix (13 bytes) whose declared length field does
// not match the remaining 2 bytes of payload actually present. Real
// brokers never emit this; seeing it is itself the signal.
func isMalformedMigrationSignature(data []byte) bool {
	if len(data) != 15 {
		return false
	}
	h, err := decodeRecordHeader(data)
	if err != nil {
		return false
	}
	declaredPayload := len(data) - recordHeaderLen
	return h.Type == RecordApplicationData && int(h.Length) != declaredPayload
}

// aeadCipher wraps AES-128-CCM-8 (the TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8
// suite, the only cipher this channel supports): an 8-byte authentication
// tag and a 12-byte nonce that recordNonce builds from a zero 4-byte
// prefix, the epoch and the sequence number. No explicit nonce is carried
// in the record.
type aeadCipher struct {
	aead cipher.AEAD
}

const (
	ccm8TagSize = 8
	// ccmLengthOctets is the CCM L parameter; nonce length is 15-L = 12,
	// matching the DTLS CCM nonce construction below.
	ccmLengthOctets = 3
	ccmNonceSize    = 15 - ccmLengthOctets
)

func newAEADCipher(key []byte) (*aeadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := ccm.NewCCM(block, ccm8TagSize, ccmNonceSize)
	if err != nil {
		return nil, err
	}
	return &aeadCipher{aead: aead}, nil
}

// seal encrypts plaintext for the given header (used as additional
// authenticated data) using a nonce derived from the record's epoch and
// sequence number.
func (c *aeadCipher) seal(h recordHeader, plaintext []byte) []byte {
	nonce := recordNonce(h)
	aad := encodeRecordHeader(recordHeader{Type: h.Type, Epoch: h.Epoch, Sequence: h.Sequence, Length: uint16(len(plaintext))})
	return c.aead.Seal(nil, nonce, plaintext, aad)
}

// open decrypts ciphertext; like seal, it authenticates the header with
// the plaintext length rather than the record's length field.
func (c *aeadCipher) open(h recordHeader, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < ccm8TagSize {
		return nil, errors.New("dtls: ciphertext shorter than tag")
	}
	nonce := recordNonce(h)
	aad := encodeRecordHeader(recordHeader{Type: h.Type, Epoch: h.Epoch, Sequence: h.Sequence, Length: uint16(len(ciphertext) - ccm8TagSize)})
	return c.aead.Open(nil, nonce, ciphertext, aad)
}

// recordNonce builds the 12-byte CCM nonce from the 2-byte epoch and 6-byte
// sequence number, zero-padded, per the DTLS CCM nonce construction.
func recordNonce(h recordHeader) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint16(nonce[4:6], h.Epoch)
	putUint48(nonce[6:12], h.Sequence)
	return nonce
}
