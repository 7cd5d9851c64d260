package dtls

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trackle-iot/trackle-go/pkg/identity"
	"github.com/trackle-iot/trackle-go/pkg/persistence"
)

// fakeIO is a scripted transport: Receive pops from inbound, Send appends
// to outbound.
type fakeIO struct {
	inbound  [][]byte
	outbound [][]byte
	closed   bool
}

func (f *fakeIO) Send(data []byte) int {
	f.outbound = append(f.outbound, append([]byte(nil), data...))
	return len(data)
}

func (f *fakeIO) Receive(buf []byte) int {
	if len(f.inbound) == 0 {
		return 0
	}
	d := f.inbound[0]
	f.inbound = f.inbound[1:]
	return copy(buf, d)
}

func (f *fakeIO) Close() error {
	f.closed = true
	return nil
}

func (f *fakeIO) push(data []byte) {
	f.inbound = append(f.inbound, data)
}

func (f *fakeIO) lastSent(t *testing.T) []byte {
	t.Helper()
	require.NotEmpty(t, f.outbound)
	return f.outbound[len(f.outbound)-1]
}

// testBroker holds the server-side key material a scripted handshake needs.
type testBroker struct {
	signKey  *ecdsa.PrivateKey
	eph      *ecdh.PrivateKey
	master   []byte
	sConfirm []byte
}

func newTestIdentity(t *testing.T) (*identity.Identity, *testBroker) {
	t.Helper()

	devKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	devDER, err := x509.MarshalECPrivateKey(devKey)
	require.NoError(t, err)

	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srvDER, err := x509.MarshalPKIXPublicKey(&srvKey.PublicKey)
	require.NoError(t, err)

	deviceID := []byte{0x10, 0xAF, 0x26, 0x43, 0x74, 0xED, 0x83, 0x43, 0x02, 0xAE, 0xB9, 0x84}
	id, err := identity.New(deviceID, devDER, srvDER)
	require.NoError(t, err)
	return id, &testBroker{signKey: srvKey}
}

func handshakeRecord(seq uint64, frame []byte) []byte {
	rec := encodeRecordHeader(recordHeader{Type: RecordHandshake, Epoch: 0, Sequence: seq, Length: uint16(len(frame))})
	return append(rec, frame...)
}

// answerClientHello reads the client's first flight off io and pushes the
// broker's serverHello response.
func (b *testBroker) answerClientHello(t *testing.T, io *fakeIO) {
	t.Helper()

	raw := io.lastSent(t)
	h, err := decodeRecordHeader(raw)
	require.NoError(t, err)
	require.Equal(t, RecordHandshake, h.Type)
	ch, err := decodeClientHello(raw[recordHeaderLen:])
	require.NoError(t, err)
	require.Len(t, ch.DeviceID, identity.DeviceIDLen)

	b.eph, err = ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	serverPub := b.eph.PublicKey().Bytes()

	transcript := transcriptHash(ch.EphemeralPub, serverPub)
	sig, err := signTranscript(b.signKey, transcript)
	require.NoError(t, err)

	clientPub, err := importPeerPublicKey(ch.EphemeralPub)
	require.NoError(t, err)
	shared, err := b.eph.ECDH(clientPub)
	require.NoError(t, err)
	b.master, _, b.sConfirm, err = deriveMasterSecret(shared, transcript)
	require.NoError(t, err)

	io.push(handshakeRecord(0, encodeServerHello(serverHello{EphemeralPub: serverPub, Signature: sig})))
}

// answerClientFinished verifies the device's signature and pushes the
// broker's confirmation tag.
func (b *testBroker) answerClientFinished(t *testing.T, io *fakeIO, devicePub *ecdsa.PublicKey, transcript []byte) {
	t.Helper()

	raw := io.lastSent(t)
	cf, err := decodeClientFinished(raw[recordHeaderLen:])
	require.NoError(t, err)
	require.True(t, verifyTranscript(devicePub, transcript, cf.Signature))

	io.push(handshakeRecord(1, encodeServerFinished(serverFinished{Confirm: b.sConfirm})))
}

// runHandshake drives a channel all the way to Connected against the
// scripted broker, returning the broker's copy of the record key.
func runHandshake(t *testing.T, ch *Channel, io *fakeIO, id *identity.Identity, broker *testBroker) []byte {
	t.Helper()

	res, err := ch.Establish(0)
	require.NoError(t, err)
	require.Equal(t, ResultInProgress, res)
	require.Equal(t, StateHandshaking, ch.State())

	broker.answerClientHello(t, io)
	res, err = ch.Establish(time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ResultInProgress, res)

	broker.answerClientFinished(t, io, &id.PrivateKey.PublicKey, ch.transcript)
	res, err = ch.Establish(time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ResultSessionConnected, res)
	require.Equal(t, StateConnected, ch.State())
	require.False(t, ch.SkipHello())

	return broker.master[:16]
}

func TestEstablishFreshHandshake(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)

	runHandshake(t, ch, io, id, broker)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)
	key := runHandshake(t, ch, io, id, broker)

	brokerCipher, err := newAEADCipher(key)
	require.NoError(t, err)

	// Device to broker.
	require.NoError(t, ch.Send([]byte("coap frame")))
	raw := io.lastSent(t)
	h, err := decodeRecordHeader(raw)
	require.NoError(t, err)
	require.Equal(t, RecordApplicationData, h.Type)
	plain, err := brokerCipher.open(h, raw[recordHeaderLen:])
	require.NoError(t, err)
	require.Equal(t, []byte("coap frame"), plain)

	// Broker to device.
	sh := recordHeader{Type: RecordApplicationData, Epoch: 1, Sequence: 99}
	sealed := brokerCipher.seal(sh, []byte("reply"))
	sh.Length = uint16(len(sealed))
	io.push(append(encodeRecordHeader(sh), sealed...))

	got, err := ch.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), got)
}

func TestReceiveNothingReturnsNil(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)
	runHandshake(t, ch, io, id, broker)

	got, err := ch.Receive()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSessionSaveAndResume(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	store := persistence.NewMemorySessionStore()
	ch := NewChannel(io, id, store, 10*time.Second)
	runHandshake(t, ch, io, id, broker)

	require.NoError(t, ch.Command(CommandSaveSession))

	resumed := NewChannel(&fakeIO{}, id, store, 10*time.Second)
	res, err := resumed.Establish(0)
	require.NoError(t, err)
	require.Equal(t, ResultSessionResumed, res)
	require.True(t, resumed.SkipHello())
	require.Equal(t, StateConnected, resumed.State())
}

func TestResumeRejectsMismatchedServerKey(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	store := persistence.NewMemorySessionStore()
	ch := NewChannel(io, id, store, 10*time.Second)
	runHandshake(t, ch, io, id, broker)
	require.NoError(t, ch.Command(CommandSaveSession))

	// A different pinned server key must not accept the saved session.
	otherID, _ := newTestIdentity(t)
	otherID.DeviceID = id.DeviceID
	fresh := NewChannel(&fakeIO{}, otherID, store, 10*time.Second)
	res, err := fresh.Establish(0)
	require.NoError(t, err)
	require.Equal(t, ResultInProgress, res)
	require.Equal(t, StateHandshaking, fresh.State())
}

func TestDiscardSessionClearsStore(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	store := persistence.NewMemorySessionStore()
	ch := NewChannel(io, id, store, 10*time.Second)
	runHandshake(t, ch, io, id, broker)
	require.NoError(t, ch.Command(CommandSaveSession))

	require.NoError(t, ch.Command(CommandDiscardSession))
	blob, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, blob)
	require.Equal(t, StateInit, ch.State())
}

func TestHandshakeTimeout(t *testing.T) {
	id, _ := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)

	res, err := ch.Establish(0)
	require.NoError(t, err)
	require.Equal(t, ResultInProgress, res)

	// Nothing ever arrives; elapsed time crosses the configured bound.
	res, err = ch.Establish(11 * time.Second)
	require.ErrorIs(t, err, ErrGenericEstablish)
	require.Equal(t, ResultError, res)
	require.Equal(t, StateClosing, ch.State())
}

func TestAlertDuringHandshakeFails(t *testing.T) {
	id, _ := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)

	_, err := ch.Establish(0)
	require.NoError(t, err)

	io.push(encodeRecordHeader(recordHeader{Type: RecordAlert, Length: 0}))
	res, err := ch.Establish(time.Millisecond)
	require.ErrorIs(t, err, ErrGenericEstablish)
	require.Equal(t, ResultError, res)
}

// migrationDatagram builds the exact 15-byte malformed application record
// NAT rebinding produces: a full header claiming a length that does not
// match the 2 trailing bytes actually present.
func migrationDatagram() []byte {
	rec := encodeRecordHeader(recordHeader{Type: RecordApplicationData, Epoch: 1, Sequence: 7, Length: 64})
	return append(rec, 0x00, 0x00)
}

func TestMigrationMarksNextSendAndSavesOnRecovery(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	store := persistence.NewMemorySessionStore()
	ch := NewChannel(io, id, store, 10*time.Second)
	key := runHandshake(t, ch, io, id, broker)

	io.push(migrationDatagram())
	got, err := ch.Receive()
	require.NoError(t, err)
	require.Nil(t, got)

	// The next outbound record carries the 0xFE migration suffix:
	// type byte, 12-byte device id, length byte.
	require.NoError(t, ch.Send([]byte("after rebind")))
	raw := io.lastSent(t)
	suffix := raw[len(raw)-14:]
	require.Equal(t, byte(RecordMigration), suffix[0])
	require.Equal(t, id.DeviceID[:], suffix[1:13])
	require.Equal(t, byte(identity.DeviceIDLen), suffix[13])

	// A successful inbound record clears the flag and saves the session.
	brokerCipher, err := newAEADCipher(key)
	require.NoError(t, err)
	sh := recordHeader{Type: RecordApplicationData, Epoch: 1, Sequence: 100}
	sealed := brokerCipher.seal(sh, []byte("ok"))
	sh.Length = uint16(len(sealed))
	io.push(append(encodeRecordHeader(sh), sealed...))
	_, err = ch.Receive()
	require.NoError(t, err)

	blob, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, blob)

	require.NoError(t, ch.Send([]byte("clean")))
	raw = io.lastSent(t)
	h, err := decodeRecordHeader(raw)
	require.NoError(t, err)
	require.Equal(t, int(h.Length), len(raw)-recordHeaderLen)
}

func TestRepeatedMigrationSignalIsFatal(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)
	runHandshake(t, ch, io, id, broker)

	io.push(migrationDatagram())
	_, err := ch.Receive()
	require.NoError(t, err)

	io.push(migrationDatagram())
	_, err = ch.Receive()
	require.ErrorIs(t, err, ErrMigrationFatal)
}

func TestHandleKeyChange(t *testing.T) {
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)
	runHandshake(t, ch, io, id, broker)

	rotated, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&rotated.PublicKey)
	require.NoError(t, err)

	require.NoError(t, ch.HandleKeyChange(der))
	require.True(t, rotated.PublicKey.Equal(id.ServerKey))

	require.Error(t, ch.HandleKeyChange([]byte("not a key")))
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	h := recordHeader{Type: RecordApplicationData, Epoch: 3, Sequence: 0x0000AABBCCDDEEFF & maxSeq48, Length: 512}
	decoded, err := decodeRecordHeader(encodeRecordHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

const maxSeq48 = (1 << 48) - 1

func TestSessionBlobRoundTrip(t *testing.T) {
	var blob sessionBlob
	copy(blob.ServerKeyHash[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(blob.RecordKey[:], []byte("0123456789abcdef"))
	blob.PeerEpoch = 42

	decoded, err := unmarshalSessionBlob(blob.marshal())
	require.NoError(t, err)
	require.Equal(t, blob, decoded)

	_, err = unmarshalSessionBlob(blob.marshal()[:10])
	require.Error(t, err)
}

func TestTinyDatagramsIgnored(t *testing.T) {
	// Datagrams shorter than a record header are consumed silently; the
	// supervisor-level keepalive-padding rule means they
	// must never surface as errors.
	id, broker := newTestIdentity(t)
	io := &fakeIO{}
	ch := NewChannel(io, id, persistence.NewMemorySessionStore(), 10*time.Second)
	runHandshake(t, ch, io, id, broker)

	io.push([]byte{0x00})
	got, err := ch.Receive()
	require.NoError(t, err)
	require.Nil(t, got)
}
