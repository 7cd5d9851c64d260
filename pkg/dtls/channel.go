package dtls

import (
	"crypto/ecdh"
	"encoding/binary"
	"errors"
	"time"

	"github.com/trackle-iot/trackle-go/pkg/identity"
	"github.com/trackle-iot/trackle-go/pkg/persistence"
	"github.com/trackle-iot/trackle-go/pkg/transport"
)

// State is the public projection of the channel's lifecycle: Init while attempting resume or before the handshake starts,
// Handshaking while flights are in flight, Connected once application
// data may flow, Closing once a command has torn the channel down.
type State uint8

const (
	StateInit State = iota
	StateHandshaking
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Result is returned by Establish on every loop invocation.
type Result uint8

const (
	ResultInProgress Result = iota
	ResultSessionConnected
	ResultSessionResumed
	ResultError
)

// Command is a supervisor-initiated transition.
type Command uint8

const (
	CommandClose Command = iota
	CommandDiscardSession
	CommandMoveSession
	CommandSaveSession
	CommandLoadSession
)

var (
	// ErrGenericEstablish is surfaced for handshake timeout, alert, or
	// decryption failure.
	ErrGenericEstablish = errors.New("dtls: generic establish failure")
	// ErrMigrationFatal is returned once a second migration-triggering
	// packet arrives within a session with the flag still set.
	ErrMigrationFatal = errors.New("dtls: repeated migration signal before session moved")
	errNotConnected   = errors.New("dtls: channel not connected")
	errGenericIO      = errors.New("dtls: transport send failed")
)

// sessionBlob is the serialized form persisted via SessionStore. Fixed
// size, well under persistence.MaxSessionBlobSize.
type sessionBlob struct {
	ServerKeyHash [32]byte
	RecordKey     [16]byte
	PeerEpoch     uint16
}

const sessionBlobLen = 32 + 16 + 2

func (b sessionBlob) marshal() []byte {
	out := make([]byte, sessionBlobLen)
	copy(out[0:32], b.ServerKeyHash[:])
	copy(out[32:48], b.RecordKey[:])
	binary.BigEndian.PutUint16(out[48:50], b.PeerEpoch)
	return out
}

func unmarshalSessionBlob(raw []byte) (sessionBlob, error) {
	var b sessionBlob
	if len(raw) != sessionBlobLen {
		return b, errors.New("dtls: malformed session blob")
	}
	copy(b.ServerKeyHash[:], raw[0:32])
	copy(b.RecordKey[:], raw[32:48])
	b.PeerEpoch = binary.BigEndian.Uint16(raw[48:50])
	return b, nil
}

// Channel drives one DTLS session over a transport.IO: the handshake
// state machine, record encryption, session persistence, and migration
// detection. Every method is called from the
// single owning loop; none blocks past the transport's own read deadline.
type Channel struct {
	io       transport.IO
	identity *identity.Identity
	store    persistence.SessionStore

	state         State
	hsState       handshakeState
	establishWait time.Duration
	timeout       time.Duration

	ephemeralPriv *ecdh.PrivateKey
	clientPub     []byte
	transcript    []byte
	masterSecret  []byte
	serverConfirm []byte
	recordKey     [16]byte

	cipher    *aeadCipher
	sendSeq   uint64
	epoch     uint16
	skipHello bool // SKIP_SESSION_RESUME_HELLO: set when Establish resumed

	migrationPending bool
	migrationSeen    bool
}

// NewChannel constructs a channel bound to one transport connection,
// device identity, and session store. timeout is the handshake bound
// (20s cellular, 10s Wi-Fi, caller's choice).
func NewChannel(io transport.IO, id *identity.Identity, store persistence.SessionStore, timeout time.Duration) *Channel {
	return &Channel{io: io, identity: id, store: store, timeout: timeout, state: StateInit}
}

// State reports the channel's current lifecycle state.
func (c *Channel) State() State { return c.state }

// SkipHello reports whether the supervisor should skip the Hello flight
// because this channel was resumed.
func (c *Channel) SkipHello() bool { return c.skipHello }

// Establish drives the handshake (or session resume) forward by one step.
// It must be called repeatedly from the loop until it returns anything
// other than ResultInProgress.
func (c *Channel) Establish(elapsed time.Duration) (Result, error) {
	switch c.state {
	case StateInit:
		if resumed := c.tryResume(); resumed {
			c.state = StateConnected
			c.skipHello = true
			return ResultSessionResumed, nil
		}
		if err := c.startHandshake(); err != nil {
			return ResultError, err
		}
		c.state = StateHandshaking
		c.establishWait = 0
		return ResultInProgress, nil

	case StateHandshaking:
		c.establishWait += elapsed
		if c.establishWait > c.timeout {
			c.state = StateClosing
			return ResultError, ErrGenericEstablish
		}
		done, err := c.pumpHandshake()
		if err != nil {
			c.state = StateClosing
			return ResultError, err
		}
		if done {
			c.state = StateConnected
			c.skipHello = false
			return ResultSessionConnected, nil
		}
		return ResultInProgress, nil

	case StateConnected:
		return ResultSessionConnected, nil
	default:
		return ResultError, errNotConnected
	}
}

// tryResume attempts to restore a persisted session whose server key
// matches the configured identity. A mismatch or absent blob is not an
// error; it just falls through to a fresh handshake.
func (c *Channel) tryResume() bool {
	raw, err := c.store.Load()
	if err != nil || raw == nil {
		return false
	}
	blob, err := unmarshalSessionBlob(raw)
	if err != nil {
		return false
	}
	serverDER, err := identity.MarshalPublicKeyDER(c.identity.ServerKey)
	if err != nil {
		return false
	}
	if sha256Sum(serverDER) != blob.ServerKeyHash {
		return false
	}
	cipher, err := newAEADCipher(blob.RecordKey[:])
	if err != nil {
		return false
	}
	c.cipher = cipher
	c.recordKey = blob.RecordKey
	c.epoch = blob.PeerEpoch
	return true
}

// startHandshake sends the first flight (client hello carrying a fresh
// ephemeral key share and device id).
func (c *Channel) startHandshake() error {
	priv, err := generateEphemeral()
	if err != nil {
		return err
	}
	c.ephemeralPriv = priv
	c.clientPub = priv.PublicKey().Bytes()
	c.hsState = hsAwaitServerHello

	hello := clientHello{DeviceID: c.identity.DeviceID[:], EphemeralPub: c.clientPub}
	frame := encodeClientHello(hello)
	rec := encodeRecordHeader(recordHeader{Type: RecordHandshake, Epoch: 0, Sequence: c.sendSeq, Length: uint16(len(frame))})
	c.sendSeq++
	if n := c.io.Send(append(rec, frame...)); n < 0 {
		return ErrGenericEstablish
	}
	return nil
}

func (c *Channel) pumpHandshake() (bool, error) {
	buf := make([]byte, 2048)
	n := c.io.Receive(buf)
	if n < 0 {
		return false, ErrGenericEstablish
	}
	if n == 0 {
		return false, nil
	}
	data := buf[:n]

	h, err := decodeRecordHeader(data)
	if err != nil {
		return false, nil
	}
	payload := data[recordHeaderLen:]

	switch h.Type {
	case RecordAlert:
		return false, ErrGenericEstablish
	case RecordHandshake:
		return c.handleHandshakeFlight(payload)
	default:
		return false, nil
	}
}

func (c *Channel) handleHandshakeFlight(payload []byte) (bool, error) {
	switch c.hsState {
	case hsAwaitServerHello:
		sh, err := decodeServerHello(payload)
		if err != nil {
			return false, err
		}
		c.transcript = transcriptHash(c.clientPub, sh.EphemeralPub)
		if !verifyTranscript(c.identity.ServerKey, c.transcript, sh.Signature) {
			return false, errHandshakeFailed
		}
		peer, err := importPeerPublicKey(sh.EphemeralPub)
		if err != nil {
			return false, err
		}
		shared, err := c.ephemeralPriv.ECDH(peer)
		if err != nil {
			return false, err
		}
		ms, _, sk, err := deriveMasterSecret(shared, c.transcript)
		if err != nil {
			return false, err
		}
		c.masterSecret, c.serverConfirm = ms, sk

		sig, err := signTranscript(c.identity.PrivateKey, c.transcript)
		if err != nil {
			return false, err
		}
		frame := encodeClientFinished(clientFinished{Signature: sig})
		rec := encodeRecordHeader(recordHeader{Type: RecordHandshake, Epoch: 0, Sequence: c.sendSeq, Length: uint16(len(frame))})
		c.sendSeq++
		if n := c.io.Send(append(rec, frame...)); n < 0 {
			return false, ErrGenericEstablish
		}
		c.hsState = hsAwaitServerFinished
		return false, nil

	case hsAwaitServerFinished:
		sf, err := decodeServerFinished(payload)
		if err != nil {
			return false, err
		}
		if !hmacEqual(sf.Confirm, c.serverConfirm) {
			return false, errHandshakeFailed
		}
		copy(c.recordKey[:], c.masterSecret[:16])
		cipher, err := newAEADCipher(c.recordKey[:])
		if err != nil {
			return false, err
		}
		c.cipher = cipher
		c.epoch = 1
		c.hsState = hsDone
		return true, nil

	default:
		return false, nil
	}
}

// Send encrypts plaintext as one application-data record (suffixed with a
// migration marker while one is pending) and hands it to the transport.
func (c *Channel) Send(plaintext []byte) error {
	if c.state != StateConnected {
		return errNotConnected
	}
	h := recordHeader{Type: RecordApplicationData, Epoch: c.epoch, Sequence: c.sendSeq}
	c.sendSeq++
	sealed := c.cipher.seal(h, plaintext)
	h.Length = uint16(len(sealed))
	out := append(encodeRecordHeader(h), sealed...)

	if c.migrationPending {
		out = append(out, byte(RecordMigration))
		out = append(out, c.identity.DeviceID[:]...)
		out = append(out, byte(len(c.identity.DeviceID)))
	}

	if n := c.io.Send(out); n < 0 {
		return errGenericIO
	}
	return nil
}

// Receive pulls one UDP datagram, decrypts it, and returns the CoAP
// frame. A nil, nil result means the datagram carried no application
// payload (handshake residue, or nothing arrived at all); an alert record
// returns ErrGenericEstablish.
func (c *Channel) Receive() ([]byte, error) {
	buf := make([]byte, 2048)
	n := c.io.Receive(buf)
	if n < 0 {
		return nil, errGenericIO
	}
	if n == 0 {
		return nil, nil
	}
	data := buf[:n]

	if isMalformedMigrationSignature(data) {
		if c.migrationSeen {
			return nil, ErrMigrationFatal
		}
		c.migrationSeen = true
		c.migrationPending = true
		return nil, nil
	}

	h, err := decodeRecordHeader(data)
	if err != nil {
		return nil, nil
	}
	payload := data[recordHeaderLen:]

	switch h.Type {
	case RecordAlert:
		return nil, ErrGenericEstablish
	case RecordApplicationData:
		plain, err := c.cipher.open(h, payload)
		if err != nil {
			return nil, ErrGenericEstablish
		}
		if c.migrationSeen {
			c.migrationSeen = false
			c.migrationPending = false
			_ = c.Command(CommandSaveSession)
		}
		return plain, nil
	default:
		return nil, nil
	}
}

// Command performs a supervisor-initiated transition.
func (c *Channel) Command(cmd Command) error {
	switch cmd {
	case CommandClose:
		c.state = StateClosing
		return c.io.Close()
	case CommandDiscardSession:
		c.state = StateInit
		return c.store.Clear()
	case CommandMoveSession:
		c.migrationPending = true
		return nil
	case CommandSaveSession:
		if c.cipher == nil {
			return nil
		}
		serverDER, err := identity.MarshalPublicKeyDER(c.identity.ServerKey)
		if err != nil {
			return err
		}
		blob := sessionBlob{ServerKeyHash: sha256Sum(serverDER), RecordKey: c.recordKey, PeerEpoch: c.epoch}
		return c.store.Save(blob.marshal())
	case CommandLoadSession:
		c.tryResume()
		return nil
	default:
		return nil
	}
}

// HandleKeyChange validates and adopts a broker-initiated server public key
// rotation: the new DER-encoded ECDSA public
// key replaces the pinned identity.ServerKey in memory. The device never
// initiates a key change itself. The key is not persisted: the session
// blob that CommandSaveSession writes holds only a SHA-256 hash of the
// current server key.
func (c *Channel) HandleKeyChange(der []byte) error {
	pub, err := identity.LoadPublicKeyDER(der)
	if err != nil {
		return err
	}
	c.identity.ServerKey = pub
	return nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
