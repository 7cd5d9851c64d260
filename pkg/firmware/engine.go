package firmware

import "errors"

// BeginFlags carries out-of-band hints about an update's provenance, e.g.
// "forced" ("if the device has disabled updates and the
// update is not forced, the engine responds with an error").
type BeginFlags uint8

const BeginFlagForced BeginFlags = 1 << 0

// DoneFlags carries the UpdateDone payload's single meaningful bit.
type DoneFlags uint8

const DoneFlagDontReset DoneFlags = 1 << 0

// Descriptor describes one update transfer, decoded from the
// UpdateBegin/SaveBegin payload. Compressed marks the chunks as
// compressed; decompression belongs to the Store implementation, the
// engine only carries the bit through.
type Descriptor struct {
	TotalLength uint32
	ChunkSize   uint16
	ChunkCount  uint16
	Address     uint32
	Compressed  bool
}

// Store is the external collaborator contract for firmware-chunk
// persistence ("firmware-chunk persistence" is out of scope for
// the core). All three operations return an error to abort the transfer
// with a coded CoAP response; the broker retries or abandons per its own
// policy.
type Store interface {
	Prepare(desc Descriptor, flags BeginFlags) error
	SaveChunk(index uint16, payload []byte) error
	Finish(flags DoneFlags) error
}

// State is the engine's current phase.
type State uint8

const (
	StateIdle State = iota
	StateReceiving
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReceiving:
		return "RECEIVING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyReceiving is returned by Begin when a transfer is already in
// progress; the engine only tracks one transfer at a time.
var ErrAlreadyReceiving = errors.New("firmware: update already in progress")

// ErrNotReceiving is returned by Chunk/Done when no Begin has been accepted.
var ErrNotReceiving = errors.New("firmware: no update in progress")

// Engine drives the receive-side state machine. Updates disabled is an
// external toggle (the application's own "do I allow OTA right now"
// policy); UpdatesEnabled is consulted by Begin.
type Engine struct {
	store          Store
	UpdatesEnabled bool

	state    State
	desc     Descriptor
	received map[uint16]bool
}

// NewEngine creates an engine bound to store, with updates enabled by
// default.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, UpdatesEnabled: true}
}

// State returns the engine's current phase.
func (e *Engine) State() State { return e.state }

// Begin handles an UpdateBegin/SaveBegin message. If the device has
// disabled updates and the request is not forced, Begin returns an error
// without transitioning.
func (e *Engine) Begin(desc Descriptor, flags BeginFlags) error {
	if e.state == StateReceiving {
		return ErrAlreadyReceiving
	}
	if !e.UpdatesEnabled && flags&BeginFlagForced == 0 {
		return errors.New("firmware: updates disabled on this device")
	}
	if err := e.store.Prepare(desc, flags); err != nil {
		return err
	}
	e.state = StateReceiving
	e.desc = desc
	e.received = make(map[uint16]bool, desc.ChunkCount)
	return nil
}

// Chunk handles one inbound Chunk message. Out-of-order chunks are allowed;
// the engine simply records which indices have arrived.
func (e *Engine) Chunk(index uint16, payload []byte) error {
	if e.state != StateReceiving {
		return ErrNotReceiving
	}
	if err := e.store.SaveChunk(index, payload); err != nil {
		return err
	}
	e.received[index] = true
	return nil
}

// Done handles the UpdateDone message. If flags indicates "don't reset",
// control returns to the application (the caller decides what to do next);
// otherwise the caller is expected to invoke the platform reboot callback
// after Done returns successfully.
func (e *Engine) Done(flags DoneFlags) error {
	if e.state != StateReceiving {
		return ErrNotReceiving
	}
	if err := e.store.Finish(flags); err != nil {
		return err
	}
	e.state = StateDone
	return nil
}

// ShouldReboot reports whether a successful Done should trigger a platform
// reboot (flags did not carry "don't reset").
func ShouldReboot(flags DoneFlags) bool {
	return flags&DoneFlagDontReset == 0
}

// MissingIndices returns every chunk index in [0, ChunkCount) that has not
// yet arrived, in ascending order, so the caller can request them with a
// GET to /c.
func (e *Engine) MissingIndices() []uint16 {
	if e.state != StateReceiving {
		return nil
	}
	var missing []uint16
	for i := uint16(0); i < e.desc.ChunkCount; i++ {
		if !e.received[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Reset returns the engine to idle, discarding any in-progress transfer
// state (used on disconnect).
func (e *Engine) Reset() {
	e.state = StateIdle
	e.received = nil
}
