package supervisor

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/trackle-iot/trackle-go/pkg/diagnostic"
	"github.com/trackle-iot/trackle-go/pkg/dtls"
	"github.com/trackle-iot/trackle-go/pkg/identity"
	"github.com/trackle-iot/trackle-go/pkg/log"
	"github.com/trackle-iot/trackle-go/pkg/persistence"
	"github.com/trackle-iot/trackle-go/pkg/protocol"
	"github.com/trackle-iot/trackle-go/pkg/transport"
)

// State is the supervisor's lifecycle.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateEstablished
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// DefaultPort is the pinned broker UDP port.
const DefaultPort = 5684

// Dialer opens one transport connection to the broker.
type Dialer func() (transport.IO, error)

// channelFactory builds the DTLS channel for a fresh transport
// connection; overridable in tests.
type channelFactory func(io transport.IO) protocol.Channel

// Supervisor drives the reconnect loop: backoff between attempts, DTLS
// establish, Hello sequencing, and the post-Hello broadcast. Like the facade it is cooperative: the host calls Tick
// periodically and nothing blocks.
type Supervisor struct {
	facade *protocol.Facade
	id     *identity.Identity
	logger log.Logger

	dial       Dialer
	newChannel channelFactory

	state       State
	enabled     bool
	backoff     *Backoff
	everReady   bool
	nextAttempt time.Time
	lastTick    time.Time
	ticked      bool

	io          transport.IO
	channel     protocol.Channel
	helloSentAt time.Time
}

// SupervisorOption customizes a Supervisor at construction.
type SupervisorOption func(*Supervisor)

// WithDialer overrides the default broker dialer.
func WithDialer(d Dialer) SupervisorOption {
	return func(s *Supervisor) { s.dial = d }
}

// WithLogger attaches a protocol-event logger for state transitions.
func WithLogger(l log.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithBackoff overrides the reconnect backoff, used by tests to strip
// jitter.
func WithBackoff(b *Backoff) SupervisorOption {
	return func(s *Supervisor) { s.backoff = b }
}

func withChannelFactory(fn channelFactory) SupervisorOption {
	return func(s *Supervisor) { s.newChannel = fn }
}

// New creates a supervisor for the given facade and identity. store holds
// the persisted DTLS session blob.
func New(facade *protocol.Facade, id *identity.Identity, store persistence.SessionStore, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		facade: facade,
		id:     id,
		logger: log.NoopLogger{},
	}
	s.dial = func() (transport.IO, error) {
		return transport.Dial(fmt.Sprintf("%s:%d", id.Hostname(), DefaultPort))
	}
	s.newChannel = func(io transport.IO) protocol.Channel {
		return dtls.NewChannel(io, id, store, facade.Config().HandshakeTimeout)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff == nil {
		var seed [8]byte
		_, _ = crand.Read(seed[:])
		s.backoff = NewBackoff(mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))))
	}
	return s
}

// State reports the supervisor's current lifecycle state.
func (s *Supervisor) State() State { return s.state }

// Connect enables the reconnect loop. The first attempt happens on the
// next Tick, without backoff.
func (s *Supervisor) Connect() {
	if s.enabled {
		return
	}
	s.enabled = true
	s.nextAttempt = time.Time{}
}

// Disconnect leaves the broker cleanly: a goodbye if the session is
// healthy, then teardown. Pending completions fire with Cancelled
// Cancelled. The loop stays down until Connect.
func (s *Supervisor) Disconnect(now time.Time) {
	s.enabled = false
	if s.state == StateReady {
		_ = s.facade.Goodbye(now)
	}
	s.teardown("disconnect requested")
}

// Tick advances the supervisor by one cooperative pass.
func (s *Supervisor) Tick(now time.Time) {
	var elapsed time.Duration
	if s.ticked {
		elapsed = now.Sub(s.lastTick)
	}
	s.lastTick = now
	s.ticked = true

	switch s.state {
	case StateDisconnected:
		if !s.enabled || now.Before(s.nextAttempt) {
			return
		}
		s.attempt(now)

	case StateConnecting:
		res, err := s.channel.Establish(elapsed)
		switch res {
		case dtls.ResultInProgress:
		case dtls.ResultSessionConnected, dtls.ResultSessionResumed:
			s.facade.Attach(s.channel)
			if err := s.facade.SendHello(now); err != nil {
				s.dropSession(now, "hello send failed")
				return
			}
			s.helloSentAt = now
			s.transition(StateEstablished, "session established")
		case dtls.ResultError:
			reason := "establish failed"
			if err != nil {
				reason = err.Error()
			}
			s.dropSession(now, reason)
		}

	case StateEstablished:
		if err := s.facade.Loop(now); err != nil {
			s.dropSession(now, err.Error())
			return
		}
		if s.facade.HelloAcked() {
			s.onReady(now)
			return
		}
		if now.Sub(s.helloSentAt) > s.facade.Config().HelloTimeout {
			s.dropSession(now, "hello timeout")
		}

	case StateReady:
		if err := s.facade.Loop(now); err != nil {
			s.dropSession(now, err.Error())
		}
	}
}

// attempt dials the broker and moves to Connecting.
func (s *Supervisor) attempt(now time.Time) {
	s.facade.Diagnostics().Add(diagnostic.KeyNetworkConnectAttempts, 1)
	io, err := s.dial()
	if err != nil {
		s.scheduleRetry(now)
		return
	}
	s.io = io
	s.channel = s.newChannel(io)
	s.transition(StateConnecting, "dial succeeded")
}

// onReady runs the post-Hello broadcast in its fixed order: update
// flags, claim code, subscriptions, time request.
func (s *Supervisor) onReady(now time.Time) {
	if err := s.facade.SendUpdateFlags(now); err != nil {
		s.dropSession(now, err.Error())
		return
	}
	if err := s.facade.SendClaimCode(now); err != nil {
		s.dropSession(now, err.Error())
		return
	}
	if err := s.facade.AnnounceSubscriptions(now); err != nil {
		s.dropSession(now, err.Error())
		return
	}
	if err := s.facade.RequestTime(now); err != nil {
		s.dropSession(now, err.Error())
		return
	}
	s.backoff.Reset()
	s.everReady = true
	s.facade.Diagnostics().Add(diagnostic.KeyCloudConnects, 1)
	s.transition(StateReady, "hello acknowledged")
}

// dropSession records the disconnect, tears the session down, and
// schedules the next attempt.
func (s *Supervisor) dropSession(now time.Time, reason string) {
	diag := s.facade.Diagnostics()
	diag.Add(diagnostic.KeyCloudDisconnects, 1)
	diag.Set(diagnostic.KeyCloudDisconnectionReason, disconnectReasonCode(reason))
	s.teardown(reason)
	s.scheduleRetry(now)
}

// disconnectReasonCode maps a textual reason onto the small stable code
// space the CloudDisconnectionReason diagnostic reports.
func disconnectReasonCode(reason string) int32 {
	switch {
	case reason == "hello timeout":
		return 2
	case reason == "disconnect requested":
		return 1
	default:
		return 3
	}
}

func (s *Supervisor) teardown(reason string) {
	if s.facade.Connected() {
		s.facade.Detach()
	}
	if s.channel != nil {
		_ = s.channel.Command(dtls.CommandClose)
		s.channel = nil
	}
	s.io = nil
	s.transition(StateDisconnected, reason)
}

// scheduleRetry books the next connection attempt, walking the
// exponential curve until the session reaches Ready (which resets it).
func (s *Supervisor) scheduleRetry(now time.Time) {
	delay := s.backoff.Next()
	s.nextAttempt = now.Add(delay)
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerProtocol,
		Category:  log.CategoryState,
		DeviceID:  s.id.DeviceID.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySupervisor,
			NewState: StateDisconnected.String(),
			Reason:   fmt.Sprintf("retry in %s (attempt %d)", delay, s.backoff.Attempts()),
		},
	})
}

func (s *Supervisor) transition(next State, reason string) {
	if next == s.state {
		return
	}
	old := s.state
	s.state = next
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerProtocol,
		Category:  log.CategoryState,
		DeviceID:  s.id.DeviceID.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySupervisor,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}
