package supervisor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trackle-iot/trackle-go/pkg/coap"
	"github.com/trackle-iot/trackle-go/pkg/diagnostic"
	"github.com/trackle-iot/trackle-go/pkg/dtls"
	"github.com/trackle-iot/trackle-go/pkg/identity"
	"github.com/trackle-iot/trackle-go/pkg/persistence"
	"github.com/trackle-iot/trackle-go/pkg/protocol"
	"github.com/trackle-iot/trackle-go/pkg/transport"
)

type nopIO struct{}

func (nopIO) Send(data []byte) int    { return len(data) }
func (nopIO) Receive(buf []byte) int  { return 0 }
func (nopIO) Close() error            { return nil }

// fakeChannel scripts the DTLS layer for supervisor tests.
type fakeChannel struct {
	result    dtls.Result
	inbound   [][]byte
	sent      [][]byte
	skipHello bool
}

func (c *fakeChannel) Establish(time.Duration) (dtls.Result, error) {
	if c.result == dtls.ResultError {
		return c.result, dtls.ErrGenericEstablish
	}
	return c.result, nil
}

func (c *fakeChannel) Send(frame []byte) error {
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

func (c *fakeChannel) Receive() ([]byte, error) {
	if len(c.inbound) == 0 {
		return nil, nil
	}
	frame := c.inbound[0]
	c.inbound = c.inbound[1:]
	return frame, nil
}

func (c *fakeChannel) Command(dtls.Command) error     { return nil }
func (c *fakeChannel) SkipHello() bool                { return c.skipHello }
func (c *fakeChannel) HandleKeyChange([]byte) error   { return nil }

func (c *fakeChannel) pushAckForLastSent(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, c.sent)
	m, err := coap.Decode(c.sent[len(c.sent)-1])
	require.NoError(t, err)
	raw, err := coap.Encode(coap.Message{Type: coap.TypeAcknowledgement, ID: m.ID})
	require.NoError(t, err)
	c.inbound = append(c.inbound, raw)
}

func (c *fakeChannel) sentPaths(t *testing.T) []string {
	t.Helper()
	var paths []string
	for _, raw := range c.sent {
		m, err := coap.Decode(raw)
		require.NoError(t, err)
		paths = append(paths, m.UriPath())
	}
	return paths
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	devKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	devDER, err := x509.MarshalECPrivateKey(devKey)
	require.NoError(t, err)
	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srvDER, err := x509.MarshalPKIXPublicKey(&srvKey.PublicKey)
	require.NoError(t, err)
	id, err := identity.New([]byte("0123456789ab"), devDER, srvDER)
	require.NoError(t, err)
	return id
}

// zeroJitterBackoff makes attempt timing deterministic.
func zeroJitterBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: 0}, nil)
}

func newTestSupervisor(t *testing.T, ch *fakeChannel, dialErr error) (*Supervisor, *protocol.Facade) {
	t.Helper()
	id := testIdentity(t)
	facade := protocol.NewFacade(protocol.Config{ProductID: 1, FirmwareVersion: 1, PlatformID: 1}, id, protocol.WithRandSeed(3))
	s := New(facade, id, persistence.NewMemorySessionStore(),
		WithBackoff(zeroJitterBackoff()),
		WithDialer(func() (transport.IO, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			return nopIO{}, nil
		}),
		withChannelFactory(func(transport.IO) protocol.Channel { return ch }),
	)
	return s, facade
}

func TestBackoffSequenceWithoutJitter(t *testing.T) {
	b := zeroJitterBackoff()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, expected := range want {
		require.Equal(t, expected, b.Next(), "attempt %d", i)
	}
	b.Reset()
	require.Equal(t, 1*time.Second, b.Next())
	require.Equal(t, 1, b.Attempts())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(mrand.New(mrand.NewSource(11)))
	for i := 0; i < 20; i++ {
		base := b.current
		delay := b.Next()
		require.GreaterOrEqual(t, delay, base)
		require.LessOrEqual(t, delay, base+time.Duration(float64(base)*JitterFactor))
	}
}

func TestDialFailureWalksBackoffCurve(t *testing.T) {
	attempts := 0
	id := testIdentity(t)
	facade := protocol.NewFacade(protocol.Config{}, id, protocol.WithRandSeed(3))
	s := New(facade, id, persistence.NewMemorySessionStore(),
		WithBackoff(zeroJitterBackoff()),
		WithDialer(func() (transport.IO, error) {
			attempts++
			return nil, errors.New("network unreachable")
		}),
	)
	s.Connect()

	// Drive ticks every 100ms across the first two minutes and record when
	// each attempt fires.
	start := time.Unix(1_700_000_000, 0)
	var attemptTimes []time.Duration
	seen := 0
	for ms := 0; ms <= 125_000; ms += 100 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		s.Tick(now)
		if attempts > seen {
			seen = attempts
			attemptTimes = append(attemptTimes, time.Duration(ms)*time.Millisecond)
		}
	}

	// Attempt offsets accumulate the 1,2,4,8,16,32,60 curve.
	want := []time.Duration{
		0,
		1 * time.Second,
		3 * time.Second,
		7 * time.Second,
		15 * time.Second,
		31 * time.Second,
		63 * time.Second,
		123 * time.Second,
	}
	require.Len(t, attemptTimes, len(want))
	for i := range want {
		require.InDelta(t, want[i].Seconds(), attemptTimes[i].Seconds(), 0.2, "attempt %d", i)
	}
}

func TestConnectFlowReachesReady(t *testing.T) {
	ch := &fakeChannel{result: dtls.ResultSessionConnected}
	s, facade := newTestSupervisor(t, ch, nil)
	s.Connect()
	now := time.Unix(1_700_000_000, 0)

	s.Tick(now)
	require.Equal(t, StateConnecting, s.State())

	s.Tick(now.Add(20 * time.Millisecond))
	require.Equal(t, StateEstablished, s.State())

	ch.pushAckForLastSent(t)
	s.Tick(now.Add(40 * time.Millisecond))
	require.Equal(t, StateReady, s.State())
	require.True(t, facade.HelloAcked())

	paths := ch.sentPaths(t)
	require.Equal(t, coap.PathHello, paths[0])
	// Post-hello broadcast: updates flags ride private events, then the
	// time request.
	require.Contains(t, paths, "E/trackle/device/updates/forced")
	require.Contains(t, paths, "E/trackle/device/updates/enabled")
	require.Equal(t, coap.PathTimeRequest, paths[len(paths)-1])
}

func TestResumedSessionSkipsHello(t *testing.T) {
	ch := &fakeChannel{result: dtls.ResultSessionResumed, skipHello: true}
	s, _ := newTestSupervisor(t, ch, nil)
	s.Connect()
	now := time.Unix(1_700_000_000, 0)

	s.Tick(now)
	s.Tick(now.Add(20 * time.Millisecond))
	require.Equal(t, StateEstablished, s.State())

	s.Tick(now.Add(40 * time.Millisecond))
	require.Equal(t, StateReady, s.State())

	for _, path := range ch.sentPaths(t) {
		require.NotEqual(t, coap.PathHello, path)
	}
}

func TestHelloTimeoutDropsSession(t *testing.T) {
	ch := &fakeChannel{result: dtls.ResultSessionConnected}
	s, facade := newTestSupervisor(t, ch, nil)
	s.Connect()
	now := time.Unix(1_700_000_000, 0)

	s.Tick(now)
	s.Tick(now.Add(20 * time.Millisecond))
	require.Equal(t, StateEstablished, s.State())

	// No ack ever arrives; the 4s hello window closes.
	s.Tick(now.Add(5 * time.Second))
	require.Equal(t, StateDisconnected, s.State())

	disconnects, ok := facade.Diagnostics().Get(diagnostic.KeyCloudDisconnects)
	require.True(t, ok)
	require.Equal(t, int32(1), disconnects)
	reason, ok := facade.Diagnostics().Get(diagnostic.KeyCloudDisconnectionReason)
	require.True(t, ok)
	require.Equal(t, int32(2), reason)
}

func TestEstablishErrorSchedulesReconnect(t *testing.T) {
	ch := &fakeChannel{result: dtls.ResultError}
	s, _ := newTestSupervisor(t, ch, nil)
	s.Connect()
	now := time.Unix(1_700_000_000, 0)

	s.Tick(now)
	require.Equal(t, StateConnecting, s.State())
	s.Tick(now.Add(20 * time.Millisecond))
	require.Equal(t, StateDisconnected, s.State())
	require.True(t, s.nextAttempt.After(now))
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	ch := &fakeChannel{result: dtls.ResultSessionConnected}
	s, _ := newTestSupervisor(t, ch, nil)
	s.Connect()
	now := time.Unix(1_700_000_000, 0)

	s.Tick(now)
	s.Tick(now.Add(20 * time.Millisecond))
	ch.pushAckForLastSent(t)
	s.Tick(now.Add(40 * time.Millisecond))
	require.Equal(t, StateReady, s.State())

	s.Disconnect(now.Add(60 * time.Millisecond))
	require.Equal(t, StateDisconnected, s.State())

	// Goodbye went out as the final frame.
	paths := ch.sentPaths(t)
	require.Equal(t, coap.PathGoodbye, paths[len(paths)-1])

	// No further attempts while disabled.
	s.Tick(now.Add(10 * time.Minute))
	require.Equal(t, StateDisconnected, s.State())

	s.Connect()
	s.Tick(now.Add(11 * time.Minute))
	require.Equal(t, StateConnecting, s.State())
}
