package retransmit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackOutboundAndAck(t *testing.T) {
	s := NewStore(2 * time.Second)
	now := time.Now()
	s.TrackOutbound(0x1234, []byte{1, 2, 3}, now)

	res := s.HandleAck(0x1234, now.Add(50*time.Millisecond))
	require.True(t, res.Found)
	require.Equal(t, 50*time.Millisecond, res.RoundTrip)
	require.Equal(t, 0, s.OutboundLen())
}

func TestTickResendsThenTimesOut(t *testing.T) {
	s := NewStore(1 * time.Second)
	now := time.Now()
	s.TrackOutbound(1, []byte{0xAA}, now)

	// Not yet due.
	resend, timedOut := s.Tick(now.Add(500*time.Millisecond), time.Time{})
	require.Empty(t, resend)
	require.Empty(t, timedOut)

	cursor := now
	for i := 0; i < MaxRetransmit; i++ {
		cursor = cursor.Add(2 * time.Second * time.Duration(1<<i))
		resend, timedOut = s.Tick(cursor, time.Time{})
		require.Len(t, resend, 1, "retry %d should resend", i)
		require.Empty(t, timedOut)
	}

	// One more expiry exhausts the retry budget.
	cursor = cursor.Add(60 * time.Second)
	resend, timedOut = s.Tick(cursor, time.Time{})
	require.Empty(t, resend)
	require.Len(t, timedOut, 1)
	require.Equal(t, 0, s.OutboundLen())
}

func TestTimedOutPrecedesLastAck(t *testing.T) {
	s := NewStore(1 * time.Second)
	now := time.Now()
	s.TrackOutbound(1, []byte{0xAA}, now)

	lastAck := now.Add(5 * time.Second)
	cursor := now
	for i := 0; i <= MaxRetransmit; i++ {
		cursor = cursor.Add(120 * time.Second)
		_, timedOut := s.Tick(cursor, lastAck)
		if len(timedOut) > 0 {
			require.True(t, timedOut[0].PrecedesLastAck)
			return
		}
	}
	t.Fatal("expected a timeout")
}

func TestInboundDedup(t *testing.T) {
	s := NewStore(2 * time.Second)
	now := time.Now()

	res := s.CheckInbound(7, now)
	require.False(t, res.Duplicate)

	s.RecordResponse(7, []byte{0x61, 0x45})

	res = s.CheckInbound(7, now.Add(time.Second))
	require.True(t, res.Duplicate)
	require.Equal(t, []byte{0x61, 0x45}, res.CachedResponse)
}

func TestInboundExpiry(t *testing.T) {
	s := NewStore(1 * time.Second)
	now := time.Now()
	s.CheckInbound(9, now)

	s.ExpireInbound(now.Add(1000 * time.Second))
	res := s.CheckInbound(9, now.Add(1000*time.Second))
	require.False(t, res.Duplicate, "entry should have expired")
}

func TestCancelClearsOutbound(t *testing.T) {
	s := NewStore(time.Second)
	now := time.Now()
	s.TrackOutbound(1, []byte{1}, now)
	s.TrackOutbound(2, []byte{2}, now)
	require.Equal(t, 2, s.OutboundLen())
	s.Cancel()
	require.Equal(t, 0, s.OutboundLen())
}
