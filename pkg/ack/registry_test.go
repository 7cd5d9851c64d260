package ack

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompleteFiresSuccess(t *testing.T) {
	r := NewRegistry()
	var got Outcome
	var fired bool
	r.Register(1, time.Second, time.Now(), func(o Outcome, err error) {
		fired = true
		got = o
	})
	require.True(t, r.Complete(1))
	require.True(t, fired)
	require.Equal(t, OutcomeSuccess, got)
	require.Equal(t, 0, r.Len())
}

func TestCompleteUnknownID(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Complete(99))
}

func TestFailDeliversError(t *testing.T) {
	r := NewRegistry()
	wantErr := errors.New("boom")
	var gotErr error
	r.Register(2, time.Second, time.Now(), func(o Outcome, err error) {
		gotErr = err
	})
	r.Fail(2, wantErr)
	require.Equal(t, wantErr, gotErr)
}

func TestTickTimesOutExpiredEntries(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	var got Outcome
	r.Register(3, 10*time.Millisecond, now, func(o Outcome, err error) { got = o })

	r.Tick(now.Add(5 * time.Millisecond))
	require.Equal(t, 1, r.Len(), "not yet expired")

	r.Tick(now.Add(20 * time.Millisecond))
	require.Equal(t, OutcomeTimeout, got)
	require.Equal(t, 0, r.Len())
}

func TestCancelAllFiresCancelled(t *testing.T) {
	r := NewRegistry()
	outcomes := make([]Outcome, 0, 2)
	r.Register(1, time.Second, time.Now(), func(o Outcome, err error) { outcomes = append(outcomes, o) })
	r.Register(2, time.Second, time.Now(), func(o Outcome, err error) { outcomes = append(outcomes, o) })
	r.CancelAll()
	require.Equal(t, []Outcome{OutcomeCancelled, OutcomeCancelled}, outcomes)
	require.Equal(t, 0, r.Len())
}
