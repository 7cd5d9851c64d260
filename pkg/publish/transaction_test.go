package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trackle-iot/trackle-go/pkg/coap"
)

func TestBlockSplitSizes(t *testing.T) {
	payload := make([]byte, 3100)
	p := NewPublisher(NewRateLimiter())
	tx, err := p.Begin("test/event", payload, 60, coap.EventPublic, []byte{1, 2}, nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, 4, tx.numBlocks)

	sizes := []int{1024, 1024, 1024, 28}
	for i, want := range sizes {
		tx.blockIdx = i
		require.Len(t, tx.blockSlice(i), want)
	}
}

func TestBlock1OptionsAcrossSequence(t *testing.T) {
	payload := make([]byte, 3100)
	p := NewPublisher(NewRateLimiter())
	tx, err := p.Begin("test/event", payload, 60, coap.EventPublic, []byte{1}, nil, time.Now())
	require.NoError(t, err)

	for i := 0; i < tx.numBlocks; i++ {
		msg, err := tx.NextMessage(uint16(i + 1))
		require.NoError(t, err)
		_, _, _, block1, err := coap.DecodeEvent(msg)
		require.NoError(t, err)
		require.NotNil(t, block1)
		require.Equal(t, uint32(i), block1.Num)
		if i < tx.numBlocks-1 {
			require.True(t, block1.More)
		} else {
			require.False(t, block1.More)
		}
		if !tx.IsLastBlock() {
			tx.AdvanceBlock()
		}
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	p := NewPublisher(NewRateLimiter())
	_, err := p.Begin("test/event", make([]byte, BlockSize*MaxBlocks+1), 60, coap.EventPublic, nil, nil, time.Now())
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCapacityLimit(t *testing.T) {
	p := NewPublisher(NewRateLimiter())
	now := time.Now()
	for i := 0; i < MaxConcurrentMessages; i++ {
		_, err := p.Begin(SystemEventPrefix+"e", []byte("x"), 60, coap.EventPublic, nil, nil, now)
		require.NoError(t, err)
	}
	_, err := p.Begin(SystemEventPrefix+"e", []byte("x"), 60, coap.EventPublic, nil, nil, now)
	require.ErrorIs(t, err, ErrAtCapacity)
}

func TestRateLimitBlocksFifthNonSystemPublish(t *testing.T) {
	p := NewPublisher(NewRateLimiter())
	base := time.Now()
	for i := 0; i < 4; i++ {
		_, err := p.Begin("my/event", []byte("x"), 60, coap.EventPublic, nil, nil, base.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
	}
	_, err := p.Begin("my/event", []byte("x"), 60, coap.EventPublic, nil, nil, base.Add(400*time.Millisecond))
	require.ErrorIs(t, err, ErrBandwidthExceeded)
}

func TestCompleteFiresCallbackOnce(t *testing.T) {
	p := NewPublisher(NewRateLimiter())
	calls := 0
	tx, err := p.Begin("my/event", []byte("x"), 60, coap.EventPublic, nil, func(err error) { calls++ }, time.Now())
	require.NoError(t, err)

	p.Complete(tx, nil)
	p.Complete(tx, nil)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, p.Active())
}

func TestSingleBlockPublishHasNoBlock1Option(t *testing.T) {
	p := NewPublisher(NewRateLimiter())
	tx, err := p.Begin("my/event", []byte("small"), 60, coap.EventPublic, []byte{1}, nil, time.Now())
	require.NoError(t, err)

	msg, err := tx.NextMessage(1)
	require.NoError(t, err)
	_, _, _, block1, err := coap.DecodeEvent(msg)
	require.NoError(t, err)
	require.Nil(t, block1)
}
