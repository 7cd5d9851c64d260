package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeRejectsLongFilter(t *testing.T) {
	tb := NewTable()
	_, err := tb.Subscribe(string(make([]byte, 64)), ScopeMyDevices, nil, nil, nil)
	require.ErrorIs(t, err, ErrFilterTooLong)
}

func TestFirehoseRequiresNonEmptyFilter(t *testing.T) {
	tb := NewTable()
	_, err := tb.Subscribe("", ScopeFirehose, nil, nil, nil)
	require.ErrorIs(t, err, ErrFirehoseRequiresFilter)
}

func TestDeliverMatchesPrefixAndOverlapping(t *testing.T) {
	tb := NewTable()
	var fired []string
	mk := func(tag string) Handler {
		return func(name string, payload []byte, publisher []byte, userData any) {
			fired = append(fired, tag)
		}
	}
	_, err := tb.Subscribe("my/", ScopeMyDevices, nil, mk("a"), nil)
	require.NoError(t, err)
	_, err = tb.Subscribe("my/event", ScopeMyDevices, nil, mk("b"), nil)
	require.NoError(t, err)
	_, err = tb.Subscribe("other/", ScopeMyDevices, nil, mk("c"), nil)
	require.NoError(t, err)

	n := tb.Deliver("my/event/fired", []byte("payload"), nil)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"a", "b"}, fired)
}

func TestDeliverRespectsDeviceIDFilter(t *testing.T) {
	tb := NewTable()
	fired := false
	_, err := tb.Subscribe("e", ScopeFirehose, []byte{1, 2, 3}, func(string, []byte, []byte, any) { fired = true }, nil)
	require.NoError(t, err)

	tb.Deliver("event", nil, []byte{9, 9, 9})
	require.False(t, fired)

	tb.Deliver("event", nil, []byte{1, 2, 3})
	require.True(t, fired)
}

func TestUnsubscribeRemovesEntry(t *testing.T) {
	tb := NewTable()
	e, err := tb.Subscribe("e", ScopeMyDevices, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, tb.Entries(), 1)
	tb.Unsubscribe(e)
	require.Len(t, tb.Entries(), 0)
}

func TestAnnounceRequestsEncodesScope(t *testing.T) {
	tb := NewTable()
	_, err := tb.Subscribe("my/event", ScopeMyDevices, nil, nil, nil)
	require.NoError(t, err)
	_, err = tb.Subscribe("firehose/event", ScopeFirehose, nil, nil, nil)
	require.NoError(t, err)

	next := uint16(100)
	msgs := AnnounceRequests(tb.Entries(), func() uint16 { next++; return next })
	require.Len(t, msgs, 2)
	require.Equal(t, "e/my/event", msgs[0].UriPath())
	require.NotEmpty(t, msgs[0].Options)
	require.Equal(t, "e/firehose/event", msgs[1].UriPath())
}
