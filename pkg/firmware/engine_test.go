package firmware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	prepared  bool
	chunks    map[uint16][]byte
	finished  bool
	failNext  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: map[uint16][]byte{}}
}

func (f *fakeStore) Prepare(desc Descriptor, flags BeginFlags) error {
	if f.failNext {
		return errors.New("prepare failed")
	}
	f.prepared = true
	return nil
}

func (f *fakeStore) SaveChunk(index uint16, payload []byte) error {
	if f.failNext {
		return errors.New("save failed")
	}
	f.chunks[index] = payload
	return nil
}

func (f *fakeStore) Finish(flags DoneFlags) error {
	if f.failNext {
		return errors.New("finish failed")
	}
	f.finished = true
	return nil
}

func TestBeginRejectedWhenDisabledAndNotForced(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	e.UpdatesEnabled = false

	err := e.Begin(Descriptor{ChunkCount: 3}, 0)
	require.Error(t, err)
	require.Equal(t, StateIdle, e.State())
	require.False(t, store.prepared)
}

func TestBeginAcceptedWhenForced(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	e.UpdatesEnabled = false

	err := e.Begin(Descriptor{ChunkCount: 3}, BeginFlagForced)
	require.NoError(t, err)
	require.Equal(t, StateReceiving, e.State())
	require.True(t, store.prepared)
}

func TestChunkOutOfOrderAndMissing(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	require.NoError(t, e.Begin(Descriptor{ChunkCount: 4}, 0))

	require.NoError(t, e.Chunk(2, []byte("c2")))
	require.NoError(t, e.Chunk(0, []byte("c0")))

	missing := e.MissingIndices()
	require.Equal(t, []uint16{1, 3}, missing)
}

func TestChunkBeforeBeginFails(t *testing.T) {
	e := NewEngine(newFakeStore())
	err := e.Chunk(0, []byte("x"))
	require.ErrorIs(t, err, ErrNotReceiving)
}

func TestDoneTransitionsAndRebootFlag(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	require.NoError(t, e.Begin(Descriptor{ChunkCount: 1}, 0))
	require.NoError(t, e.Chunk(0, []byte("x")))

	require.NoError(t, e.Done(0))
	require.Equal(t, StateDone, e.State())
	require.True(t, store.finished)
	require.True(t, ShouldReboot(0))
	require.False(t, ShouldReboot(DoneFlagDontReset))
}

func TestFailurePropagatesFromStore(t *testing.T) {
	store := newFakeStore()
	store.failNext = true
	e := NewEngine(store)
	err := e.Begin(Descriptor{}, 0)
	require.Error(t, err)
	require.Equal(t, StateIdle, e.State())
}

func TestResetReturnsToIdle(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	require.NoError(t, e.Begin(Descriptor{ChunkCount: 1}, 0))
	e.Reset()
	require.Equal(t, StateIdle, e.State())
	require.Empty(t, e.MissingIndices())
}
