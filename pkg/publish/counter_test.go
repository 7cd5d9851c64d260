package publish

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterFormAndRange(t *testing.T) {
	c := NewCounter(func() (uint32, error) { return 42, nil }, nil)
	id := c.Next()
	prefix := id / idScale
	counter := id % idScale
	require.GreaterOrEqual(t, prefix, uint32(1))
	require.LessOrEqual(t, prefix, uint32(PrefixMax))
	require.Less(t, counter, uint32(CounterCycle))
}

func TestCounterIncrementsAndWraps(t *testing.T) {
	c := NewCounter(func() (uint32, error) { return 1, nil }, nil)
	first := c.Next()
	second := c.Next()
	require.Equal(t, first+1, second)

	c.counter = CounterCycle - 1
	last := c.Next()
	require.Equal(t, c.prefix*idScale+CounterCycle-1, last)
	wrapped := c.Next()
	require.Equal(t, c.prefix*idScale, wrapped)
}

func TestCounterFallsBackToZeroOnPersistentRNGFailure(t *testing.T) {
	var warned string
	c := NewCounter(func() (uint32, error) { return 0, errors.New("no entropy") }, func(msg string) { warned = msg })
	id := c.Next()
	require.Equal(t, uint32(0), id/idScale)
	require.NotEmpty(t, warned)
}
