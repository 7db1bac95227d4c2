package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingAddAndList(t *testing.T) {
	ring := NewRing[int](3)
	require.Equal(t, 0, ring.Len())
	require.Nil(t, ring.List())

	ring.Add(1)
	ring.Add(2)
	require.Equal(t, []int{1, 2}, ring.List())

	ring.Add(3)
	ring.Add(4)
	require.Equal(t, 3, ring.Len())
	require.Equal(t, []int{2, 3, 4}, ring.List())
}

func TestRingLast(t *testing.T) {
	ring := NewRing[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		ring.Add(s)
	}

	require.Equal(t, []string{"d", "e"}, ring.Last(2))
	require.Equal(t, []string{"b", "c", "d", "e"}, ring.Last(10))
	require.Nil(t, ring.Last(0))
}

func TestRingZeroCapacity(t *testing.T) {
	ring := NewRing[int](0)
	ring.Add(1)
	ring.Add(2)
	// Capacity is clamped to one entry.
	require.Equal(t, []int{2}, ring.List())
}
