package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingDrainsInKeyOrder(t *testing.T) {
	r := New[int](8, 0)

	require.NoError(t, r.Put(3, 30))
	require.NoError(t, r.Put(1, 10))

	var got []int64
	drain := func(key int64, v int) error {
		got = append(got, key)
		require.Equal(t, int(key)*10, v)
		return nil
	}

	require.NoError(t, r.Drain(drain))
	require.Empty(t, got, "head 0 missing, nothing may drain")

	require.NoError(t, r.Put(0, 0))
	require.NoError(t, r.Drain(drain))
	require.Equal(t, []int64{0, 1}, got)

	require.NoError(t, r.Put(2, 20))
	require.NoError(t, r.Drain(drain))
	require.Equal(t, []int64{0, 1, 2, 3}, got)
	require.Equal(t, int64(4), r.HeadKey())
	require.Zero(t, r.Len())
}

func TestRingWrapAround(t *testing.T) {
	const depth = 4
	r := New[int64](depth, 0)

	next := int64(0)
	for round := 0; round < 10; round++ {
		keys := []int64{next + 2, next, next + 3, next + 1}
		for _, k := range keys {
			require.NoError(t, r.Put(k, k))
		}
		require.NoError(t, r.Drain(func(key int64, v int64) error {
			require.Equal(t, next, key)
			require.Equal(t, key, v)
			next++
			return nil
		}))
	}
	require.Equal(t, int64(40), next)
}

func TestRingRejectsOutOfWindow(t *testing.T) {
	r := New[int](4, 10)

	require.ErrorIs(t, r.Put(9, 0), ErrOutOfWindow)
	require.ErrorIs(t, r.Put(14, 0), ErrOutOfWindow)
	require.NoError(t, r.Put(13, 0))
	require.ErrorIs(t, r.Put(13, 0), ErrOccupied)
}

func TestRingAnyPermutationIsSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		const n = 64
		r := New[int64](n, 0)
		perm := rng.Perm(n)

		var out []int64
		for _, p := range perm {
			require.NoError(t, r.Put(int64(p), int64(p)))
			require.NoError(t, r.Drain(func(key int64, _ int64) error {
				out = append(out, key)
				return nil
			}))
		}

		require.Len(t, out, n)
		for i := range out {
			require.Equal(t, int64(i), out[i])
		}
	}
}

func TestRingPeek(t *testing.T) {
	r := New[string](4, 0)
	require.NoError(t, r.Put(1, "b"))

	v, ok := r.Peek(1)
	require.True(t, ok)
	require.Equal(t, "b", v)

	_, ok = r.Peek(0)
	require.False(t, ok)
	_, ok = r.Head()
	require.False(t, ok)
}

func TestQueueCompactSkipsClearedSlots(t *testing.T) {
	q := NewQueue[int](3)

	a, err := q.Push(1)
	require.NoError(t, err)
	b, err := q.Push(2)
	require.NoError(t, err)
	_, err = q.Push(3)
	require.NoError(t, err)

	_, err = q.Push(4)
	require.ErrorIs(t, err, ErrFull)

	q.Clear(b)
	q.Compact()
	require.Equal(t, 3, q.Len(), "head still occupied")

	q.Clear(a)
	q.Compact()
	require.Equal(t, 1, q.Len())

	_, err = q.Push(5)
	require.NoError(t, err)

	var seen []int
	q.Each(func(_ int, v int) bool {
		seen = append(seen, v)
		return true
	})
	require.Equal(t, []int{3, 5}, seen)
}
