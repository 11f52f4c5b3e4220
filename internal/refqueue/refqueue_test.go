package refqueue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type releaseLog struct{ released []int64 }

func (l *releaseLog) release(p int64) error {
	l.released = append(l.released, p)
	return nil
}

func TestScenarioDependentCountTransitions(t *testing.T) {
	var log releaseLog
	q := New[int64]("ref", 8, log.release)

	require.NoError(t, q.Insert(10, 10, []int64{1, 2}, []int64{-1}, true))
	require.NoError(t, q.MarkAvailable(10))

	steps := []struct {
		dependent int64
		list      List
		want      int
	}{
		{11, List0, 2},
		{12, List0, 1},
		{9, List1, 0},
	}
	for _, s := range steps {
		e, ok := q.Snapshot(10)
		require.True(t, ok)
		require.False(t, e.Releasable(), "eligible before the last consumption")

		require.NoError(t, q.Consume(10, s.dependent, s.list))
		e, _ = q.Snapshot(10)
		require.Equal(t, s.want, e.DependentCount)
		require.NoError(t, q.Verify())
	}

	e, _ := q.Snapshot(10)
	require.True(t, e.Releasable())

	n, err := q.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{10}, log.released)
	require.Zero(t, q.Len())
}

func TestConsumeUnderflow(t *testing.T) {
	q := New[int64]("ref", 4, nil)
	require.NoError(t, q.Insert(0, 0, []int64{1}, nil, true))

	require.NoError(t, q.Consume(0, 1, List0))
	require.ErrorIs(t, q.Consume(0, 1, List0), ErrDependencyUnderflow)
	require.ErrorIs(t, q.Consume(0, 2, List0), ErrDependencyUnderflow)
	require.ErrorIs(t, q.Consume(0, 1, List1), ErrDependencyUnderflow)
	require.ErrorIs(t, q.Consume(7, 8, List0), ErrUnknownPicture)
}

func TestInsertFull(t *testing.T) {
	q := New[int64]("ref", 2, nil)
	require.NoError(t, q.Insert(0, 0, nil, nil, true))
	require.NoError(t, q.Insert(1, 1, nil, nil, true))
	require.ErrorIs(t, q.Insert(2, 2, nil, nil, true), ErrQueueFull)
}

func TestReleaseNeedsAllConditions(t *testing.T) {
	var log releaseLog
	q := New[int64]("ref", 4, log.release)
	require.NoError(t, q.Insert(5, 5, nil, nil, false))

	n, err := q.Sweep()
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, q.MarkAvailable(5))
	n, _ = q.Sweep()
	require.Zero(t, n, "release not enabled")

	require.NoError(t, q.EnableRelease(5))
	n, _ = q.Sweep()
	require.Equal(t, 1, n)
}

func TestCutFromIntra(t *testing.T) {
	q := New[int64]("pa", 8, nil)
	// Base at 8 expects the next pyramid (9..16) to reference it.
	require.NoError(t, q.Insert(8, 8, []int64{1, 2, 4, 8}, nil, true))
	require.NoError(t, q.Insert(6, 6, []int64{1}, []int64{-1}, true))

	require.NoError(t, q.Consume(8, 9, List0))
	removed := q.CutFrom(11)
	require.Equal(t, 2, removed, "targets 12 and 16")

	e, _ := q.Snapshot(8)
	require.Equal(t, 1, e.DependentCount)
	require.Len(t, e.DepList0, 2, "consumed entry is kept")
	require.NoError(t, q.Verify())

	e, _ = q.Snapshot(6)
	require.Equal(t, 2, e.DependentCount, "targets before the intra stay")
}

func TestCutAfterEndOfSequence(t *testing.T) {
	q := New[int64]("pa", 8, nil)
	require.NoError(t, q.Insert(4, 4, []int64{1, 2, 4}, nil, true))
	require.Equal(t, 2, q.CutAfter(5))
	e, _ := q.Snapshot(4)
	require.Equal(t, 1, e.DependentCount)
}

func TestRebuildAtStructureChange(t *testing.T) {
	q := New[int64]("pa", 8, nil)
	// Low-delay picture at 3 expects 4 to reference it.
	require.NoError(t, q.Insert(3, 3, []int64{1}, nil, true))

	// The next mini-GOP is a four picture pyramid 4..7 instead.
	r := &Rebuild{BoundaryEnd: 3}
	r.AddReference(3, 7, List0)
	r.AddReference(3, 5, List0)
	r.AddReference(3, 4, List0)
	require.NoError(t, q.Rebuild(r))

	e, _ := q.Snapshot(3)
	require.Equal(t, 3, e.DependentCount)
	require.NoError(t, q.Verify())
	for _, d := range []int64{7, 5, 4} {
		require.NoError(t, q.Consume(3, d, List0))
	}
	require.ErrorIs(t, q.Consume(3, 4, List0), ErrDependencyUnderflow)

	r = &Rebuild{BoundaryEnd: 99}
	r.AddReference(50, 51, List0)
	require.ErrorIs(t, q.Rebuild(r), ErrUnknownPicture)
}

func TestRebuildKeepsConsumedDependencies(t *testing.T) {
	q := New[int64]("pa", 8, nil)
	require.NoError(t, q.Insert(8, 8, []int64{8, 1, 2, 4}, []int64{-4}, true))
	require.NoError(t, q.Consume(8, 4, List1))

	r := &Rebuild{BoundaryEnd: 8}
	r.AddReference(8, 9, List0)
	require.NoError(t, q.Rebuild(r))

	e, _ := q.Snapshot(8)
	require.Equal(t, 1, e.DependentCount)
	require.Len(t, e.DepList1, 1)
	require.True(t, e.DepList1[0].Consumed)
	require.NoError(t, q.Verify())
}

// Random interleavings of consumption, cuts and sweeps never break the
// dependent count bookkeeping.
func TestDependencyConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var log releaseLog
	q := New[int64]("ref", 64, log.release)

	type dep struct {
		ref, dependent int64
		list           List
	}
	var outstanding []dep
	for poc := int64(0); poc < 48; poc++ {
		var d0, d1 []int64
		for i, n := int64(1), int64(rng.Intn(4)); i <= n; i++ {
			d0 = append(d0, i)
			outstanding = append(outstanding, dep{poc, poc + i, List0})
		}
		if rng.Intn(2) == 0 {
			d1 = append(d1, -1)
			outstanding = append(outstanding, dep{poc, poc - 1, List1})
		}
		require.NoError(t, q.Insert(poc, poc, d0, d1, true))
		require.NoError(t, q.MarkAvailable(poc))

		rng.Shuffle(len(outstanding), func(i, j int) { outstanding[i], outstanding[j] = outstanding[j], outstanding[i] })
		n := rng.Intn(len(outstanding) + 1)
		for _, d := range outstanding[:n] {
			require.NoError(t, q.Consume(d.ref, d.dependent, d.list))
			require.NoError(t, q.Verify())
		}
		outstanding = outstanding[n:]

		_, err := q.Sweep()
		require.NoError(t, err)
		require.NoError(t, q.Verify())
	}

	for _, d := range outstanding {
		require.NoError(t, q.Consume(d.ref, d.dependent, d.list))
	}
	_, err := q.Sweep()
	require.NoError(t, err)
	require.Zero(t, q.Len())
	require.Len(t, log.released, 48)
}

func TestAcquireHoldsUnderLock(t *testing.T) {
	q := New[int64]("ref", 4, nil)
	require.NoError(t, q.Insert(1, 100, []int64{1}, nil, true))

	var held int64
	v, err := q.Acquire(1, 2, List0, func(p int64) { held = p })
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
	require.Equal(t, int64(100), held)
}
