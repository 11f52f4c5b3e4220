package predstruct

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/five82/vp9pipe/internal/config"
)

func TestRandomAccessDecodeOrder(t *testing.T) {
	tests := []struct {
		levels uint8
		want   []int // display positions (1-based) in decode order
	}{
		{1, []int{2, 1}},
		{2, []int{4, 2, 1, 3}},
		{3, []int{8, 4, 2, 1, 3, 6, 5, 7}},
		{4, []int{16, 8, 4, 2, 1, 3, 6, 5, 7, 12, 10, 9, 11, 14, 13, 15}},
	}
	for _, tt := range tests {
		s, err := Build(config.PredRandomAccess, tt.levels)
		require.NoError(t, err)
		var got []int
		for _, idx := range s.CodingOrder() {
			got = append(got, idx+1)
		}
		require.Equal(t, tt.want, got, "levels %d", tt.levels)
		for order, idx := range s.CodingOrder() {
			require.Equal(t, order, s.Entries[idx].DecodeOrder)
		}
	}
}

func TestRandomAccessLayers(t *testing.T) {
	s, err := Build(config.PredRandomAccess, 3)
	require.NoError(t, err)

	layers := []int{3, 2, 3, 1, 3, 2, 3, 0}
	for i, want := range layers {
		require.Equal(t, want, s.Entries[i].TemporalLayer, "position %d", i+1)
		require.Equal(t, want < 3, s.Entries[i].Hidden, "position %d", i+1)
	}
	require.Equal(t, []int64{8}, s.Entries[7].RefList0)
	require.Empty(t, s.Entries[7].RefList1)
	require.Equal(t, []int64{2}, s.Entries[5].RefList0)
	require.Equal(t, []int64{-2}, s.Entries[5].RefList1)
}

// Every reference must appear exactly once in the referenced entry's
// dependency list, counting the next instance of the structure.
func TestDependencyListsMirrorReferences(t *testing.T) {
	for levels := uint8(1); levels <= config.MaxHierarchicalLevels; levels++ {
		s, err := Build(config.PredRandomAccess, levels)
		require.NoError(t, err)
		period := int64(s.Period())

		want0 := make(map[int64][]int64)
		want1 := make(map[int64][]int64)
		for q := int64(1); q <= 2*period; q++ {
			e := s.Entries[(q-1)%period]
			for _, r := range e.RefList0 {
				if tgt := q - r; tgt >= 1 && tgt <= period {
					want0[tgt] = append(want0[tgt], q-tgt)
				}
			}
			for _, r := range e.RefList1 {
				if tgt := q - r; tgt >= 1 && tgt <= period {
					want1[tgt] = append(want1[tgt], q-tgt)
				}
			}
		}
		for p := int64(1); p <= period; p++ {
			e := s.Entries[p-1]
			require.ElementsMatch(t, want0[p], e.DepList0, "levels %d position %d", levels, p)
			require.ElementsMatch(t, want1[p], e.DepList1, "levels %d position %d", levels, p)
		}

		// The base is referenced by the next instance at every power of two.
		base := s.Entries[period-1]
		var pow []int64
		for d := int64(1); d <= period; d <<= 1 {
			pow = append(pow, d)
		}
		require.ElementsMatch(t, pow, base.DepList0)
	}
}

func TestTopLayerIsNotReferenced(t *testing.T) {
	s, err := Build(config.PredRandomAccess, 4)
	require.NoError(t, err)
	for i, e := range s.Entries {
		require.Equal(t, e.TemporalLayer < 4, e.IsReferenced(), "position %d", i+1)
	}
}

func TestLowDelayP(t *testing.T) {
	s, err := Build(config.PredLowDelayP, 3)
	require.NoError(t, err)
	require.Equal(t, 1, s.Period())
	require.Equal(t, []int64{1}, s.Entries[0].RefList0)
	require.Equal(t, []int64{1}, s.Entries[0].DepList0)
	require.False(t, s.Entries[0].Hidden)
}

func TestUnsupportedHierarchy(t *testing.T) {
	_, err := Build(config.PredRandomAccess, 5)
	require.ErrorIs(t, err, ErrUnsupportedHierarchy)

	set, err := NewSet(3)
	require.NoError(t, err)
	_, err = set.Lookup(config.PredRandomAccess, 4)
	require.ErrorIs(t, err, ErrUnsupportedHierarchy)

	s, err := set.Lookup(config.PredRandomAccess, 3)
	require.NoError(t, err)
	require.Equal(t, 8, s.Period())
	s, err = set.Lookup(config.PredRandomAccess, 0)
	require.NoError(t, err)
	require.Equal(t, config.PredLowDelayP, s.Type)
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		levels uint8
		want   []Span
	}{
		{"full pyramid", 8, 3, []Span{{0, 7, 3, true}}},
		{"full five layer", 16, 4, []Span{{0, 15, 4, true}}},
		{"smaller pyramid and tail", 7, 3, []Span{{0, 3, 2, true}, {4, 4, 0, false}, {5, 5, 0, false}, {6, 6, 0, false}}},
		{"too short for a pyramid", 3, 3, []Span{{0, 0, 0, false}, {1, 1, 0, false}, {2, 2, 0, false}}},
		{"sixteen at three levels", 16, 3, []Span{{0, 7, 3, true}, {8, 15, 3, true}}},
		{"twelve at four levels", 12, 4, []Span{{0, 7, 3, true}, {8, 11, 2, true}}},
		{"one level", 5, 1, []Span{{0, 1, 1, true}, {2, 3, 1, true}, {4, 4, 0, false}}},
		{"flat", 2, 0, []Span{{0, 0, 0, false}, {1, 1, 0, false}}},
		{"empty", 0, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Partition(tt.n, tt.levels))
		})
	}
}
