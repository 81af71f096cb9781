package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition_SecondOfTwo(t *testing.T) {
	w, err := Partition(10, 2, 2, 50)
	require.NoError(t, err)
	assert.Equal(t, 5, w.Start)
	assert.Equal(t, 10, w.End)
	assert.Equal(t, 5, w.Len())
}

func TestPartition_Coverage(t *testing.T) {
	for n := 0; n <= 40; n++ {
		for total := 1; total <= 7; total++ {
			covered := make([]int, n)
			prevEnd := 0
			for b := 1; b <= total; b++ {
				w, err := Partition(n, total, b, 0)
				require.NoError(t, err)

				require.LessOrEqual(t, 0, w.Start)
				require.LessOrEqual(t, w.Start, w.End)
				require.LessOrEqual(t, w.End, n)
				require.Equal(t, prevEnd, w.Start, "n=%d total=%d batch=%d not contiguous", n, total, b)
				prevEnd = w.End

				for i := w.Start; i < w.End; i++ {
					covered[i]++
				}
				if b == total {
					assert.Equal(t, n, w.End, "last window must end at n (n=%d total=%d)", n, total)
				}
			}
			for i, c := range covered {
				require.Equal(t, 1, c, "index %d covered %d times (n=%d total=%d)", i, c, n, total)
			}
		}
	}
}

func TestPartition_CapRespected(t *testing.T) {
	for _, maxPrompts := range []int{1, 3, 7, 100} {
		for b := 1; b <= 3; b++ {
			w, err := Partition(95, 3, b, maxPrompts)
			require.NoError(t, err)
			assert.LessOrEqual(t, w.Len(), maxPrompts)
		}
	}

	w, err := Partition(95, 3, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 62, w.Start)
	assert.Equal(t, 72, w.End)
}

func TestPartition_Invalid(t *testing.T) {
	cases := []struct {
		name               string
		n, total, batchNum int
	}{
		{"zero batches", 10, 0, 1},
		{"batch zero", 10, 2, 0},
		{"batch past total", 10, 2, 3},
		{"negative count", -1, 2, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Partition(tc.n, tc.total, tc.batchNum, 0)
			assert.Error(t, err)
		})
	}
}
