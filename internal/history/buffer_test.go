package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushIntoEmptyBufferEndsAtValue(t *testing.T) {
	t.Parallel()

	b := New[float64](10, 4)
	b.Push(8)

	require.Equal(t, 4, b.Len())
	assert.Equal(t, []float64{2, 4, 6, 8}, b.Values())

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 8.0, last)
}

func TestPushInterpolatesFromLastValue(t *testing.T) {
	t.Parallel()

	b := New[float64](100, 2)
	b.Push(10)
	b.Push(20)

	assert.Equal(t, []float64{5, 10, 15, 20}, b.Values())
}

func TestLengthStaysWithinBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		capacity int
		steps    int
	}{
		{capacity: 1, steps: 1},
		{capacity: 5, steps: 1},
		{capacity: 5, steps: 3},
		{capacity: 3, steps: 7},
		{capacity: 50, steps: 50},
	}

	for _, tc := range cases {
		b := New[float64](tc.capacity, tc.steps)
		for i := 0; i < 200; i++ {
			b.Push(float64(i % 17))
			n := b.Len()
			assert.GreaterOrEqual(t, n, 1, "capacity=%d steps=%d push=%d", tc.capacity, tc.steps, i)
			assert.LessOrEqual(t, n, tc.capacity+tc.steps-1, "capacity=%d steps=%d push=%d", tc.capacity, tc.steps, i)
		}
		if tc.capacity > 1 {
			assert.GreaterOrEqual(t, b.Len(), tc.capacity)
		}
	}
}

func TestZeroStepsActsAsRing(t *testing.T) {
	t.Parallel()

	b := New[float64](3, 0)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		b.Push(v)
	}

	assert.Equal(t, []float64{3, 4, 5}, b.Values())
}

func TestPushFromSeedsEmptyBuffer(t *testing.T) {
	t.Parallel()

	b := New[float64](10, 2)
	b.PushFrom(60, 60)
	assert.Equal(t, []float64{60, 60}, b.Values())

	b.PushFrom(70, 0)
	assert.Equal(t, []float64{60, 60, 65, 70}, b.Values())
}

func TestPrefilledAndTrim(t *testing.T) {
	t.Parallel()

	b := Prefilled[float32](4, 3, 0)
	require.Equal(t, 4, b.Len())

	b.Push(3)
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, []float64{0, 0, 0, 1, 2, 3}, b.Values())

	b.Trim()
	assert.Equal(t, []float64{0, 1, 2, 3}, b.Values())
}

func TestValuesReturnsCopy(t *testing.T) {
	t.Parallel()

	b := New[float64](4, 1)
	b.Push(1)

	values := b.Values()
	values[0] = 42

	last, _ := b.Last()
	assert.Equal(t, 1.0, last)
}
