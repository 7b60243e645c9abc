// Package history keeps bounded, interpolation-smoothed time series that back
// every chart.
package history

// Float constrains the element type of a Buffer.
type Float interface {
	~float32 | ~float64
}

// Series is the view of a buffer shared by every metric kind.
type Series interface {
	Push(v float64)
	Values() []float64
	Len() int
	Last() (float64, bool)
}

// Buffer is a time series with a nominal capacity and a number of
// interpolation steps generated per real sample.
//
// After a push the buffer holds between 1 and capacity+steps-1 values:
// eviction happens before the interpolated points are appended, so the
// nominal capacity is overshot by up to steps-1 values.
type Buffer[T Float] struct {
	capacity int
	steps    int
	values   []T
}

// New returns an empty buffer. Capacity and steps below 1 are raised to 1.
func New[T Float](capacity, steps int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	if steps < 1 {
		steps = 1
	}
	return &Buffer[T]{
		capacity: capacity,
		steps:    steps,
		values:   make([]T, 0, capacity+steps),
	}
}

// Prefilled returns a buffer holding capacity copies of v.
func Prefilled[T Float](capacity, steps int, v T) *Buffer[T] {
	b := New[T](capacity, steps)
	for i := 0; i < b.capacity; i++ {
		b.values = append(b.values, v)
	}
	return b
}

// Push evicts the oldest values until fewer than capacity remain and then
// appends steps values interpolated from the newest stored value (or zero
// for an empty buffer) up to v.
func (b *Buffer[T]) Push(v float64) {
	var last float64
	if n := len(b.values); n > 0 {
		last = float64(b.values[n-1])
	}
	b.push(last, v)
}

// PushFrom behaves like Push but interpolates from seed when the buffer is
// empty.
func (b *Buffer[T]) PushFrom(v, seed float64) {
	last := seed
	if n := len(b.values); n > 0 {
		last = float64(b.values[n-1])
	}
	b.push(last, v)
}

func (b *Buffer[T]) push(last, v float64) {
	if len(b.values) >= b.capacity {
		drop := len(b.values) - b.capacity + 1
		b.values = append(b.values[:0], b.values[drop:]...)
	}

	k := float64(b.steps)
	for i := 1; i < b.steps; i++ {
		b.values = append(b.values, T(last+(v-last)*float64(i)/k))
	}
	// The final point is v itself rather than last+(v-last)*k/k.
	b.values = append(b.values, T(v))
}

// Trim drops the oldest values so that at most capacity remain.
func (b *Buffer[T]) Trim() {
	if len(b.values) > b.capacity {
		drop := len(b.values) - b.capacity
		b.values = append(b.values[:0], b.values[drop:]...)
	}
}

// Values returns a copy of the stored values, oldest first.
func (b *Buffer[T]) Values() []float64 {
	out := make([]float64, len(b.values))
	for i, v := range b.values {
		out[i] = float64(v)
	}
	return out
}

// Len reports the number of stored values.
func (b *Buffer[T]) Len() int {
	return len(b.values)
}

// Last returns the newest value.
func (b *Buffer[T]) Last() (float64, bool) {
	if len(b.values) == 0 {
		return 0, false
	}
	return float64(b.values[len(b.values)-1]), true
}

// Capacity returns the nominal capacity.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// Steps returns the number of values appended per push.
func (b *Buffer[T]) Steps() int {
	return b.steps
}

var (
	_ Series = (*Buffer[float64])(nil)
	_ Series = (*Buffer[float32])(nil)
)
