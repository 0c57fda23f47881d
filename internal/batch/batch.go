// Package batch provides the bounded accumulator both pipeline stages drain
// their records through.
package batch

// Accumulator is a single-owner bounded buffer. Push reports when the
// configured threshold is reached; the owner must then Drain before pushing
// again. It is not safe for concurrent use: the whole point is that the
// producer stops producing while a drained batch is in flight, which keeps
// memory bounded and batch order equal to input order.
type Accumulator[T any] struct {
	threshold int
	items     []T
}

// NewAccumulator creates an accumulator that signals at threshold items.
// threshold must be > 0.
func NewAccumulator[T any](threshold int) *Accumulator[T] {
	if threshold <= 0 {
		panic("batch: threshold must be > 0")
	}
	return &Accumulator[T]{
		threshold: threshold,
		items:     make([]T, 0, threshold),
	}
}

// Push appends one item and reports whether the batch is full.
func (a *Accumulator[T]) Push(item T) bool {
	a.items = append(a.items, item)
	return len(a.items) >= a.threshold
}

// Drain returns the current contents and resets the buffer in one step.
func (a *Accumulator[T]) Drain() []T {
	out := a.items
	a.items = make([]T, 0, a.threshold)
	return out
}

// Len returns the number of buffered items.
func (a *Accumulator[T]) Len() int {
	return len(a.items)
}
