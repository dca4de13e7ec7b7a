package signal

// Result carries a facet value together with whether it is real data or a
// conservative fallback. Callers have to look at IsDegraded or go through
// Or; there is no implicit null path.
type Result[T any] struct {
	value    T
	degraded bool
	reason   string
}

// Ok wraps a real value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Degraded wraps the fallback used when the real value was unavailable.
func Degraded[T any](fallback T, reason string) Result[T] {
	return Result[T]{value: fallback, degraded: true, reason: reason}
}

// Value returns the wrapped value, real or fallback.
func (r Result[T]) Value() T { return r.value }

// IsDegraded reports whether the value is a fallback.
func (r Result[T]) IsDegraded() bool { return r.degraded }

// Reason is the failure that caused degradation, empty otherwise.
func (r Result[T]) Reason() string { return r.reason }

// Or returns the real value, or alt when degraded.
func (r Result[T]) Or(alt T) T {
	if r.degraded {
		return alt
	}
	return r.value
}
