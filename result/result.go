package result

// Of is a single-shot outcome carried over a one-element channel by
// operations that complete out of process.
type Of[T any] struct {
	v   *T
	err error
}

func Ok[T any](v *T) Of[T] {
	return Of[T]{v: v, err: nil}
}

func Err[T any](err error) Of[T] {
	return Of[T]{v: nil, err: err}
}

func (r Of[T]) Err() error {
	return r.err
}

func (r Of[T]) Unwrap() *T {
	if nil != r.err {
		panic("cannot unwrap an errored result")
	}
	return r.v
}
