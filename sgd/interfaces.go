package sgd

import "github.com/unixpickle/anydiff"

// A Transformer transforms gradients before they are
// applied, for example to implement adaptive step sizes.
//
// A Transformer may modify its input and return it.
// It must not keep a reference to its input.
type Transformer interface {
	Transform(g anydiff.Grad) anydiff.Grad
}

// A Batch is a materialized mini-batch, produced by a
// Fetcher and consumed by a Gradienter.
type Batch interface{}

// A Fetcher loads the data for a list of samples.
//
// SGD fetches the next Batch while the current one is
// being used, so Fetch may be called concurrently with
// Gradient.
type Fetcher interface {
	Fetch(s SampleList) (Batch, error)
}

// A Gradienter computes the gradient of the cost for a
// Batch.
//
// The same gradient instance may be re-used by successive
// calls to Gradient.
type Gradienter interface {
	Gradient(b Batch) (anydiff.Grad, error)
}

// A Rater determines the learning rate given the epoch
// number.
// Fractional epochs are possible.
type Rater interface {
	Rate(epoch float64) float64
}

// A SampleList is a lazily-loaded list of samples.
type SampleList interface {
	Len() int
	Swap(i, j int)

	// Slice creates a shallow copy of a sub-range.
	Slice(i, j int) SampleList
}

// A Stopper decides when training should end.
type Stopper interface {
	Done() bool
}
