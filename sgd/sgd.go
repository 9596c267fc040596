// Package sgd runs mini-batch stochastic gradient descent
// over a list of samples.
package sgd

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
)

// SGD performs stochastic gradient descent.
type SGD struct {
	Fetcher    Fetcher
	Gradienter Gradienter

	// Transformer, if non-nil, is applied to every
	// gradient before the step.
	Transformer Transformer

	// Samples is shuffled at the start of every epoch.
	// It may not be empty.
	Samples SampleList

	Rater Rater

	// BatchSize is the mini-batch size.
	// If it is 0, every batch is the full sample list.
	BatchSize int

	// StatusFunc, if non-nil, is called after every step
	// with the batch that was just used.
	StatusFunc func(b Batch)

	// ErrorFunc decides what to do when the Gradienter
	// fails. Returning nil skips the batch; returning an
	// error stops Run with that error.
	// If ErrorFunc is nil, every error stops Run.
	ErrorFunc func(err error) error

	// EpochFunc, if non-nil, is called at the end of every
	// pass over Samples with the number of completed
	// epochs. An error stops Run.
	EpochFunc func(epoch int) error

	// NumProcessed counts the samples passed to the
	// Gradienter so far. It determines the epoch given to
	// the Rater.
	NumProcessed int
}

type fetchResult struct {
	Batch Batch
	Size  int
	Err   error
}

// Run runs SGD until the Stopper is done or an error
// occurs.
func (s *SGD) Run(stopper Stopper) error {
	if s.Samples.Len() == 0 {
		panic("cannot run SGD with empty sample list")
	}

	batches, cancel := s.fetchLoop()
	defer cancel()

	lastEpochs := 0
	for !stopper.Done() {
		res := <-batches
		if res.Err != nil {
			return essentials.AddCtx("fetch batch", res.Err)
		}

		grad, err := s.Gradienter.Gradient(res.Batch)
		if err != nil {
			if s.ErrorFunc == nil {
				return err
			}
			if err := s.ErrorFunc(err); err != nil {
				return err
			}
		} else {
			if s.Transformer != nil {
				grad = s.Transformer.Transform(grad)
			}
			epoch := float64(s.NumProcessed) / float64(s.Samples.Len())
			scaleGrad(grad, -s.Rater.Rate(epoch))
			grad.AddToVars()
		}
		s.NumProcessed += res.Size

		if s.StatusFunc != nil {
			s.StatusFunc(res.Batch)
		}
		if done := s.NumProcessed / s.Samples.Len(); done > lastEpochs {
			lastEpochs = done
			if s.EpochFunc != nil {
				if err := s.EpochFunc(done); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// fetchLoop fetches batches one step ahead of the
// training loop.
func (s *SGD) fetchLoop() (<-chan fetchResult, func()) {
	results := make(chan fetchResult, 1)
	stop := make(chan struct{})
	go func() {
		defer close(results)
		idx := s.Samples.Len()
		for {
			remaining := s.Samples.Len() - idx
			if remaining == 0 {
				Shuffle(s.Samples)
				idx = 0
				remaining = s.Samples.Len()
			}
			size := s.batchSize(remaining)
			list := s.Samples.Slice(idx, idx+size)
			idx += size
			batch, err := s.Fetcher.Fetch(list)
			select {
			case results <- fetchResult{Batch: batch, Size: size, Err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return results, func() {
		close(stop)
	}
}

func (s *SGD) batchSize(remaining int) int {
	if s.BatchSize == 0 || s.BatchSize > remaining {
		return remaining
	}
	return s.BatchSize
}

func scaleGrad(g anydiff.Grad, s float64) {
	for _, v := range g {
		g.Scale(v.Creator().MakeNumeric(s))
		return
	}
}
