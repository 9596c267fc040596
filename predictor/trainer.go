package predictor

import (
	"errors"
	"runtime"
	"sync"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/conv"
	"github.com/gordonliu0/LightForker/sgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A Trainer fetches batches for a Model and computes the
// gradients of its training loss.
// It implements sgd.Fetcher and sgd.Gradienter.
type Trainer struct {
	Model *Model

	// Params are the parameters to differentiate.
	// If nil, every parameter of the model is used.
	Params []*anydiff.Var

	// After every gradient computation, LastCost is set to
	// the loss of the batch.
	LastCost float64

	// MaxGos specifies the maximum goroutines to use
	// simultaneously for fetching samples.
	// If it is 0, GOMAXPROCS is used.
	MaxGos int
}

// Fetch loads the samples into a *Batch.
// The s argument must implement SampleList.
// The batch may not be empty.
func (t *Trainer) Fetch(s sgd.SampleList) (sgd.Batch, error) {
	if s.Len() == 0 {
		return nil, errors.New("fetch batch: empty batch")
	}
	l := s.(SampleList)
	samples := make([]*Sample, l.Len())

	idxChan := make(chan int, l.Len())
	for i := 0; i < l.Len(); i++ {
		idxChan <- i
	}
	close(idxChan)

	maxGos := t.MaxGos
	if maxGos == 0 {
		maxGos = runtime.GOMAXPROCS(0)
	}

	wg := sync.WaitGroup{}
	errChan := make(chan error, maxGos)
	for i := 0; i < maxGos; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxChan {
				sample, err := l.GetSample(i)
				if err != nil {
					errChan <- essentials.AddCtx("fetch batch", err)
					return
				}
				samples[i] = sample
			}
		}()
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return t.Model.MakeBatch(samples)
}

// MakeBatch packs samples into a Batch.
//
// Every sample must hold ImageNum frames and, if labeled,
// a label with at least 2*NumClasses entries. Extra label
// entries are dropped.
func (m *Model) MakeBatch(samples []*Sample) (*Batch, error) {
	c := samples[0].Frames.Creator()
	labelSize := 2 * m.NumClasses
	bufferSize := m.ImageNum * m.Backbone.In.Volume()

	res := &Batch{FramesPerSample: m.ImageNum}
	frames := make([]anyvec.Vector, len(samples))
	labels := make([]float64, len(samples)*labelSize)
	var anyLabeled bool
	for i, s := range samples {
		if s.Frames.Len() != bufferSize {
			return nil, &lightforker.ConfigurationMismatch{
				Component: "frame buffer",
				Field:     "size of sample " + s.Name,
				Expected:  bufferSize,
				Actual:    s.Frames.Len(),
			}
		}
		res.Names = append(res.Names, s.Name)
		frames[i] = s.Frames
		if s.Label == nil {
			continue
		}
		if len(s.Label) < labelSize {
			return nil, &lightforker.ConfigurationMismatch{
				Component: "label",
				Field:     "label size of sample " + s.Name,
				Expected:  labelSize,
				Actual:    len(s.Label),
			}
		}
		copy(labels[i*labelSize:], s.Label[:labelSize])
		anyLabeled = true
	}
	res.Frames = c.Concat(frames...)
	if anyLabeled {
		res.Labels = c.MakeVectorData(c.MakeNumericList(labels))
	}
	return res, nil
}

// Gradient computes the gradient of the training loss.
// The b argument must be a *Batch.
func (t *Trainer) Gradient(b sgd.Batch) (anydiff.Grad, error) {
	loss, err := t.Model.TrainingLoss(b.(*Batch))
	if err != nil {
		return nil, err
	}
	params := t.Params
	if params == nil {
		params = t.Model.Parameters()
	}
	grad := anydiff.NewGrad(params...)
	c := loss.Output().Creator()
	upstream := c.MakeVector(1)
	upstream.AddScalar(c.MakeNumeric(1))
	loss.Propagate(upstream, grad)
	t.LastCost = vectorFloats(loss.Output())[0]
	return grad, nil
}

// Loss computes the training loss of a batch without
// computing gradients.
func (t *Trainer) Loss(b sgd.Batch) (float64, error) {
	loss, err := t.Model.TrainingLoss(b.(*Batch))
	if err != nil {
		return 0, err
	}
	return vectorFloats(loss.Output())[0], nil
}

// Calibrate replaces the BatchNorm layers of the backbone
// and the reducer with fixed affine transforms, using the
// statistics of the samples.
// It returns the number of replaced layers.
func (t *Trainer) Calibrate(samples SampleList, batchSize int) (int, error) {
	m := t.Model
	if batchSize <= 0 {
		batchSize = samples.Len()
	}
	net := lightforker.Net{m.Backbone.Net, m.Reducer.Net}
	pt := &conv.PostTrainer{
		Samples:   samples,
		Fetcher:   t,
		BatchSize: batchSize,
		Net:       net,
	}
	n, err := pt.Run()
	m.Backbone.Net = net[0].(lightforker.Net)
	m.Reducer.Net = net[1].(lightforker.Net)
	if err != nil {
		return n, essentials.AddCtx("calibrate", err)
	}
	return n, nil
}
