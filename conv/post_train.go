package conv

import (
	"errors"
	"fmt"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/sgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// An InputBatch is a fetched batch which can produce the
// input tensor of the network being calibrated, along
// with that tensor's batch size.
type InputBatch interface {
	Input() (in anydiff.Res, n int)
}

// A PostTrainer replaces the BatchNorm layers of a trained
// network with fixed affine transforms computed from the
// statistics of a list of samples.
type PostTrainer struct {
	Samples sgd.SampleList

	// Fetcher must return InputBatch instances.
	Fetcher sgd.Fetcher

	BatchSize int

	Net lightforker.Net
}

// Run performs layer replacement, from the first layer to
// the last, and returns the number of replaced layers.
// BatchNorm layers nested in Nets and Residuals are
// replaced as well.
//
// If an error occurs, the layers before the failing one
// have already been replaced.
func (p *PostTrainer) Run() (int, error) {
	return p.replaceIn(p.Net, func(in anydiff.Res, n int) anydiff.Res {
		return in
	})
}

type prefixFunc func(in anydiff.Res, n int) anydiff.Res

func (p *PostTrainer) replaceIn(net lightforker.Net, before prefixFunc) (int, error) {
	var replaced int
	for i := range net {
		pre := prefixUpTo(net, i, before)
		switch layer := net[i].(type) {
		case *BatchNorm:
			affine, err := p.calibrate(layer, pre)
			if err != nil {
				return replaced, err
			}
			net[i] = affine
			replaced++
		case lightforker.Net:
			n, err := p.replaceIn(layer, pre)
			replaced += n
			if err != nil {
				return replaced, err
			}
		case *Residual:
			for _, part := range []*lightforker.Layer{&layer.Layer, &layer.Projection} {
				if *part == nil {
					continue
				}
				wrapped := lightforker.Net{*part}
				n, err := p.replaceIn(wrapped, pre)
				*part = wrapped[0]
				replaced += n
				if err != nil {
					return replaced, err
				}
			}
		}
	}
	return replaced, nil
}

func prefixUpTo(net lightforker.Net, i int, before prefixFunc) prefixFunc {
	return func(in anydiff.Res, n int) anydiff.Res {
		return net[:i].Apply(before(in, n), n)
	}
}

func (p *PostTrainer) calibrate(bn *BatchNorm, pre prefixFunc) (*lightforker.Affine, error) {
	if bn.Scalers.Vector.Len() != bn.InputCount || bn.Biases.Vector.Len() != bn.InputCount {
		return nil, &lightforker.ConfigurationMismatch{
			Component: "batch norm",
			Field:     "parameter count",
			Expected:  bn.InputCount,
			Actual:    [2]int{bn.Scalers.Vector.Len(), bn.Biases.Vector.Len()},
		}
	}
	mean, stddev, err := p.moments(bn, pre)
	if err != nil {
		return nil, err
	}
	scalers := bn.Scalers.Vector.Copy()
	scalers.Div(stddev)
	biases := bn.Biases.Vector.Copy()
	mean.Mul(scalers)
	biases.Sub(mean)
	return lightforker.NewChannelAffine(scalers, biases)
}

// moments computes the per-channel mean and standard
// deviation of the inputs to b over every sample.
func (p *PostTrainer) moments(b *BatchNorm, pre prefixFunc) (mean,
	stddev anyvec.Vector, err error) {
	var sum, sqSum anyvec.Vector
	var count int
	for i := 0; i < p.Samples.Len(); i += p.BatchSize {
		end := i + p.BatchSize
		if end > p.Samples.Len() {
			end = p.Samples.Len()
		}
		batch, err := p.Fetcher.Fetch(p.Samples.Slice(i, end))
		if err != nil {
			return nil, nil, err
		}
		ib, ok := batch.(InputBatch)
		if !ok {
			return nil, nil, fmt.Errorf("post-train: unsupported batch type %T", batch)
		}
		in, n := ib.Input()
		out := pre(in, n).Output()
		if out.Len()%(n*b.InputCount) != 0 {
			return nil, nil, &lightforker.ConfigurationMismatch{
				Component: "batch norm",
				Field:     "channel count",
				Expected:  fmt.Sprintf("a divisor of %d", out.Len()/n),
				Actual:    b.InputCount,
			}
		}

		count += out.Len() / b.InputCount
		thisSum := anyvec.SumRows(out, b.InputCount)
		sq := out.Copy()
		sq.Mul(out)
		thisSqSum := anyvec.SumRows(sq, b.InputCount)
		if sum == nil {
			sum, sqSum = thisSum, thisSqSum
		} else {
			sum.Add(thisSum)
			sqSum.Add(thisSqSum)
		}
	}
	if sum == nil {
		return nil, nil, errors.New("post-train: no samples")
	}

	norm := sum.Creator().MakeNumeric(1 / float64(count))
	sum.Scale(norm)
	sqSum.Scale(norm)
	meanSq := sum.Copy()
	meanSq.Mul(sum)
	sqSum.Sub(meanSq)
	sqSum.AddScalar(sqSum.Creator().MakeNumeric(b.stabilizer()))
	anyvec.Pow(sqSum, sqSum.Creator().MakeNumeric(0.5))
	return sum, sqSum, nil
}
