package conv

import (
	"errors"
	"fmt"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/convmarkup"
	"github.com/unixpickle/essentials"
)

// FromMarkup realizes a network described in convmarkup
// text.
//
// It returns the layers, flattened into a single Net,
// along with the dimensions of the network's input (the
// leading Input block) and output.
func FromMarkup(c anyvec.Creator, code string) (lightforker.Net, convmarkup.Dims,
	convmarkup.Dims, error) {
	var none convmarkup.Dims
	parsed, err := convmarkup.Parse(code)
	if err != nil {
		return nil, none, none, essentials.AddCtx("parse markup", err)
	}
	block, err := parsed.Block(convmarkup.Dims{}, convmarkup.DefaultCreators())
	if err != nil {
		return nil, none, none, essentials.AddCtx("make markup block", err)
	}
	root, ok := block.(*convmarkup.Root)
	if !ok || len(root.Children) == 0 {
		return nil, none, none, errors.New("make markup block: no input block")
	}
	chain := convmarkup.RealizerChain{convmarkup.MetaRealizer{}, Realizer(c)}
	instance, _, err := chain.Realize(convmarkup.Dims{}, block)
	if err != nil {
		return nil, none, none, essentials.AddCtx("realize markup block", err)
	}
	net, ok := instance.(lightforker.Net)
	if !ok {
		return nil, none, none, fmt.Errorf("realize markup block: not a Net: %T", instance)
	}
	return net, root.Children[0].OutDims(), root.OutDims(), nil
}

// Realizer creates a convmarkup.Realizer for the layers in
// this package and the root package.
// It is meant to follow a convmarkup.MetaRealizer in a
// convmarkup.RealizerChain.
//
// Supported blocks are Conv, Residual, FC and the
// activations BatchNorm, ReLU, Sigmoid and Tanh.
func Realizer(c anyvec.Creator) convmarkup.Realizer {
	return &realizer{creator: c}
}

type realizer struct {
	creator anyvec.Creator
}

func (r *realizer) Realize(chain convmarkup.RealizerChain, inDims convmarkup.Dims,
	b convmarkup.Block) (interface{}, error) {
	switch b := b.(type) {
	case *convmarkup.Root:
		return r.net(chain, inDims, b.Children)
	case *convmarkup.Conv:
		return r.conv(inDims, b), nil
	case *convmarkup.Residual:
		return r.residual(chain, inDims, b)
	case *convmarkup.FC:
		return lightforker.NewFC(r.creator, inDims.Volume(), b.OutCount), nil
	case *convmarkup.Activation:
		return r.activation(inDims, b)
	default:
		return nil, convmarkup.ErrUnsupportedBlock
	}
}

func (r *realizer) net(chain convmarkup.RealizerChain, inDims convmarkup.Dims,
	blocks []convmarkup.Block) (lightforker.Net, error) {
	var res lightforker.Net
	for _, b := range blocks {
		if rep, ok := b.(*convmarkup.Repeat); ok {
			for i := 0; i < rep.N; i++ {
				sub, err := r.net(chain, inDims, rep.Children)
				if err != nil {
					return nil, err
				}
				res = append(res, sub...)
			}
			inDims = rep.OutDims()
			continue
		}
		obj, _, err := chain.Realize(inDims, b)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			layer, ok := obj.(lightforker.Layer)
			if !ok {
				return nil, fmt.Errorf("not a Layer: %T", obj)
			}
			res = append(res, layer)
		}
		inDims = b.OutDims()
	}
	return res, nil
}

func (r *realizer) conv(d convmarkup.Dims, b *convmarkup.Conv) *Conv {
	res := &Conv{
		FilterWidth:  b.FilterWidth,
		FilterHeight: b.FilterHeight,
		FilterCount:  b.FilterCount,
		StrideX:      b.StrideX,
		StrideY:      b.StrideY,
		InputWidth:   d.Width,
		InputHeight:  d.Height,
		InputDepth:   d.Depth,
	}
	res.InitRand(r.creator)
	return res
}

func (r *realizer) residual(chain convmarkup.RealizerChain, d convmarkup.Dims,
	b *convmarkup.Residual) (*Residual, error) {
	main, err := r.net(chain, d, b.Residual)
	if err != nil {
		return nil, err
	}
	res := &Residual{Layer: main}
	if len(b.Projection) != 0 {
		proj, err := r.net(chain, d, b.Projection)
		if err != nil {
			return nil, err
		}
		res.Projection = proj
	}
	return res, nil
}

func (r *realizer) activation(d convmarkup.Dims, b *convmarkup.Activation) (lightforker.Layer, error) {
	switch b.Name {
	case "BatchNorm":
		return NewBatchNorm(r.creator, d.Depth), nil
	case "ReLU":
		return lightforker.ReLU, nil
	case "Sigmoid":
		return lightforker.Sigmoid, nil
	case "Tanh":
		return lightforker.Tanh, nil
	default:
		return nil, fmt.Errorf("unknown activation: %s", b.Name)
	}
}
