package sgd

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// ClipNorm rescales gradients whose L2 norm over all
// variables exceeds Max.
type ClipNorm struct {
	Max float64
}

// Transform clips the gradient in place.
func (c *ClipNorm) Transform(g anydiff.Grad) anydiff.Grad {
	norm := GradNorm(g)
	if norm > c.Max && norm > 0 {
		for _, v := range g {
			g.Scale(v.Creator().MakeNumeric(c.Max / norm))
			break
		}
	}
	return g
}

// A Chain applies Transformers in order.
type Chain []Transformer

// Transform applies every Transformer in the chain.
func (c Chain) Transform(g anydiff.Grad) anydiff.Grad {
	for _, t := range c {
		g = t.Transform(g)
	}
	return g
}

// GradNorm computes the L2 norm of a gradient.
func GradNorm(g anydiff.Grad) float64 {
	var sum float64
	for _, v := range g {
		sq := v.Copy()
		sq.Mul(v)
		sum += numericFloat(anyvec.Sum(sq))
	}
	return math.Sqrt(sum)
}

func numericFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		panic("unsupported numeric type")
	}
}
