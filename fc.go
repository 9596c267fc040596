package lightforker

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f FC
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFC)
}

// FC is a fully-connected layer.
//
// The weight matrix is stored row-major with one row per
// output, so an FC maps batch×InCount to batch×OutCount.
type FC struct {
	InCount  int
	OutCount int
	Weights  *anydiff.Var
	Biases   *anydiff.Var
}

// DeserializeFC deserializes an FC.
// The input count is recovered from the matrix size.
func DeserializeFC(d []byte) (*FC, error) {
	var w, b *anyvecsave.S
	if err := serializer.DeserializeAny(d, &w, &b); err != nil {
		return nil, essentials.AddCtx("deserialize FC", err)
	}
	out := b.Vector.Len()
	if out == 0 || w.Vector.Len()%out != 0 {
		return nil, fmt.Errorf("deserialize FC: %d weights do not fit %d outputs",
			w.Vector.Len(), out)
	}
	return &FC{
		InCount:  w.Vector.Len() / out,
		OutCount: out,
		Weights:  anydiff.NewVar(w.Vector),
		Biases:   anydiff.NewVar(b.Vector),
	}, nil
}

// NewFC creates a randomized FC whose outputs have unit
// variance for unit-variance inputs.
func NewFC(c anyvec.Creator, in, out int) *FC {
	return newFCGain(c, in, out, 1)
}

// NewFCReLU is like NewFC, but with He initialization for
// layers followed by a ReLU.
func NewFCReLU(c anyvec.Creator, in, out int) *FC {
	return newFCGain(c, in, out, 2)
}

// NewFCZero creates an FC with zero weights and biases.
// The aggregator heads start this way, so that every
// sampling point is initially weighted equally.
func NewFCZero(c anyvec.Creator, in, out int) *FC {
	return &FC{
		InCount:  in,
		OutCount: out,
		Weights:  anydiff.NewVar(c.MakeVector(in * out)),
		Biases:   anydiff.NewVar(c.MakeVector(out)),
	}
}

func newFCGain(c anyvec.Creator, in, out int, gain float64) *FC {
	res := NewFCZero(c, in, out)
	anyvec.Rand(res.Weights.Vector, anyvec.Normal, nil)
	res.Weights.Vector.Scale(c.MakeNumeric(math.Sqrt(gain / float64(in))))
	return res
}

// Apply maps a batch of inputs to a batch of outputs.
func (f *FC) Apply(in anydiff.Res, batch int) anydiff.Res {
	if n := in.Output().Len(); n != batch*f.InCount {
		panic(fmt.Sprintf("FC expects %d inputs per sample (batch %d) but got %d in total",
			f.InCount, batch, n))
	}
	product := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: in, Rows: batch, Cols: f.InCount},
		&anydiff.Matrix{Data: f.Weights, Rows: f.OutCount, Cols: f.InCount})
	return anydiff.AddRepeated(product.Data, f.Biases)
}

// Parameters returns a slice containing the weights
// and the biases, in that order.
func (f *FC) Parameters() []*anydiff.Var {
	return []*anydiff.Var{f.Weights, f.Biases}
}

// SerializerType returns the unique ID used to serialize
// an FC with the serializer package.
func (f *FC) SerializerType() string {
	return "github.com/gordonliu0/LightForker.FC"
}

// Serialize serializes the weights and then the biases.
func (f *FC) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: f.Weights.Vector},
		&anyvecsave.S{Vector: f.Biases.Vector},
	)
}
