package lightforker

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var a Affine
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeAffine)
}

// Affine is a frozen per-channel transform of depth-minor
// tensors. Channel c of every pixel becomes
//
//     Scalers[c]*x + Biases[c]
//
// Calibrated BatchNorm layers are stored this way, so a
// sample's output does not depend on the rest of its batch.
type Affine struct {
	Scalers *anydiff.Var
	Biases  *anydiff.Var
}

// NewChannelAffine creates an Affine for len(scalers)
// channels.
// It fails if there is not exactly one bias per scaler.
func NewChannelAffine(scalers, biases anyvec.Vector) (*Affine, error) {
	if scalers.Len() == 0 || scalers.Len() != biases.Len() {
		return nil, &ConfigurationMismatch{
			Component: "affine",
			Field:     "bias count",
			Expected:  scalers.Len(),
			Actual:    biases.Len(),
		}
	}
	return &Affine{Scalers: anydiff.NewVar(scalers), Biases: anydiff.NewVar(biases)}, nil
}

// DeserializeAffine deserializes an Affine layer.
func DeserializeAffine(d []byte) (*Affine, error) {
	var scalers, biases *anyvecsave.S
	if err := serializer.DeserializeAny(d, &scalers, &biases); err != nil {
		return nil, essentials.AddCtx("deserialize Affine", err)
	}
	res, err := NewChannelAffine(scalers.Vector, biases.Vector)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Affine", err)
	}
	return res, nil
}

// Channels returns the number of channels.
func (a *Affine) Channels() int {
	return a.Scalers.Vector.Len()
}

// Apply transforms n tensors whose depth is Channels().
func (a *Affine) Apply(in anydiff.Res, n int) anydiff.Res {
	total := in.Output().Len()
	if total%n != 0 || (total/n)%a.Channels() != 0 {
		panic(fmt.Sprintf("%d inputs do not split into %d tensors of depth %d", total, n,
			a.Channels()))
	}
	return anydiff.ScaleAddRepeated(in, a.Scalers, a.Biases)
}

// Parameters returns the scalers and then the biases.
func (a *Affine) Parameters() []*anydiff.Var {
	return []*anydiff.Var{a.Scalers, a.Biases}
}

// SerializerType returns the unique ID used to serialize
// an Affine with the serializer package.
func (a *Affine) SerializerType() string {
	return "github.com/gordonliu0/LightForker.Affine"
}

// Serialize serializes the layer.
func (a *Affine) Serialize() ([]byte, error) {
	scalers := &anyvecsave.S{Vector: a.Scalers.Vector}
	biases := &anyvecsave.S{Vector: a.Biases.Vector}
	return serializer.SerializeAny(scalers, biases)
}
