package conv

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const defaultBNStabilizer = 1e-5

func init() {
	var b BatchNorm
	serializer.RegisterTypedDeserializer(b.SerializerType(), DeserializeBatchNorm)
}

// BatchNorm normalizes every channel of a depth-minor
// batch using the statistics of the batch itself, then
// applies a learned per-channel affine transform.
//
// Once training is over, a PostTrainer replaces BatchNorm
// layers with fixed lightforker.Affine layers, so that a
// sample's output no longer depends on its batch.
type BatchNorm struct {
	// InputCount is the number of channels.
	InputCount int

	Scalers *anydiff.Var
	Biases  *anydiff.Var

	// Stabilizer is added to the variances.
	// If it is 0, a default is used.
	Stabilizer float64
}

// DeserializeBatchNorm deserializes a BatchNorm.
func DeserializeBatchNorm(d []byte) (*BatchNorm, error) {
	var s, b *anyvecsave.S
	var stab serializer.Float64
	if err := serializer.DeserializeAny(d, &s, &b, &stab); err != nil {
		return nil, essentials.AddCtx("deserialize BatchNorm", err)
	}
	return &BatchNorm{
		InputCount: s.Vector.Len(),
		Scalers:    anydiff.NewVar(s.Vector),
		Biases:     anydiff.NewVar(b.Vector),
		Stabilizer: float64(stab),
	}, nil
}

// NewBatchNorm creates an identity-initialized BatchNorm
// with the given number of channels.
func NewBatchNorm(c anyvec.Creator, inCount int) *BatchNorm {
	scalers := c.MakeVector(inCount)
	scalers.AddScalar(c.MakeNumeric(1))
	return &BatchNorm{
		InputCount: inCount,
		Scalers:    anydiff.NewVar(scalers),
		Biases:     anydiff.NewVar(c.MakeVector(inCount)),
	}
}

// Apply normalizes the batch.
func (b *BatchNorm) Apply(in anydiff.Res, batch int) anydiff.Res {
	if in.Output().Len()%b.InputCount != 0 {
		panic("invalid input size")
	}
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		c := in.Output().Creator()

		negMean := negColumnMean(in, b.InputCount)
		variance := anydiff.Sub(columnMeanSquare(in, b.InputCount), anydiff.Square(negMean))
		variance = anydiff.AddScalar(variance, c.MakeNumeric(b.stabilizer()))
		invStd := anydiff.Pow(variance, c.MakeNumeric(-0.5))

		scale := anydiff.Mul(b.Scalers, invStd)
		return anydiff.Pool(scale, func(scale anydiff.Res) anydiff.Res {
			shift := anydiff.Add(b.Biases, anydiff.Mul(negMean, scale))
			return anydiff.ScaleAddRepeated(in, scale, shift)
		})
	})
}

// Parameters returns the scalers and the biases, in that
// order.
func (b *BatchNorm) Parameters() []*anydiff.Var {
	return []*anydiff.Var{b.Scalers, b.Biases}
}

// SerializerType returns the unique ID used to serialize
// a BatchNorm with the serializer package.
func (b *BatchNorm) SerializerType() string {
	return "github.com/gordonliu0/LightForker/conv.BatchNorm"
}

// Serialize serializes the layer.
func (b *BatchNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: b.Scalers.Vector},
		&anyvecsave.S{Vector: b.Biases.Vector},
		serializer.Float64(b.Stabilizer),
	)
}

func (b *BatchNorm) stabilizer() float64 {
	if b.Stabilizer == 0 {
		return defaultBNStabilizer
	}
	return b.Stabilizer
}
