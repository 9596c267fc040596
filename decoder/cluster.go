// Package decoder turns branch representations into class
// probabilities by scoring them against a bank of learned
// cluster prototypes.
package decoder

import (
	"fmt"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var c ClusterDecoder
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeClusterDecoder)
}

// ClusterDecoder maps a representation to a distribution
// over NumClasses classes.
//
// Every prototype belongs to exactly one class: prototype
// i belongs to class i/(NumPrototypes/NumClasses). A
// class's logit is the log-sum-exp of its prototypes'
// scores, so several prototypes can cover different looks
// of one class.
type ClusterDecoder struct {
	InSize        int
	NumPrototypes int
	NumClasses    int

	// Prototypes is a NumPrototypes×InSize matrix.
	Prototypes *anydiff.Var

	// LogTemp is the log of the factor applied to the
	// mean squared distances.
	LogTemp *anydiff.Var

	// Margin is subtracted from the true class's logit
	// when a label is given.
	Margin float64
}

// NewClusterDecoder creates a decoder with numProtos
// randomly initialized prototypes of size inSize.
//
// It fails with a *lightforker.ConfigurationMismatch if
// the prototypes cannot be split evenly among the classes.
func NewClusterDecoder(c anyvec.Creator, inSize, numProtos, numClasses int,
	margin float64) (*ClusterDecoder, error) {
	if numClasses <= 0 || numProtos <= 0 || numProtos%numClasses != 0 {
		return nil, &lightforker.ConfigurationMismatch{
			Component: "cluster decoder",
			Field:     "n",
			Expected:  fmt.Sprintf("a positive multiple of out_class_num (%d)", numClasses),
			Actual:    numProtos,
		}
	}
	protos := c.MakeVector(numProtos * inSize)
	anyvec.Rand(protos, anyvec.Normal, nil)
	return &ClusterDecoder{
		InSize:        inSize,
		NumPrototypes: numProtos,
		NumClasses:    numClasses,
		Prototypes:    anydiff.NewVar(protos),
		LogTemp:       anydiff.NewVar(c.MakeVector(1)),
		Margin:        margin,
	}, nil
}

// DeserializeClusterDecoder deserializes a ClusterDecoder.
func DeserializeClusterDecoder(d []byte) (*ClusterDecoder, error) {
	var inSize, numProtos, numClasses serializer.Int
	var margin serializer.Float64
	var protos, logTemp *anyvecsave.S
	err := serializer.DeserializeAny(d, &inSize, &numProtos, &numClasses, &margin, &protos,
		&logTemp)
	if err != nil {
		return nil, essentials.AddCtx("deserialize ClusterDecoder", err)
	}
	if protos.Vector.Len() != int(inSize*numProtos) || logTemp.Vector.Len() != 1 {
		return nil, fmt.Errorf("deserialize ClusterDecoder: bad parameter sizes")
	}
	return &ClusterDecoder{
		InSize:        int(inSize),
		NumPrototypes: int(numProtos),
		NumClasses:    int(numClasses),
		Prototypes:    anydiff.NewVar(protos.Vector),
		LogTemp:       anydiff.NewVar(logTemp.Vector),
		Margin:        float64(margin),
	}, nil
}

// Apply computes the class probabilities for a batch of n
// representations.
//
// The label holds n distributions over the classes. It
// must be nil at inference time; otherwise the margin is
// taken off the arg-max class of every label.
func (c *ClusterDecoder) Apply(rep anydiff.Res, label anyvec.Vector, n int) anydiff.Res {
	return anydiff.Exp(anydiff.LogSoftmax(c.Logits(rep, label, n), c.NumClasses))
}

// Logits computes the unnormalized class logits for a
// batch, including the label margin if a label is given.
func (c *ClusterDecoder) Logits(rep anydiff.Res, label anyvec.Vector, n int) anydiff.Res {
	if rep.Output().Len() != n*c.InSize {
		panic(fmt.Sprintf("representation size should be %d but got %d", n*c.InSize,
			rep.Output().Len()))
	}
	logits := c.classLogits(c.Scores(rep, n), n)
	if label == nil || c.Margin == 0 {
		return logits
	}
	if label.Len() != n*c.NumClasses {
		panic(fmt.Sprintf("label size should be %d but got %d", n*c.NumClasses, label.Len()))
	}
	margins := make([]float64, n*c.NumClasses)
	for i, class := range ArgMax(label, c.NumClasses) {
		margins[i*c.NumClasses+class] = c.Margin
	}
	cr := rep.Output().Creator()
	return anydiff.Sub(logits, anydiff.NewConst(cr.MakeVectorData(cr.MakeNumericList(margins))))
}

// Scores computes the n×NumPrototypes matrix of
// prototype scores
//
//     -exp(LogTemp) * ||r - p||^2 / InSize
//
// using ||r||^2 - 2r·p + ||p||^2.
func (c *ClusterDecoder) Scores(rep anydiff.Res, n int) anydiff.Res {
	cr := rep.Output().Creator()
	repMat := &anydiff.Matrix{Data: rep, Rows: n, Cols: c.InSize}
	protoMat := &anydiff.Matrix{Data: c.Prototypes, Rows: c.NumPrototypes, Cols: c.InSize}

	dots := anydiff.MatMul(false, true, repMat, protoMat).Data
	repNorms := anydiff.SumCols(&anydiff.Matrix{Data: anydiff.Square(rep), Rows: n,
		Cols: c.InSize})
	protoNorms := anydiff.SumCols(&anydiff.Matrix{Data: anydiff.Square(c.Prototypes),
		Rows: c.NumPrototypes, Cols: c.InSize})

	ones := cr.MakeVector(c.NumPrototypes)
	ones.AddScalar(cr.MakeNumeric(1))
	repNormMat := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: repNorms, Rows: n, Cols: 1},
		&anydiff.Matrix{Data: anydiff.NewConst(ones), Rows: 1, Cols: c.NumPrototypes},
	).Data

	sqDists := anydiff.AddRepeated(
		anydiff.Sub(repNormMat, anydiff.Scale(dots, cr.MakeNumeric(2))),
		protoNorms,
	)
	scale := anydiff.Scale(anydiff.Exp(c.LogTemp), cr.MakeNumeric(-1/float64(c.InSize)))
	return anydiff.ScaleRepeated(sqDists, scale)
}

// classLogits pools the scores of every class's contiguous
// block of prototypes with log-sum-exp.
//
// For a block s, s - LogSoftmax(s) holds the block's
// log-sum-exp in every entry; averaging the block with an
// assignment matrix selects it.
func (c *ClusterDecoder) classLogits(scores anydiff.Res, n int) anydiff.Res {
	cr := scores.Output().Creator()
	perClass := c.NumPrototypes / c.NumClasses
	lse := anydiff.Sub(scores, anydiff.LogSoftmax(scores, perClass))

	assign := make([]float64, c.NumPrototypes*c.NumClasses)
	for i := 0; i < c.NumPrototypes; i++ {
		assign[i*c.NumClasses+i/perClass] = 1 / float64(perClass)
	}
	assignMat := &anydiff.Matrix{
		Data: anydiff.NewConst(cr.MakeVectorData(cr.MakeNumericList(assign))),
		Rows: c.NumPrototypes,
		Cols: c.NumClasses,
	}
	lseMat := &anydiff.Matrix{Data: lse, Rows: n, Cols: c.NumPrototypes}
	return anydiff.MatMul(false, false, lseMat, assignMat).Data
}

// Parameters returns the prototypes and the
// log-temperature.
func (c *ClusterDecoder) Parameters() []*anydiff.Var {
	return []*anydiff.Var{c.Prototypes, c.LogTemp}
}

// SerializerType returns the unique ID used to serialize
// a ClusterDecoder with the serializer package.
func (c *ClusterDecoder) SerializerType() string {
	return "github.com/gordonliu0/LightForker/decoder.ClusterDecoder"
}

// Serialize serializes the decoder.
func (c *ClusterDecoder) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(c.InSize),
		serializer.Int(c.NumPrototypes),
		serializer.Int(c.NumClasses),
		serializer.Float64(c.Margin),
		&anyvecsave.S{Vector: c.Prototypes.Vector},
		&anyvecsave.S{Vector: c.LogTemp.Vector},
	)
}

// ArgMax returns the index of the largest entry of every
// size-chunk of v.
// Ties go to the lowest index.
func ArgMax(v anyvec.Vector, size int) []int {
	data := floats(v)
	res := make([]int, len(data)/size)
	for i := range res {
		chunk := data[i*size : (i+1)*size]
		for j, x := range chunk {
			if x > chunk[res[i]] {
				res[i] = j
			}
		}
	}
	return res
}

func floats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported numeric list: %T", data))
	}
}
