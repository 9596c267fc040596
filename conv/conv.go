// Package conv implements the convolutional front-end of
// the model: the frame feature extractor, the scale
// reducer that brings its output down to the embedding
// width, and the layers they are made of.
//
// All image tensors are row-major and depth-minor. A batch
// of tensors is their concatenation.
package conv

import (
	"errors"
	"math"
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var c Conv
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeConv)
}

// Conv is a convolutional layer without padding.
//
// Convolutions are computed by mapping every input tensor
// to a row matrix (see Im2Row) and multiplying it by the
// filter matrix.
type Conv struct {
	FilterCount  int
	FilterWidth  int
	FilterHeight int

	StrideX int
	StrideY int

	InputWidth  int
	InputHeight int
	InputDepth  int

	Filters *anydiff.Var
	Biases  *anydiff.Var

	// Parallel spreads the samples of a batch across
	// goroutines.
	// This speeds up small convolutions on a CPU.
	Parallel bool

	im2rowLock sync.Mutex
	im2row     *Im2Row
}

// NewConv creates a randomized Conv.
func NewConv(c anyvec.Creator, inW, inH, inD, filterSize, filterCount, stride int) *Conv {
	res := &Conv{
		FilterCount:  filterCount,
		FilterWidth:  filterSize,
		FilterHeight: filterSize,
		StrideX:      stride,
		StrideY:      stride,
		InputWidth:   inW,
		InputHeight:  inH,
		InputDepth:   inD,
	}
	res.InitRand(c)
	return res
}

// DeserializeConv deserializes a Conv.
func DeserializeConv(d []byte) (*Conv, error) {
	var inW, inH, inD, fW, fH, sX, sY serializer.Int
	var f, b *anyvecsave.S
	err := serializer.DeserializeAny(d, &inW, &inH, &inD, &fW, &fH, &sX, &sY, &f, &b)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Conv", err)
	}
	if fW*fH*inD == 0 || f.Vector.Len()%int(fW*fH*inD) != 0 {
		return nil, errors.New("deserialize Conv: invalid filter dimensions")
	}
	return &Conv{
		FilterCount:  f.Vector.Len() / int(fW*fH*inD),
		FilterWidth:  int(fW),
		FilterHeight: int(fH),
		StrideX:      int(sX),
		StrideY:      int(sY),

		InputWidth:  int(inW),
		InputHeight: int(inH),
		InputDepth:  int(inD),

		Filters: anydiff.NewVar(f.Vector),
		Biases:  anydiff.NewVar(b.Vector),
	}, nil
}

// InitRand randomizes the filters with He initialization
// and zeros the biases.
func (c *Conv) InitRand(cr anyvec.Creator) {
	c.InitZero(cr)
	fanIn := float64(c.FilterWidth * c.FilterHeight * c.InputDepth)
	anyvec.Rand(c.Filters.Vector, anyvec.Normal, nil)
	c.Filters.Vector.Scale(cr.MakeNumeric(math.Sqrt(2 / fanIn)))
}

// InitZero allocates zero filters and biases.
func (c *Conv) InitZero(cr anyvec.Creator) {
	filterSize := c.FilterWidth * c.FilterHeight * c.InputDepth
	c.Filters = anydiff.NewVar(cr.MakeVector(filterSize * c.FilterCount))
	c.Biases = anydiff.NewVar(cr.MakeVector(c.FilterCount))
}

// OutputWidth returns the width of the output tensor.
func (c *Conv) OutputWidth() int {
	return numPositions(c.InputWidth, c.FilterWidth, c.StrideX)
}

// OutputHeight returns the height of the output tensor.
func (c *Conv) OutputHeight() int {
	return numPositions(c.InputHeight, c.FilterHeight, c.StrideY)
}

// OutputDepth returns the depth of the output tensor.
func (c *Conv) OutputDepth() int {
	return c.FilterCount
}

// Apply applies the layer to a batch of input tensors.
//
// The layer must have been initialized, and its fields
// should not be modified afterwards.
func (c *Conv) Apply(in anydiff.Res, batchSize int) anydiff.Res {
	cr := in.Output().Creator()
	if c.OutputWidth() == 0 || c.OutputHeight() == 0 {
		return anydiff.NewConst(cr.MakeVector(0))
	}
	if in.Output().Len() != batchSize*c.InputWidth*c.InputHeight*c.InputDepth {
		panic("incorrect input size")
	}

	filterMat := c.filterMatrix()
	outSize := c.OutputWidth() * c.OutputHeight() * c.OutputDepth()
	outputs := make([]anyvec.Vector, batchSize)
	c.getIm2Row().Map(in.Output(), c.Parallel, func(i int, img *anyvec.Matrix) {
		prod := &anyvec.Matrix{
			Data: cr.MakeVector(outSize),
			Rows: c.OutputWidth() * c.OutputHeight(),
			Cols: c.OutputDepth(),
		}
		prod.Product(false, true, cr.MakeNumeric(1), img, filterMat, cr.MakeNumeric(0))
		outputs[i] = prod.Data
	})
	out := cr.Concat(outputs...)
	anyvec.AddRepeated(out, c.Biases.Vector)

	ourVars := anydiff.VarSet{}
	ourVars.Add(c.Filters)
	ourVars.Add(c.Biases)
	return &convRes{
		Layer:  c,
		N:      batchSize,
		In:     in,
		OutVec: out,
		V:      anydiff.MergeVarSets(in.Vars(), ourVars),
	}
}

// Parameters returns the filters and the biases, in that
// order.
// The result is nil for an uninitialized layer.
func (c *Conv) Parameters() []*anydiff.Var {
	if c.Filters == nil || c.Biases == nil {
		return nil
	}
	return []*anydiff.Var{c.Filters, c.Biases}
}

// SerializerType returns the unique ID used to serialize
// a Conv with the serializer package.
func (c *Conv) SerializerType() string {
	return "github.com/gordonliu0/LightForker/conv.Conv"
}

// Serialize serializes the layer.
//
// If the layer was not yet initialized, this fails.
func (c *Conv) Serialize() ([]byte, error) {
	if c.Filters == nil || c.Biases == nil {
		return nil, errors.New("cannot serialize uninitialized Conv")
	}
	return serializer.SerializeAny(
		serializer.Int(c.InputWidth),
		serializer.Int(c.InputHeight),
		serializer.Int(c.InputDepth),
		serializer.Int(c.FilterWidth),
		serializer.Int(c.FilterHeight),
		serializer.Int(c.StrideX),
		serializer.Int(c.StrideY),
		&anyvecsave.S{Vector: c.Filters.Vector},
		&anyvecsave.S{Vector: c.Biases.Vector},
	)
}

func (c *Conv) getIm2Row() *Im2Row {
	c.im2rowLock.Lock()
	defer c.im2rowLock.Unlock()
	if c.im2row == nil {
		c.im2row = &Im2Row{
			WindowWidth:  c.FilterWidth,
			WindowHeight: c.FilterHeight,
			StrideX:      c.StrideX,
			StrideY:      c.StrideY,
			InputWidth:   c.InputWidth,
			InputHeight:  c.InputHeight,
			InputDepth:   c.InputDepth,
		}
	}
	return c.im2row
}

func (c *Conv) filterMatrix() *anyvec.Matrix {
	return &anyvec.Matrix{
		Data: c.Filters.Vector,
		Rows: c.FilterCount,
		Cols: c.FilterWidth * c.FilterHeight * c.InputDepth,
	}
}

type convRes struct {
	Layer  *Conv
	N      int
	In     anydiff.Res
	OutVec anyvec.Vector
	V      anydiff.VarSet
}

func (c *convRes) Output() anyvec.Vector {
	return c.OutVec
}

func (c *convRes) Vars() anydiff.VarSet {
	return c.V
}

func (c *convRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	cr := u.Creator()
	layer := c.Layer
	doIn := g.Intersects(c.In.Vars())
	filterGrad, doFilters := g[layer.Filters]

	if biasGrad, ok := g[layer.Biases]; ok {
		biasGrad.Add(anyvec.SumRows(u, layer.OutputDepth()))
	}
	if !doIn && !doFilters {
		return
	}

	outSize := u.Len() / c.N
	inSize := c.In.Output().Len() / c.N
	filterMat := layer.filterMatrix()
	one, zero := cr.MakeNumeric(1), cr.MakeNumeric(0)
	im2row := layer.getIm2Row()

	inputUpstreams := make([]anyvec.Vector, c.N)
	var filterLock sync.Mutex
	step := func(i int, img *anyvec.Matrix) {
		uMat := &anyvec.Matrix{
			Data: u.Slice(outSize*i, outSize*(i+1)),
			Rows: layer.OutputWidth() * layer.OutputHeight(),
			Cols: layer.OutputDepth(),
		}
		if doFilters {
			fg := *filterMat
			fg.Data = cr.MakeVector(filterGrad.Len())
			fg.Product(true, false, one, uMat, img, zero)
			filterLock.Lock()
			filterGrad.Add(fg.Data)
			filterLock.Unlock()
		}
		if doIn {
			img.Product(false, false, one, uMat, filterMat, zero)
			inUp := cr.MakeVector(inSize)
			im2row.Mapper(cr).MapTranspose(img.Data, inUp)
			inputUpstreams[i] = inUp
		}
	}
	if doFilters {
		im2row.Map(c.In.Output(), layer.Parallel, step)
	} else {
		im2row.Call(cr, c.N, layer.Parallel, step)
	}

	if doIn {
		c.In.Propagate(cr.Concat(inputUpstreams...), g)
	}
}
