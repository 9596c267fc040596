package conv

import (
	"math"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func testConv(c anyvec.Creator) *Conv {
	layer := &Conv{
		FilterCount:  4,
		FilterWidth:  3,
		FilterHeight: 2,
		StrideX:      1,
		StrideY:      2,
		InputWidth:   10,
		InputHeight:  9,
		InputDepth:   2,
	}
	layer.InitRand(c)
	anyvec.Rand(layer.Biases.Vector, anyvec.Normal, nil)
	return layer
}

func TestConvSerialize(t *testing.T) {
	layer := testConv(anyvec32.DefaultCreator{})
	data, err := serializer.SerializeAny(layer)
	if err != nil {
		t.Fatal(err)
	}
	var newLayer *Conv
	if err := serializer.DeserializeAny(data, &newLayer); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(newLayer, layer) {
		t.Fatal("layers differ")
	}
}

func TestConvOutput(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		layer := testConv(anyvec32.DefaultCreator{})
		layer.Parallel = parallel
		img := anyvec32.MakeVector(10 * 9 * 2 * 3)
		anyvec.Rand(img, anyvec.Normal, nil)

		data := img.Data().([]float32)
		var expected []float32
		for i := 0; i < 3; i++ {
			expected = append(expected, naiveConv(layer, data[i*10*9*2:(i+1)*10*9*2])...)
		}
		actual := layer.Apply(anydiff.NewConst(img), 3).Output().Data().([]float32)

		if len(actual) != len(expected) {
			t.Fatalf("expected length %d but got %d", len(expected), len(actual))
		}
		for i, x := range expected {
			if math.Abs(float64(x-actual[i])) > 1e-3 {
				t.Errorf("parallel=%v: output %d should be %f but got %f", parallel, i,
					x, actual[i])
				break
			}
		}
	}
}

func TestConvProp(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		layer := &Conv{
			FilterCount:  3,
			FilterWidth:  2,
			FilterHeight: 2,
			StrideX:      1,
			StrideY:      2,
			InputWidth:   5,
			InputHeight:  4,
			InputDepth:   2,
			Parallel:     parallel,
		}
		layer.InitRand(anyvec64.DefaultCreator{})
		img := anydiff.NewVar(anyvec64.MakeVector(5 * 4 * 2 * 2))
		anyvec.Rand(img.Vector, anyvec.Normal, nil)
		checker := &anydifftest.ResChecker{
			F: func() anydiff.Res {
				return layer.Apply(img, 2)
			},
			V: []*anydiff.Var{img, layer.Filters, layer.Biases},
		}
		checker.FullCheck(t)
	}
}

func TestConvOutputSize(t *testing.T) {
	layer := NewConv(anyvec32.DefaultCreator{}, 960, 512, 3, 4, 8, 4)
	if layer.OutputWidth() != 240 || layer.OutputHeight() != 128 || layer.OutputDepth() != 8 {
		t.Errorf("unexpected output size %dx%dx%d", layer.OutputWidth(),
			layer.OutputHeight(), layer.OutputDepth())
	}
	small := NewConv(anyvec32.DefaultCreator{}, 2, 2, 1, 3, 1, 1)
	if small.OutputWidth() != 0 || small.OutputHeight() != 0 {
		t.Error("window larger than input should produce no positions")
	}
}

func naiveConv(c *Conv, img []float32) []float32 {
	filters := c.Filters.Vector.Data().([]float32)
	biases := c.Biases.Vector.Data().([]float32)
	var res []float32
	for y := 0; y+c.FilterHeight <= c.InputHeight; y += c.StrideY {
		for x := 0; x+c.FilterWidth <= c.InputWidth; x += c.StrideX {
			for f := 0; f < c.FilterCount; f++ {
				filter := filters[f*c.FilterWidth*c.FilterHeight*c.InputDepth:]
				sum := biases[f]
				for fy := 0; fy < c.FilterHeight; fy++ {
					for fx := 0; fx < c.FilterWidth; fx++ {
						for z := 0; z < c.InputDepth; z++ {
							fIdx := (fy*c.FilterWidth+fx)*c.InputDepth + z
							iIdx := ((y+fy)*c.InputWidth+x+fx)*c.InputDepth + z
							sum += filter[fIdx] * img[iIdx]
						}
					}
				}
				res = append(res, sum)
			}
		}
	}
	return res
}
