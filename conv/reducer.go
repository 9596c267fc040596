package conv

import (
	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// reducerKernel is the spatial size of both reducer
// convolutions. Without padding, each one trims
// reducerKernel-1 pixels from every spatial side.
const reducerKernel = 3

func init() {
	var s ScaleReducer
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeScaleReducer)
}

// ScaleReducer projects extractor feature maps down to the
// embedding width:
//
//     Conv3x3(in→hidden) → BatchNorm → ReLU → Conv3x3(hidden→out) → BatchNorm
//
// The convolutions are unpadded with stride 1.
type ScaleReducer struct {
	InputWidth  int
	InputHeight int
	InputDepth  int

	Net lightforker.Net
}

// NewScaleReducer creates a randomized reducer for feature
// maps of the given size.
func NewScaleReducer(c anyvec.Creator, inW, inH, inD, hidden, out int) *ScaleReducer {
	first := NewConv(c, inW, inH, inD, reducerKernel, hidden, 1)
	second := NewConv(c, first.OutputWidth(), first.OutputHeight(), hidden,
		reducerKernel, out, 1)
	return &ScaleReducer{
		InputWidth:  inW,
		InputHeight: inH,
		InputDepth:  inD,
		Net: lightforker.Net{
			first,
			NewBatchNorm(c, hidden),
			lightforker.ReLU,
			second,
			NewBatchNorm(c, out),
		},
	}
}

// DeserializeScaleReducer deserializes a ScaleReducer.
func DeserializeScaleReducer(d []byte) (*ScaleReducer, error) {
	var w, h, depth serializer.Int
	var net lightforker.Net
	if err := serializer.DeserializeAny(d, &w, &h, &depth, &net); err != nil {
		return nil, essentials.AddCtx("deserialize ScaleReducer", err)
	}
	return &ScaleReducer{
		InputWidth:  int(w),
		InputHeight: int(h),
		InputDepth:  int(depth),
		Net:         net,
	}, nil
}

// Check verifies that feature maps of the given size can
// be fed to the reducer.
// The returned error is a *lightforker.ConfigurationMismatch.
func (s *ScaleReducer) Check(w, h, d int) error {
	if w != s.InputWidth || h != s.InputHeight || d != s.InputDepth {
		return &lightforker.ConfigurationMismatch{
			Component: "scale reducer",
			Field:     "input dimensions",
			Expected:  [3]int{s.InputWidth, s.InputHeight, s.InputDepth},
			Actual:    [3]int{w, h, d},
		}
	}
	if s.OutputWidth() <= 0 || s.OutputHeight() <= 0 {
		return &lightforker.ConfigurationMismatch{
			Component: "scale reducer",
			Field:     "input dimensions",
			Expected:  "at least 5x5",
			Actual:    [2]int{w, h},
		}
	}
	return nil
}

// OutputWidth returns the width of the reduced maps.
func (s *ScaleReducer) OutputWidth() int {
	return s.InputWidth - 2*(reducerKernel-1)
}

// OutputHeight returns the height of the reduced maps.
func (s *ScaleReducer) OutputHeight() int {
	return s.InputHeight - 2*(reducerKernel-1)
}

// OutputDepth returns the depth of the reduced maps.
func (s *ScaleReducer) OutputDepth() int {
	for i := len(s.Net) - 1; i >= 0; i-- {
		if c, ok := s.Net[i].(*Conv); ok {
			return c.OutputDepth()
		}
	}
	return s.InputDepth
}

// Apply reduces a batch of n feature maps.
func (s *ScaleReducer) Apply(in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*s.InputWidth*s.InputHeight*s.InputDepth {
		panic("incorrect input size")
	}
	return s.Net.Apply(in, n)
}

// SetParallel enables or disables batch parallelism in
// the convolutions.
func (s *ScaleReducer) SetParallel(p bool) {
	setParallel(s.Net, p)
}

// Parameters returns the parameters of every layer.
func (s *ScaleReducer) Parameters() []*anydiff.Var {
	return s.Net.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a ScaleReducer with the serializer package.
func (s *ScaleReducer) SerializerType() string {
	return "github.com/gordonliu0/LightForker/conv.ScaleReducer"
}

// Serialize serializes the reducer.
func (s *ScaleReducer) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(s.InputWidth),
		serializer.Int(s.InputHeight),
		serializer.Int(s.InputDepth),
		s.Net,
	)
}
