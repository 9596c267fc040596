package conv

import (
	"fmt"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/convmarkup"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// DefaultBackboneMarkup describes the built-in frame
// feature extractor, a residual trunk in the style of a
// small ResNet.
// It reduces a 960x512 RGB frame to a 30x16x512 feature
// map. Each downsampling stage is a residual block with a
// strided projection shortcut.
const DefaultBackboneMarkup = `
Input(w=960, h=512, d=3)

Conv(w=4, h=4, n=64, sx=4, sy=4)
BatchNorm
ReLU

Residual {
	Conv(w=1, h=1, n=64, sx=1, sy=1)
	BatchNorm
	ReLU
	Conv(w=1, h=1, n=64, sx=1, sy=1)
	BatchNorm
}
ReLU

Residual {
	Projection {
		Conv(w=2, h=2, n=128, sx=2, sy=2)
		BatchNorm
	}
	Conv(w=2, h=2, n=128, sx=2, sy=2)
	BatchNorm
	ReLU
	Conv(w=1, h=1, n=128, sx=1, sy=1)
	BatchNorm
}
ReLU

Residual {
	Projection {
		Conv(w=2, h=2, n=256, sx=2, sy=2)
		BatchNorm
	}
	Conv(w=2, h=2, n=256, sx=2, sy=2)
	BatchNorm
	ReLU
	Conv(w=1, h=1, n=256, sx=1, sy=1)
	BatchNorm
}
ReLU

Residual {
	Projection {
		Conv(w=2, h=2, n=512, sx=2, sy=2)
		BatchNorm
	}
	Conv(w=2, h=2, n=512, sx=2, sy=2)
	BatchNorm
	ReLU
	Conv(w=1, h=1, n=512, sx=1, sy=1)
	BatchNorm
}
ReLU
`

func init() {
	var b Backbone
	serializer.RegisterTypedDeserializer(b.SerializerType(), DeserializeBackbone)
}

// Backbone is the per-frame feature extractor.
//
// It treats every frame of every sample as an independent
// tensor, so a batch of B samples of F frames is applied
// with a batch size of B*F.
type Backbone struct {
	In  convmarkup.Dims
	Out convmarkup.Dims
	Net lightforker.Net
}

// NewBackbone realizes a Backbone from markup.
// If code is empty, DefaultBackboneMarkup is used.
func NewBackbone(c anyvec.Creator, code string) (*Backbone, error) {
	if code == "" {
		code = DefaultBackboneMarkup
	}
	net, inDims, outDims, err := FromMarkup(c, code)
	if err != nil {
		return nil, essentials.AddCtx("new backbone", err)
	}
	return &Backbone{In: inDims, Out: outDims, Net: net}, nil
}

// DeserializeBackbone deserializes a Backbone.
func DeserializeBackbone(d []byte) (*Backbone, error) {
	var inW, inH, inD, outW, outH, outD serializer.Int
	var net lightforker.Net
	err := serializer.DeserializeAny(d, &inW, &inH, &inD, &outW, &outH, &outD, &net)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Backbone", err)
	}
	return &Backbone{
		In:  convmarkup.Dims{Width: int(inW), Height: int(inH), Depth: int(inD)},
		Out: convmarkup.Dims{Width: int(outW), Height: int(outH), Depth: int(outD)},
		Net: net,
	}, nil
}

// Apply extracts the features of n frames.
func (b *Backbone) Apply(in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*b.In.Volume() {
		panic(fmt.Sprintf("backbone input length should be %d, but got %d",
			n*b.In.Volume(), in.Output().Len()))
	}
	return b.Net.Apply(in, n)
}

// SetParallel enables or disables batch parallelism in
// every convolution.
func (b *Backbone) SetParallel(p bool) {
	setParallel(b.Net, p)
}

// Parameters returns the parameters of the network.
func (b *Backbone) Parameters() []*anydiff.Var {
	return b.Net.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a Backbone with the serializer package.
func (b *Backbone) SerializerType() string {
	return "github.com/gordonliu0/LightForker/conv.Backbone"
}

// Serialize serializes the Backbone.
func (b *Backbone) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(b.In.Width),
		serializer.Int(b.In.Height),
		serializer.Int(b.In.Depth),
		serializer.Int(b.Out.Width),
		serializer.Int(b.Out.Height),
		serializer.Int(b.Out.Depth),
		b.Net,
	)
}

func setParallel(net lightforker.Net, p bool) {
	for _, layer := range net {
		switch layer := layer.(type) {
		case *Conv:
			layer.Parallel = p
		case lightforker.Net:
			setParallel(layer, p)
		case *Residual:
			setParallel(lightforker.Net{layer.Layer}, p)
			if layer.Projection != nil {
				setParallel(lightforker.Net{layer.Projection}, p)
			}
		}
	}
}
