package conv

import (
	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var r Residual
	serializer.RegisterTypedDeserializer(r.SerializerType(), DeserializeResidual)
}

// Residual adds the output of a layer to its input, as in
// the basic blocks of a ResNet trunk.
type Residual struct {
	Layer lightforker.Layer

	// Projection, if non-nil, maps the input to the shape
	// of Layer's output before the sum.
	Projection lightforker.Layer
}

// DeserializeResidual deserializes a Residual.
func DeserializeResidual(d []byte) (*Residual, error) {
	var layer lightforker.Layer
	var proj lightforker.Net
	if err := serializer.DeserializeAny(d, &layer, &proj); err != nil {
		return nil, essentials.AddCtx("deserialize Residual", err)
	}
	res := &Residual{Layer: layer}
	if len(proj) == 1 {
		res.Projection = proj[0]
	}
	return res, nil
}

// Apply applies the layer.
func (r *Residual) Apply(in anydiff.Res, batch int) anydiff.Res {
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		shortcut := in
		if r.Projection != nil {
			shortcut = r.Projection.Apply(in, batch)
		}
		return anydiff.Add(shortcut, r.Layer.Apply(in, batch))
	})
}

// Parameters returns the parameters of Layer followed by
// those of Projection.
func (r *Residual) Parameters() []*anydiff.Var {
	return lightforker.AllParameters(r.Layer, r.Projection)
}

// SerializerType returns the unique ID used to serialize
// a Residual with the serializer package.
func (r *Residual) SerializerType() string {
	return "github.com/gordonliu0/LightForker/conv.Residual"
}

// Serialize serializes the Residual.
func (r *Residual) Serialize() ([]byte, error) {
	var proj lightforker.Net
	if r.Projection != nil {
		proj = lightforker.Net{r.Projection}
	}
	return serializer.SerializeAny(r.Layer, proj)
}
