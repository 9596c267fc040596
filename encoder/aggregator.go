// Package encoder aggregates the feature maps of a buffer
// of frames into one scene embedding per learned query,
// using multi-head deformable attention.
package encoder

import (
	"fmt"
	"math"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var a SceneAggregator
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeSceneAggregator)
	var l DeformLayer
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeDeformLayer)
}

// A Level is one scale of the feature pyramid for a batch.
//
// Features holds batch×frames maps of Width×Height×depth,
// oldest frame first within each sample.
type Level struct {
	Width    int
	Height   int
	Features anydiff.Res
}

// SceneAggregator attends from a set of learned queries to
// the feature maps of every frame in a buffer.
type SceneAggregator struct {
	NumFrames int
	EmbedDim  int
	NumHeads  int
	NumLevels int
	NumPoints int

	// FrameEmbed holds one EmbedDim vector per frame.
	// It is added to the query state when attending to
	// that frame, so the offsets can depend on time.
	FrameEmbed *anydiff.Var

	Layers []*DeformLayer
}

// DeformLayer is one round of deformable attention
// followed by a residual update of the query state.
type DeformLayer struct {
	// Value projects the feature maps, per level.
	Value *lightforker.FC

	// Ref predicts a normalized (x, y) reference point per
	// level.
	Ref *lightforker.FC

	// Offset predicts a pixel offset per head, level and
	// point.
	Offset *lightforker.FC

	// Weight predicts an attention logit per head, level
	// and point. Logits are normalized across points.
	Weight *lightforker.FC

	// Out maps the concatenated level samples back to
	// EmbedDim.
	Out *lightforker.FC
}

// NewSceneAggregator creates a randomly initialized
// aggregator.
//
// Offsets start out spread on rings around the reference
// point, one direction per head, and attention weights
// start out uniform.
func NewSceneAggregator(c anyvec.Creator, frames, embedDim, heads, levels, points,
	numLayers int) *SceneAggregator {
	if embedDim%heads != 0 {
		panic("heads must divide embedding size")
	}
	frameEmbed := c.MakeVector(frames * embedDim)
	anyvec.Rand(frameEmbed, anyvec.Normal, nil)
	frameEmbed.Scale(c.MakeNumeric(0.1))

	res := &SceneAggregator{
		NumFrames:  frames,
		EmbedDim:   embedDim,
		NumHeads:   heads,
		NumLevels:  levels,
		NumPoints:  points,
		FrameEmbed: anydiff.NewVar(frameEmbed),
	}
	for i := 0; i < numLayers; i++ {
		res.Layers = append(res.Layers, newDeformLayer(c, embedDim, heads, levels, points))
	}
	return res
}

func newDeformLayer(c anyvec.Creator, embedDim, heads, levels, points int) *DeformLayer {
	offset := lightforker.NewFCZero(c, embedDim, heads*levels*points*2)
	biases := make([]float64, 0, heads*levels*points*2)
	for h := 0; h < heads; h++ {
		angle := 2 * math.Pi * float64(h) / float64(heads)
		dx, dy := math.Cos(angle), math.Sin(angle)
		norm := math.Max(math.Abs(dx), math.Abs(dy))
		for l := 0; l < levels; l++ {
			for p := 0; p < points; p++ {
				biases = append(biases, dx/norm*float64(p+1), dy/norm*float64(p+1))
			}
		}
	}
	offset.Biases.Vector.SetData(c.MakeNumericList(biases))

	return &DeformLayer{
		Value:  lightforker.NewFC(c, embedDim, embedDim),
		Ref:    lightforker.NewFC(c, embedDim, levels*2),
		Offset: offset,
		Weight: lightforker.NewFCZero(c, embedDim, heads*levels*points),
		Out:    lightforker.NewFC(c, levels*embedDim, embedDim),
	}
}

// DeserializeSceneAggregator deserializes a
// SceneAggregator.
func DeserializeSceneAggregator(d []byte) (*SceneAggregator, error) {
	var frames, dim, heads, levels, points serializer.Int
	var embed *anyvecsave.S
	var layerData serializer.Bytes
	err := serializer.DeserializeAny(d, &frames, &dim, &heads, &levels, &points, &embed,
		&layerData)
	if err != nil {
		return nil, essentials.AddCtx("deserialize SceneAggregator", err)
	}
	layers, err := serializer.DeserializeSlice(layerData)
	if err != nil {
		return nil, essentials.AddCtx("deserialize SceneAggregator", err)
	}
	res := &SceneAggregator{
		NumFrames:  int(frames),
		EmbedDim:   int(dim),
		NumHeads:   int(heads),
		NumLevels:  int(levels),
		NumPoints:  int(points),
		FrameEmbed: anydiff.NewVar(embed.Vector),
	}
	for _, x := range layers {
		layer, ok := x.(*DeformLayer)
		if !ok {
			return nil, fmt.Errorf("deserialize SceneAggregator: not a DeformLayer: %T", x)
		}
		res.Layers = append(res.Layers, layer)
	}
	return res, nil
}

// Apply aggregates the levels of a batch into one
// embedding per sample and query.
//
// The query holds NumQueries×EmbedDim values and is shared
// across the batch. The result holds
// batch×NumQueries×EmbedDim values.
//
// If a sampling location or attention weight is not
// finite, a *lightforker.NumericalInstability naming the
// affected batch indices is returned.
func (s *SceneAggregator) Apply(query anydiff.Res, levels []Level,
	batch int) (anydiff.Res, error) {
	if len(levels) != s.NumLevels {
		panic(fmt.Sprintf("expected %d levels but got %d", s.NumLevels, len(levels)))
	}
	if query.Output().Len()%s.EmbedDim != 0 {
		panic("query size must be a multiple of the embedding size")
	}
	numQueries := query.Output().Len() / s.EmbedDim
	geom := geometry{
		Batch:   batch,
		Queries: numQueries,
		Frames:  s.NumFrames,
		Heads:   s.NumHeads,
		Levels:  s.NumLevels,
		Points:  s.NumPoints,
		Depth:   s.EmbedDim,
	}
	for _, l := range levels {
		expected := batch * s.NumFrames * l.Width * l.Height * s.EmbedDim
		if l.Features.Output().Len() != expected {
			panic(fmt.Sprintf("level size should be %d but got %d", expected,
				l.Features.Output().Len()))
		}
		geom.Sizes = append(geom.Sizes, [2]int{l.Width, l.Height})
	}

	c := query.Output().Creator()
	state := anydiff.AddRepeated(anydiff.NewConst(c.MakeVector(batch*numQueries*s.EmbedDim)),
		query)
	for _, layer := range s.Layers {
		var err error
		state, err = s.applyLayer(layer, state, levels, geom)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (s *SceneAggregator) applyLayer(layer *DeformLayer, state anydiff.Res, levels []Level,
	geom geometry) (anydiff.Res, error) {
	rows := geom.Frames * geom.Batch * geom.Queries
	var perFrame []anydiff.Res
	for f := 0; f < s.NumFrames; f++ {
		embed := anydiff.Slice(s.FrameEmbed, f*s.EmbedDim, (f+1)*s.EmbedDim)
		perFrame = append(perFrame, anydiff.AddRepeated(state, embed))
	}
	frameStates := anydiff.Concat(perFrame...)

	offsets := layer.Offset.Apply(frameStates, rows)
	weights := anydiff.Exp(anydiff.LogSoftmax(layer.Weight.Apply(frameStates, rows),
		geom.Points))
	refs := anydiff.Sigmoid(layer.Ref.Apply(frameStates, rows))

	var values []anydiff.Res
	for _, l := range levels {
		numPixels := geom.Batch * geom.Frames * l.Width * l.Height
		values = append(values, layer.Value.Apply(l.Features, numPixels))
	}

	sampled, err := deformSample(geom, values, offsets, weights, refs)
	if err != nil {
		return nil, err
	}
	update := layer.Out.Apply(sampled, geom.Batch*geom.Queries)
	return anydiff.Add(state, update), nil
}

// Parameters returns the frame embeddings followed by the
// parameters of every layer.
func (s *SceneAggregator) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{s.FrameEmbed}
	for _, l := range s.Layers {
		res = append(res, l.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a SceneAggregator with the serializer package.
func (s *SceneAggregator) SerializerType() string {
	return "github.com/gordonliu0/LightForker/encoder.SceneAggregator"
}

// Serialize serializes the aggregator.
func (s *SceneAggregator) Serialize() ([]byte, error) {
	var layers []serializer.Serializer
	for _, l := range s.Layers {
		layers = append(layers, l)
	}
	layerData, err := serializer.SerializeSlice(layers)
	if err != nil {
		return nil, err
	}
	return serializer.SerializeAny(
		serializer.Int(s.NumFrames),
		serializer.Int(s.EmbedDim),
		serializer.Int(s.NumHeads),
		serializer.Int(s.NumLevels),
		serializer.Int(s.NumPoints),
		&anyvecsave.S{Vector: s.FrameEmbed.Vector},
		serializer.Bytes(layerData),
	)
}

// DeserializeDeformLayer deserializes a DeformLayer.
func DeserializeDeformLayer(d []byte) (*DeformLayer, error) {
	var res DeformLayer
	err := serializer.DeserializeAny(d, &res.Value, &res.Ref, &res.Offset, &res.Weight, &res.Out)
	if err != nil {
		return nil, essentials.AddCtx("deserialize DeformLayer", err)
	}
	return &res, nil
}

// Parameters returns the parameters of every projection.
func (d *DeformLayer) Parameters() []*anydiff.Var {
	return lightforker.AllParameters(d.Value, d.Ref, d.Offset, d.Weight, d.Out)
}

// SerializerType returns the unique ID used to serialize
// a DeformLayer with the serializer package.
func (d *DeformLayer) SerializerType() string {
	return "github.com/gordonliu0/LightForker/encoder.DeformLayer"
}

// Serialize serializes the layer.
func (d *DeformLayer) Serialize() ([]byte, error) {
	return serializer.SerializeAny(d.Value, d.Ref, d.Offset, d.Weight, d.Out)
}
