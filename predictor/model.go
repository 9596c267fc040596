// Package predictor bundles the parameters of the traffic
// light classifier and provides its training and decoding
// entry points.
package predictor

import (
	"errors"
	"fmt"
	"io/ioutil"
	"math"

	"github.com/google/uuid"
	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/conv"
	"github.com/gordonliu0/LightForker/decoder"
	"github.com/gordonliu0/LightForker/encoder"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
}

// An Observer is told about events which do not abort a
// batch but should not go unnoticed.
type Observer interface {
	ObserveDegenerate(branch string, samples []string)
}

// Model is the parameter bundle of the classifier.
//
// Every entry point is a method of Model, and none of them
// modifies the parameters. Training updates them from the
// outside, through the gradients of TrainingLoss.
type Model struct {
	ImageNum   int
	NumClasses int

	// Query holds num_query learned embeddings.
	Query *anydiff.Var

	Backbone   *conv.Backbone
	Reducer    *conv.ScaleReducer
	Aggregator *encoder.SceneAggregator
	Head       *lightforker.ProjectionHead
	Straight   *decoder.ClusterDecoder
	Left       *decoder.ClusterDecoder

	// The fields below are not saved with the model.

	// LikelihoodEpsilon, if non-zero, is the smallest
	// true-class probability used by TrainingLoss.
	LikelihoodEpsilon float64

	// RunID tags the records emitted by Decode.
	RunID uuid.UUID

	// Observer, if non-nil, is notified of degenerate
	// likelihoods.
	Observer Observer
}

// NewModel creates a randomly initialized model for the
// configuration.
//
// It fails with a *lightforker.ConfigurationMismatch if the
// configuration is inconsistent, for example if the
// backbone does not produce cfg.ExtractorDepth channels.
func NewModel(c anyvec.Creator, cfg *lightforker.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backbone, err := conv.NewBackbone(c, cfg.Backbone)
	if err != nil {
		return nil, essentials.AddCtx("new model", err)
	}
	if err := checkBackbone(backbone, cfg); err != nil {
		return nil, err
	}
	reducer := conv.NewScaleReducer(c, backbone.Out.Width, backbone.Out.Height,
		cfg.ExtractorDepth, cfg.ReducerHidden, cfg.EmbedDim)

	query := c.MakeVector(cfg.NumQuery * cfg.EmbedDim)
	anyvec.Rand(query, anyvec.Normal, nil)

	straight, err := decoder.NewClusterDecoder(c, cfg.MLPOutChannel, cfg.NumClusters,
		cfg.OutClassNum, cfg.DecoderMargin)
	if err != nil {
		return nil, err
	}
	left, err := decoder.NewClusterDecoder(c, cfg.MLPOutChannel, cfg.NumClusters,
		cfg.OutClassNum, cfg.DecoderMargin)
	if err != nil {
		return nil, err
	}

	return &Model{
		ImageNum:   cfg.ImageNum,
		NumClasses: cfg.OutClassNum,
		Query:      anydiff.NewVar(query),
		Backbone:   backbone,
		Reducer:    reducer,
		Aggregator: encoder.NewSceneAggregator(c, cfg.ImageNum, cfg.EmbedDim, cfg.NumHeads,
			cfg.NumLevels, cfg.NumSamPts, cfg.EncoderLayers),
		Head:              lightforker.NewProjectionHead(c, cfg.EmbedDim, cfg.MLPOutChannel),
		Straight:          straight,
		Left:              left,
		LikelihoodEpsilon: cfg.LikelihoodEpsilon,
		RunID:             uuid.New(),
	}, nil
}

func checkBackbone(b *conv.Backbone, cfg *lightforker.Config) error {
	expected := [3]int{cfg.ImageWidth, cfg.ImageHeight, 3}
	if actual := [3]int{b.In.Width, b.In.Height, b.In.Depth}; actual != expected {
		return &lightforker.ConfigurationMismatch{
			Component: "frame feature extractor",
			Field:     "input dimensions",
			Expected:  expected,
			Actual:    actual,
		}
	}
	if b.Out.Depth != cfg.ExtractorDepth {
		return &lightforker.ConfigurationMismatch{
			Component: "frame feature extractor",
			Field:     "extractor_depth",
			Expected:  cfg.ExtractorDepth,
			Actual:    b.Out.Depth,
		}
	}
	if b.Out.Width < 5 || b.Out.Height < 5 {
		return &lightforker.ConfigurationMismatch{
			Component: "frame feature extractor",
			Field:     "output dimensions",
			Expected:  "at least 5x5",
			Actual:    [2]int{b.Out.Width, b.Out.Height},
		}
	}
	return nil
}

// LoadModel loads a model saved with Save and checks it
// against the configuration.
//
// If the saved shapes disagree with cfg, the returned
// error is a *lightforker.ConfigurationMismatch.
func LoadModel(path string, cfg *lightforker.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load model", err)
	}
	var m *Model
	if err := serializer.DeserializeAny(data, &m); err != nil {
		return nil, essentials.AddCtx("load model", err)
	}
	if err := m.Check(cfg); err != nil {
		return nil, err
	}
	m.LikelihoodEpsilon = cfg.LikelihoodEpsilon
	m.RunID = uuid.New()
	return m, nil
}

// DeserializeModel deserializes a Model.
func DeserializeModel(d []byte) (*Model, error) {
	var imageNum, numClasses serializer.Int
	var query *anyvecsave.S
	var res Model
	err := serializer.DeserializeAny(d, &imageNum, &numClasses, &query, &res.Backbone,
		&res.Reducer, &res.Aggregator, &res.Head, &res.Straight, &res.Left)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Model", err)
	}
	res.ImageNum = int(imageNum)
	res.NumClasses = int(numClasses)
	res.Query = anydiff.NewVar(query.Vector)
	return &res, nil
}

// Check verifies that the model's shapes match the
// configuration.
// The returned error is a *lightforker.ConfigurationMismatch.
func (m *Model) Check(cfg *lightforker.Config) error {
	mismatch := func(field string, expected, actual int) error {
		return &lightforker.ConfigurationMismatch{
			Component: "model",
			Field:     field,
			Expected:  expected,
			Actual:    actual,
		}
	}
	fields := []struct {
		name     string
		expected int
		actual   int
	}{
		{"image_num", cfg.ImageNum, m.ImageNum},
		{"image_num", cfg.ImageNum, m.Aggregator.NumFrames},
		{"out_class_num", cfg.OutClassNum, m.NumClasses},
		{"embed_dim", cfg.EmbedDim, m.Aggregator.EmbedDim},
		{"embed_dim", cfg.EmbedDim, m.Reducer.OutputDepth()},
		{"embed_dim", cfg.EmbedDim, m.Head.InSize()},
		{"num_heads", cfg.NumHeads, m.Aggregator.NumHeads},
		{"num_sam_pts", cfg.NumSamPts, m.Aggregator.NumPoints},
		{"num_levels", cfg.NumLevels, m.Aggregator.NumLevels},
		{"num_query", cfg.NumQuery * cfg.EmbedDim, m.Query.Vector.Len()},
		{"encoder_layers", cfg.EncoderLayers, len(m.Aggregator.Layers)},
		{"mlp_out_channel", cfg.MLPOutChannel, m.Head.OutSize()},
		{"mlp_out_channel", cfg.MLPOutChannel, m.Straight.InSize},
		{"mlp_out_channel", cfg.MLPOutChannel, m.Left.InSize},
		{"n", cfg.NumClusters, m.Straight.NumPrototypes},
		{"n", cfg.NumClusters, m.Left.NumPrototypes},
		{"out_class_num", cfg.OutClassNum, m.Straight.NumClasses},
		{"out_class_num", cfg.OutClassNum, m.Left.NumClasses},
		{"image_width", cfg.ImageWidth, m.Backbone.In.Width},
		{"image_height", cfg.ImageHeight, m.Backbone.In.Height},
		{"extractor_depth", cfg.ExtractorDepth, m.Reducer.InputDepth},
	}
	for _, f := range fields {
		if f.expected != f.actual {
			return mismatch(f.name, f.expected, f.actual)
		}
	}
	return m.Reducer.Check(m.Backbone.Out.Width, m.Backbone.Out.Height, m.Backbone.Out.Depth)
}

// Save saves the parameters of the model to a file.
func (m *Model) Save(path string) error {
	data, err := serializer.SerializeAny(m)
	if err != nil {
		return essentials.AddCtx("save model", err)
	}
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return essentials.AddCtx("save model", err)
	}
	return nil
}

// Parameters returns every learnable parameter, starting
// with the query.
func (m *Model) Parameters() []*anydiff.Var {
	return append([]*anydiff.Var{m.Query}, lightforker.AllParameters(m.Backbone, m.Reducer,
		m.Aggregator, m.Head, m.Straight, m.Left)...)
}

// SetParallel enables or disables batch parallelism in the
// convolutional layers.
func (m *Model) SetParallel(p bool) {
	m.Backbone.SetParallel(p)
	m.Reducer.SetParallel(p)
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/gordonliu0/LightForker/predictor.Model"
}

// Serialize serializes the parameters of the model.
func (m *Model) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(m.ImageNum),
		serializer.Int(m.NumClasses),
		&anyvecsave.S{Vector: m.Query.Vector},
		m.Backbone,
		m.Reducer,
		m.Aggregator,
		m.Head,
		m.Straight,
		m.Left,
	)
}

// Forward computes the class probabilities of both
// branches, with one row of NumClasses entries per sample
// and query.
//
// If labels is non-nil, it holds one label per sample and
// the decoders apply their training margins.
//
// A *lightforker.NumericalInstability names the offending
// samples.
func (m *Model) Forward(b *Batch, labels anyvec.Vector) (straight, left anydiff.Res,
	err error) {
	if err := m.checkBatch(b); err != nil {
		return nil, nil, err
	}
	n := b.Size()
	numFrames := n * m.ImageNum
	frames := anydiff.NewConst(b.Frames)
	features := m.Reducer.Apply(m.Backbone.Apply(frames, numFrames), numFrames)
	levels := []encoder.Level{{
		Width:    m.Reducer.OutputWidth(),
		Height:   m.Reducer.OutputHeight(),
		Features: features,
	}}
	aggregated, err := m.Aggregator.Apply(m.Query, levels, n)
	if err != nil {
		var instability *lightforker.NumericalInstability
		if errors.As(err, &instability) {
			nameSamples(instability, b)
		}
		return nil, nil, err
	}

	numQueries := m.numQueries()
	rows := n * numQueries
	stRep, lfRep := m.Head.Apply(aggregated, rows)
	var stLabels, lfLabels anyvec.Vector
	if labels != nil {
		stLabels = repeatRows(m.labelHalf(labels, 0), m.NumClasses, numQueries)
		lfLabels = repeatRows(m.labelHalf(labels, 1), m.NumClasses, numQueries)
	}
	straight = m.Straight.Apply(stRep, stLabels, rows)
	left = m.Left.Apply(lfRep, lfLabels, rows)
	bad := nonFiniteSamples(n, numQueries*m.NumClasses, straight.Output(), left.Output())
	if len(bad) > 0 {
		instability := &lightforker.NumericalInstability{Stage: "cluster decoder", Batch: bad}
		nameSamples(instability, b)
		return nil, nil, instability
	}
	return straight, left, nil
}

// nonFiniteSamples returns the indices of the samples with
// a NaN or infinite entry in any of the vectors, where
// each sample owns rowSize consecutive entries.
func nonFiniteSamples(n, rowSize int, vecs ...anyvec.Vector) []int {
	bad := make([]bool, n)
	for _, v := range vecs {
		for i, x := range vectorFloats(v) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				bad[i/rowSize] = true
			}
		}
	}
	var res []int
	for i, b := range bad {
		if b {
			res = append(res, i)
		}
	}
	return res
}

func nameSamples(instability *lightforker.NumericalInstability, b *Batch) {
	for _, idx := range instability.Batch {
		instability.Samples = append(instability.Samples, b.Names[idx])
	}
}

// Predict computes the class distributions of both
// branches, averaged over the queries.
// Each result holds one row of NumClasses entries per
// sample.
func (m *Model) Predict(b *Batch) (straight, left anyvec.Vector, err error) {
	st, lf, err := m.Forward(b, nil)
	if err != nil {
		return nil, nil, err
	}
	q := m.numQueries()
	return meanOfQueries(st.Output(), q, m.NumClasses),
		meanOfQueries(lf.Output(), q, m.NumClasses), nil
}

func (m *Model) checkBatch(b *Batch) error {
	frameSize := m.Backbone.In.Volume()
	if b.Size() == 0 {
		return errors.New("empty batch")
	}
	if b.Frames.Len() != b.Size()*m.ImageNum*frameSize {
		return &lightforker.ConfigurationMismatch{
			Component: "frame buffer",
			Field:     "frames",
			Expected:  b.Size() * m.ImageNum * frameSize,
			Actual:    b.Frames.Len(),
		}
	}
	if b.Labels != nil && b.Labels.Len() != b.Size()*2*m.NumClasses {
		return &lightforker.ConfigurationMismatch{
			Component: "label",
			Field:     "label size",
			Expected:  b.Size() * 2 * m.NumClasses,
			Actual:    b.Labels.Len(),
		}
	}
	return nil
}

func (m *Model) numQueries() int {
	return m.Query.Vector.Len() / m.Aggregator.EmbedDim
}

// labelHalf extracts the straight (half 0) or left (half
// 1) labels of every sample.
func (m *Model) labelHalf(labels anyvec.Vector, half int) anyvec.Vector {
	c := labels.Creator()
	size := 2 * m.NumClasses
	var parts []anyvec.Vector
	for i := 0; i < labels.Len()/size; i++ {
		start := i*size + half*m.NumClasses
		parts = append(parts, labels.Slice(start, start+m.NumClasses))
	}
	return c.Concat(parts...)
}

func repeatRows(v anyvec.Vector, cols, times int) anyvec.Vector {
	if times == 1 {
		return v
	}
	var parts []anyvec.Vector
	for i := 0; i < v.Len()/cols; i++ {
		row := v.Slice(i*cols, (i+1)*cols)
		for j := 0; j < times; j++ {
			parts = append(parts, row)
		}
	}
	return v.Creator().Concat(parts...)
}

func meanOfQueries(v anyvec.Vector, queries, cols int) anyvec.Vector {
	if queries == 1 {
		return v.Copy()
	}
	data := vectorFloats(v)
	res := make([]float64, len(data)/queries)
	for i, x := range data {
		row := i / cols
		res[(row/queries)*cols+i%cols] += x / float64(queries)
	}
	c := v.Creator()
	return c.MakeVectorData(c.MakeNumericList(res))
}

func vectorFloats(v anyvec.Vector) []float64 {
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
