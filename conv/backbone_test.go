package conv

import (
	"errors"
	"reflect"
	"testing"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/convmarkup"
	"github.com/unixpickle/serializer"
)

const testBackboneMarkup = `
Input(w=12, h=10, d=3)
Conv(w=2, h=2, n=4, sx=2, sy=2)
BatchNorm
ReLU
Conv(w=1, h=1, n=6, sx=1, sy=1)
Tanh
`

func TestBackboneDims(t *testing.T) {
	b, err := NewBackbone(anyvec32.DefaultCreator{}, testBackboneMarkup)
	if err != nil {
		t.Fatal(err)
	}
	if b.In != (convmarkup.Dims{Width: 12, Height: 10, Depth: 3}) {
		t.Errorf("unexpected input dims %v", b.In)
	}
	if b.Out != (convmarkup.Dims{Width: 6, Height: 5, Depth: 6}) {
		t.Errorf("unexpected output dims %v", b.Out)
	}
	if len(b.Net) != 5 {
		t.Fatalf("expected 5 layers but got %d", len(b.Net))
	}
	if _, ok := b.Net[1].(*BatchNorm); !ok {
		t.Errorf("layer 1 should be BatchNorm but is %T", b.Net[1])
	}
	if b.Net[4] != lightforker.Tanh {
		t.Errorf("layer 4 should be Tanh but is %v", b.Net[4])
	}

	in := anyvec32.MakeVector(2 * b.In.Volume())
	anyvec.Rand(in, anyvec.Normal, nil)
	out := b.Apply(anydiff.NewConst(in), 2)
	if out.Output().Len() != 2*b.Out.Volume() {
		t.Errorf("unexpected output length %d", out.Output().Len())
	}
}

func TestDefaultBackbone(t *testing.T) {
	b, err := NewBackbone(anyvec32.DefaultCreator{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if b.In != (convmarkup.Dims{Width: 960, Height: 512, Depth: 3}) {
		t.Errorf("unexpected input dims %v", b.In)
	}
	if b.Out != (convmarkup.Dims{Width: 30, Height: 16, Depth: 512}) {
		t.Errorf("unexpected output dims %v", b.Out)
	}
	var identity, projected int
	for _, layer := range b.Net {
		if r, ok := layer.(*Residual); ok {
			if r.Projection == nil {
				identity++
			} else {
				projected++
			}
		}
	}
	if identity != 1 || projected != 3 {
		t.Errorf("expected 1 identity and 3 projected blocks but got %d and %d",
			identity, projected)
	}
}

const testResidualMarkup = `
Input(w=8, h=8, d=3)
Conv(w=2, h=2, n=4, sx=2, sy=2)
BatchNorm
ReLU
Residual {
	Conv(w=1, h=1, n=4, sx=1, sy=1)
	BatchNorm
	ReLU
	Conv(w=1, h=1, n=4, sx=1, sy=1)
	BatchNorm
}
Residual {
	Projection {
		Conv(w=2, h=2, n=6, sx=2, sy=2)
		BatchNorm
	}
	Conv(w=2, h=2, n=6, sx=2, sy=2)
	BatchNorm
}
`

func TestBackboneResidual(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	b, err := NewBackbone(c, testResidualMarkup)
	if err != nil {
		t.Fatal(err)
	}
	if b.Out != (convmarkup.Dims{Width: 2, Height: 2, Depth: 6}) {
		t.Errorf("unexpected output dims %v", b.Out)
	}
	if len(b.Net) != 5 {
		t.Fatalf("expected 5 layers but got %d", len(b.Net))
	}
	if r, ok := b.Net[3].(*Residual); !ok || r.Projection != nil {
		t.Errorf("layer 3 should be an identity Residual but is %T", b.Net[3])
	}
	if r, ok := b.Net[4].(*Residual); !ok || r.Projection == nil {
		t.Errorf("layer 4 should be a projected Residual but is %T", b.Net[4])
	}

	var samples vecList
	for i := 0; i < 4; i++ {
		vec := c.MakeVector(b.In.Volume())
		anyvec.Rand(vec, anyvec.Normal, nil)
		samples = append(samples, vec)
	}
	pt := &PostTrainer{Samples: samples, Fetcher: vecFetcher{}, BatchSize: 4, Net: b.Net}
	replaced, err := pt.Run()
	if err != nil {
		t.Fatal(err)
	}
	if replaced != 5 {
		t.Errorf("expected 5 replacements but got %d", replaced)
	}
	in := c.Concat(samples...)
	if out := b.Apply(anydiff.NewConst(in), 4); out.Output().Len() != 4*b.Out.Volume() {
		t.Errorf("unexpected output length %d", out.Output().Len())
	}
}

func TestBackboneBadMarkup(t *testing.T) {
	if _, err := NewBackbone(anyvec32.DefaultCreator{}, "Input(w=4, h=4, d=1)\nSoftplus"); err == nil {
		t.Error("expected error for unknown block")
	}
}

func TestBackboneSerialize(t *testing.T) {
	b, err := NewBackbone(anyvec32.DefaultCreator{}, testBackboneMarkup)
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(b)
	if err != nil {
		t.Fatal(err)
	}
	var b1 *Backbone
	if err := serializer.DeserializeAny(data, &b1); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b, b1) {
		t.Fatal("backbones differ")
	}
}

func TestScaleReducer(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	r := NewScaleReducer(c, 9, 7, 4, 6, 3)
	if r.OutputWidth() != 5 || r.OutputHeight() != 3 || r.OutputDepth() != 3 {
		t.Fatalf("unexpected output size %dx%dx%d", r.OutputWidth(), r.OutputHeight(),
			r.OutputDepth())
	}
	in := c.MakeVector(2 * 9 * 7 * 4)
	anyvec.Rand(in, anyvec.Normal, nil)
	out := r.Apply(anydiff.NewConst(in), 2)
	if out.Output().Len() != 2*5*3*3 {
		t.Errorf("unexpected output length %d", out.Output().Len())
	}

	if err := r.Check(9, 7, 4); err != nil {
		t.Error(err)
	}
	var mismatch *lightforker.ConfigurationMismatch
	if err := r.Check(9, 7, 5); !errors.As(err, &mismatch) {
		t.Errorf("expected ConfigurationMismatch but got %v", err)
	}
	tiny := NewScaleReducer(c, 4, 4, 1, 2, 2)
	if err := tiny.Check(4, 4, 1); !errors.As(err, &mismatch) {
		t.Errorf("expected ConfigurationMismatch but got %v", err)
	}
}

func TestScaleReducerSerialize(t *testing.T) {
	r := NewScaleReducer(anyvec32.DefaultCreator{}, 6, 6, 2, 3, 2)
	data, err := serializer.SerializeAny(r)
	if err != nil {
		t.Fatal(err)
	}
	var r1 *ScaleReducer
	if err := serializer.DeserializeAny(data, &r1); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r, r1) {
		t.Fatal("reducers differ")
	}
}
