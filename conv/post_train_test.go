package conv

import (
	"errors"
	"math"
	"testing"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/sgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

type vecList []anyvec.Vector

func (v vecList) Len() int {
	return len(v)
}

func (v vecList) Swap(i, j int) {
	v[i], v[j] = v[j], v[i]
}

func (v vecList) Slice(i, j int) sgd.SampleList {
	return append(vecList{}, v[i:j]...)
}

type vecBatch struct {
	In anyvec.Vector
	N  int
}

func (v *vecBatch) Input() (anydiff.Res, int) {
	return anydiff.NewConst(v.In), v.N
}

type vecFetcher struct{}

func (vecFetcher) Fetch(s sgd.SampleList) (sgd.Batch, error) {
	list := s.(vecList)
	return &vecBatch{
		In: list[0].Creator().Concat(list...),
		N:  len(list),
	}, nil
}

func TestPostTrainer(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	net := lightforker.Net{
		lightforker.NewFC(c, 3, 4),
		randomizedBatchNorm(2),
		&Residual{
			Projection: lightforker.Net{
				lightforker.NewFC(c, 4, 5),
				randomizedBatchNorm(1),
			},
			Layer: lightforker.Net{
				lightforker.NewFC(c, 4, 5),
				randomizedBatchNorm(5),
			},
		},
		&Residual{Layer: randomizedBatchNorm(5)},
	}

	var samples vecList
	for i := 0; i < 8; i++ {
		vec := c.MakeVector(3)
		anyvec.Rand(vec, anyvec.Normal, nil)
		samples = append(samples, vec)
	}
	full, _ := vecFetcher{}.Fetch(samples)
	fullIn, n := full.(*vecBatch).Input()
	expected := net.Apply(fullIn, n).Output()

	pt := &PostTrainer{
		Samples:   samples,
		Fetcher:   vecFetcher{},
		BatchSize: 3,
		Net:       net,
	}
	replaced, err := pt.Run()
	if err != nil {
		t.Fatal(err)
	}
	if replaced != 4 {
		t.Errorf("expected 4 replacements but got %d", replaced)
	}

	if _, ok := net[1].(*BatchNorm); ok {
		t.Error("first BatchNorm stayed")
	}
	resid := net[2].(*Residual)
	for i, part := range []lightforker.Layer{resid.Layer, resid.Projection} {
		for j, layer := range part.(lightforker.Net) {
			if _, ok := layer.(*BatchNorm); ok {
				t.Errorf("residual part %d: layer %d is BatchNorm", i, j)
			}
		}
	}
	if _, ok := net[3].(*Residual).Layer.(*lightforker.Affine); !ok {
		t.Error("second residual's BatchNorm was not replaced")
	}

	actual := net.Apply(fullIn, n).Output()
	for i, x := range expected.Data().([]float64) {
		a := actual.Data().([]float64)[i]
		if math.Abs(x-a) > 1e-5 || math.IsNaN(a) || math.IsNaN(x) {
			t.Errorf("output %d should be %f but got %f", i, x, a)
		}
	}
}

func TestPostTrainerChannelMismatch(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	var samples vecList
	for i := 0; i < 4; i++ {
		vec := c.MakeVector(3)
		anyvec.Rand(vec, anyvec.Normal, nil)
		samples = append(samples, vec)
	}
	for _, bn := range []*BatchNorm{
		randomizedBatchNorm(3),
		{InputCount: 2, Scalers: randomizedBatchNorm(3).Scalers,
			Biases: randomizedBatchNorm(2).Biases},
	} {
		net := lightforker.Net{lightforker.NewFC(c, 3, 4), bn}
		pt := &PostTrainer{Samples: samples, Fetcher: vecFetcher{}, BatchSize: 2, Net: net}
		replaced, err := pt.Run()
		var mismatch *lightforker.ConfigurationMismatch
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected ConfigurationMismatch but got %v", err)
		}
		if replaced != 0 {
			t.Errorf("expected no replacements but got %d", replaced)
		}
		if net[1] != bn {
			t.Error("BatchNorm should stay in place")
		}
	}
}

func randomizedBatchNorm(inCount int) *BatchNorm {
	res := NewBatchNorm(anyvec64.DefaultCreator{}, inCount)
	anyvec.Rand(res.Scalers.Vector, anyvec.Normal, nil)
	anyvec.Rand(res.Biases.Vector, anyvec.Normal, nil)
	return res
}
