package sgd

import (
	"errors"
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

type testSample struct {
	X2 float64
	Y2 float64
	XY float64
	X  float64
	Y  float64
}

func (t *testSample) Apply(x, y anydiff.Res) anydiff.Res {
	mk := x.Output().Creator().MakeNumeric
	a := anydiff.Scale(anydiff.Mul(x, x), mk(t.X2))
	b := anydiff.Scale(anydiff.Mul(y, y), mk(t.Y2))
	c := anydiff.Scale(anydiff.Mul(x, y), mk(t.XY))
	d := anydiff.Scale(x, mk(t.X))
	e := anydiff.Scale(y, mk(t.Y))
	return anydiff.Add(anydiff.Add(a, b), anydiff.Add(anydiff.Add(c, d), e))
}

type testSampleList []*testSample

// The polynomials add up to 3x^2+3xy-2x+y^2, which has
// its minimum at (4/3, -2).
func newTestSampleList() testSampleList {
	return testSampleList{
		{X2: 2, X: -1, XY: 0, Y2: 0.5},
		{X2: -1, X: 0, XY: 2, Y2: 0.5},
		{X2: 2, X: -1, XY: 1, Y2: 0},
	}
}

func (t testSampleList) Len() int {
	return len(t)
}

func (t testSampleList) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
}

func (t testSampleList) Slice(i, j int) SampleList {
	return append(testSampleList{}, t[i:j]...)
}

type testStopper struct {
	callsRemaining int
}

func (t *testStopper) Done() bool {
	t.callsRemaining--
	return t.callsRemaining < 0
}

type testFetcher struct{}

func (testFetcher) Fetch(s SampleList) (Batch, error) {
	return s, nil
}

type testGradienter struct {
	X *anydiff.Var
	Y *anydiff.Var

	// FailEvery makes every n-th call fail.
	FailEvery int
	calls     int
}

func newTestGradienter() *testGradienter {
	c := anyvec64.DefaultCreator{}
	return &testGradienter{
		X: anydiff.NewVar(c.MakeVector(1)),
		Y: anydiff.NewVar(c.MakeVector(1)),
	}
}

func (t *testGradienter) Gradient(b Batch) (anydiff.Grad, error) {
	t.calls++
	if t.FailEvery != 0 && t.calls%t.FailEvery == 0 {
		return nil, errors.New("bad batch")
	}
	var cost anydiff.Res
	for _, x := range b.(testSampleList) {
		res := x.Apply(t.X, t.Y)
		if cost == nil {
			cost = res
		} else {
			cost = anydiff.Add(cost, res)
		}
	}
	c := t.X.Vector.Creator()
	grad := anydiff.Grad{
		t.X: c.MakeVector(1),
		t.Y: c.MakeVector(1),
	}
	cost.Propagate(c.MakeVectorData(c.MakeNumericList([]float64{1})), grad)
	return grad, nil
}

func (t *testGradienter) current() (x, y float64) {
	return t.X.Vector.Data().([]float64)[0], t.Y.Vector.Data().([]float64)[0]
}

func (t *testGradienter) errorMargin() float64 {
	x, y := t.current()
	return math.Max(math.Abs(x-4.0/3), math.Abs(y+2))
}

func TestSGD(t *testing.T) {
	g := newTestGradienter()
	s := &SGD{
		Fetcher:    testFetcher{},
		Gradienter: g,
		Samples:    newTestSampleList(),
		Rater:      ConstRater(0.1),
	}
	if err := s.Run(&testStopper{callsRemaining: 1000}); err != nil {
		t.Fatal(err)
	}
	if g.errorMargin() > 1e-3 {
		x, y := g.current()
		t.Errorf("bad solution: %f, %f", x, y)
	}
}

func TestAdam(t *testing.T) {
	g := newTestGradienter()
	s := &SGD{
		Fetcher:     testFetcher{},
		Gradienter:  g,
		Transformer: &Adam{},
		Samples:     newTestSampleList(),
		Rater:       ConstRater(0.005),
	}
	if err := s.Run(&testStopper{callsRemaining: 10000}); err != nil {
		t.Fatal(err)
	}
	if g.errorMargin() > 5e-2 {
		x, y := g.current()
		t.Errorf("bad solution: %f, %f", x, y)
	}
}

func TestSGDErrors(t *testing.T) {
	t.Run("Halt", func(t *testing.T) {
		g := newTestGradienter()
		g.FailEvery = 3
		s := &SGD{
			Fetcher:    testFetcher{},
			Gradienter: g,
			Samples:    newTestSampleList(),
			Rater:      ConstRater(0.1),
			BatchSize:  1,
		}
		if err := s.Run(&testStopper{callsRemaining: 10}); err == nil {
			t.Fatal("expected error")
		}
		if g.calls != 3 {
			t.Errorf("expected 3 calls but got %d", g.calls)
		}
	})
	t.Run("Skip", func(t *testing.T) {
		g := newTestGradienter()
		g.FailEvery = 3
		var skipped int
		s := &SGD{
			Fetcher:    testFetcher{},
			Gradienter: g,
			Samples:    newTestSampleList(),
			Rater:      ConstRater(0.1),
			BatchSize:  1,
			ErrorFunc: func(err error) error {
				skipped++
				return nil
			},
		}
		if err := s.Run(&testStopper{callsRemaining: 9}); err != nil {
			t.Fatal(err)
		}
		if skipped != 3 || s.NumProcessed != 9 {
			t.Errorf("skipped=%d processed=%d", skipped, s.NumProcessed)
		}
	})
}

func TestSGDEpochFunc(t *testing.T) {
	var epochs []int
	s := &SGD{
		Fetcher:    testFetcher{},
		Gradienter: newTestGradienter(),
		Samples:    newTestSampleList(),
		Rater:      ConstRater(0.01),
		BatchSize:  2,
		EpochFunc: func(epoch int) error {
			epochs = append(epochs, epoch)
			return nil
		},
	}
	// Batches of 2 then 1 sample make up each epoch.
	if err := s.Run(&testStopper{callsRemaining: 6}); err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 3 || epochs[0] != 1 || epochs[2] != 3 {
		t.Errorf("unexpected epochs: %v", epochs)
	}
}

func TestStepRater(t *testing.T) {
	r := &StepRater{Init: 1e-4, StepSize: 3, Factor: 0.5}
	expected := map[float64]float64{
		0:   1e-4,
		2.9: 1e-4,
		3:   5e-5,
		5.5: 5e-5,
		6:   2.5e-5,
	}
	for epoch, rate := range expected {
		if actual := r.Rate(epoch); math.Abs(actual-rate) > 1e-12 {
			t.Errorf("epoch %f: expected %e but got %e", epoch, rate, actual)
		}
	}
}

func TestClipNorm(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v1 := anydiff.NewVar(c.MakeVector(2))
	v2 := anydiff.NewVar(c.MakeVector(1))
	g := anydiff.Grad{
		v1: c.MakeVectorData([]float64{3, 0}),
		v2: c.MakeVectorData([]float64{4}),
	}
	g = (&ClipNorm{Max: 1}).Transform(g)
	if norm := GradNorm(g); math.Abs(norm-1) > 1e-9 {
		t.Errorf("expected norm 1 but got %f", norm)
	}
	if x := anyvec.Sum(g[v2]).(float64); math.Abs(x-0.8) > 1e-9 {
		t.Errorf("expected 0.8 but got %f", x)
	}
}
