package predictor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/resultlog"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec/anyvec64"
)

type degenerateLog struct {
	Branches []string
	Samples  [][]string
}

func (d *degenerateLog) ObserveDegenerate(branch string, samples []string) {
	d.Branches = append(d.Branches, branch)
	d.Samples = append(d.Samples, samples)
}

func labeledBatch(t *testing.T, m *Model, cfg *lightforker.Config) *Batch {
	return testBatch(t, m,
		testSample(cfg, "a", []float64{1, 0, 0, 1}),
		testSample(cfg, "b", []float64{0, 1, 0.2, 0.8}),
	)
}

func branchLossValue(t *testing.T, m *Model, b *Batch, probs []float64, half int) float64 {
	res, err := m.branchLoss("straight", anydiff.NewConst(anyvec64.MakeVectorData(probs)), b,
		half)
	if err != nil {
		t.Fatal(err)
	}
	return res.Output().Data().([]float64)[0]
}

func TestBranchLoss(t *testing.T) {
	cfg := testConfig()
	m := testModel(t, cfg)
	b := labeledBatch(t, m, cfg)

	// Straight targets are [0 1]; left targets are [1 1].
	if loss := branchLossValue(t, m, b, []float64{1, 0, 0, 1}, 0); math.Abs(loss) > 1e-9 {
		t.Errorf("perfect prediction: expected 0 but got %f", loss)
	}
	if loss := branchLossValue(t, m, b, []float64{0, 1, 0, 1}, 1); math.Abs(loss) > 1e-9 {
		t.Errorf("perfect prediction: expected 0 but got %f", loss)
	}
	uniform := []float64{0.5, 0.5, 0.5, 0.5}
	if loss := branchLossValue(t, m, b, uniform, 0); math.Abs(loss-math.Log(2)) > 1e-9 {
		t.Errorf("uniform prediction: expected log(2) but got %f", loss)
	}
	expected := -(math.Log(0.9) + math.Log(0.3)) / 2
	if loss := branchLossValue(t, m, b, []float64{0.9, 0.1, 0.7, 0.3}, 0); math.Abs(
		loss-expected) > 1e-9 {
		t.Errorf("expected %f but got %f", expected, loss)
	}
}

func TestBranchLossDegenerate(t *testing.T) {
	var logged []string
	lightforker.SetLogger(func(format string, args ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})
	defer lightforker.SetLogger(nil)

	cfg := testConfig()
	m := testModel(t, cfg)
	observer := &degenerateLog{}
	m.Observer = observer
	b := labeledBatch(t, m, cfg)
	// Sample a puts no mass on its true class 0.
	probs := anydiff.NewConst(anyvec64.MakeVectorData([]float64{0, 1, 0.5, 0.5}))

	_, err := m.branchLoss("straight", probs, b, 0)
	var degenerate *lightforker.DegenerateLikelihood
	if !errors.As(err, &degenerate) {
		t.Fatalf("expected DegenerateLikelihood but got %v", err)
	}
	if degenerate.Branch != "straight" || fmt.Sprint(degenerate.Samples) != "[a]" {
		t.Errorf("unexpected error: %v", degenerate)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "a") {
		t.Errorf("unexpected log: %v", logged)
	}

	m.LikelihoodEpsilon = 1e-4
	loss, err := m.branchLoss("straight", probs, b, 0)
	if err != nil {
		t.Fatal(err)
	}
	expected := -(math.Log(1e-4) + math.Log(0.5)) / 2
	if actual := loss.Output().Data().([]float64)[0]; math.Abs(actual-expected) > 1e-9 {
		t.Errorf("expected clipped loss %f but got %f", expected, actual)
	}
	if len(logged) != 2 {
		t.Errorf("clipped likelihood should still be logged: %v", logged)
	}
	if len(observer.Branches) != 2 {
		t.Errorf("expected 2 observations but got %d", len(observer.Branches))
	}
}

func TestClippedLogProp(t *testing.T) {
	v := anydiff.NewVar(anyvec64.MakeVectorData([]float64{0.5, 2, 0.01, 3, 0.2}))
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			return clippedLog(v, 0.1)
		},
		V: []*anydiff.Var{v},
	}
	checker.FullCheck(t)
}

func TestTrainingLossUnlabeled(t *testing.T) {
	cfg := testConfig()
	m := testModel(t, cfg)
	b := testBatch(t, m, testSample(cfg, "a", []float64{1, 0, 0, 1}),
		testSample(cfg, "b", nil))
	if _, err := m.TrainingLoss(b); err == nil {
		t.Error("expected error for unlabeled sample")
	}
	b = testBatch(t, m, testSample(cfg, "c", nil))
	if _, err := m.TrainingLoss(b); err == nil {
		t.Error("expected error for unlabeled batch")
	}
}

func TestDecode(t *testing.T) {
	cfg := testConfig()
	m := testModel(t, cfg)
	b := testBatch(t, m,
		testSample(cfg, "a", []float64{1, 0, 0, 1}),
		testSample(cfg, "b", nil),
		testSample(cfg, "c", []float64{0, 1, 1, 0}),
	)
	store := &resultlog.MemoryStore{}
	w := resultlog.NewWriter(store)
	records, err := m.Decode(b, w)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(store.Records()) != fmt.Sprint(records) {
		t.Errorf("stored %v but returned %v", store.Records(), records)
	}

	st, lf, err := m.Predict(b)
	if err != nil {
		t.Fatal(err)
	}
	trueClasses := [][2]int{{0, 1}, {resultlog.NoClass, resultlog.NoClass}, {1, 0}}
	for i, r := range records {
		if r.Name != b.Names[i] || r.RunID != m.RunID {
			t.Errorf("record %d: bad identity %v", i, r)
		}
		stData := st.Data().([]float64)[i*2 : i*2+2]
		lfData := lf.Data().([]float64)[i*2 : i*2+2]
		if (stData[1] > stData[0]) != (r.StraightPred == 1) {
			t.Errorf("record %d: straight prediction %d for %v", i, r.StraightPred, stData)
		}
		if (lfData[1] > lfData[0]) != (r.LeftPred == 1) {
			t.Errorf("record %d: left prediction %d for %v", i, r.LeftPred, lfData)
		}
		if r.StraightTrue != trueClasses[i][0] || r.LeftTrue != trueClasses[i][1] {
			t.Errorf("record %d: bad true classes %v", i, r)
		}
		expected := resultlog.NewRecord(m.RunID, r.Name, r.StraightPred, r.StraightTrue,
			r.LeftPred, r.LeftTrue).Flag
		if r.Flag != expected {
			t.Errorf("record %d: flag %s should be %s", i, r.Flag, expected)
		}
	}
	if records[1].Flag != resultlog.Unlabeled {
		t.Errorf("unlabeled sample got flag %s", records[1].Flag)
	}

	unlabeled := testBatch(t, m, testSample(cfg, "d", nil))
	records, err = m.Decode(unlabeled, nil)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Flag != resultlog.Unlabeled || records[0].StraightTrue != resultlog.NoClass {
		t.Errorf("unexpected record %v", records[0])
	}
}
