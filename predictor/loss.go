package predictor

import (
	"fmt"
	"math"
	"strings"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/decoder"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// TrainingLoss computes the summed negative log-likelihood
// of both branches, each averaged over samples and
// queries.
//
// The true class of a branch is the arg-max of its label
// half. If a true class gets zero probability, a warning
// is logged and, unless LikelihoodEpsilon is set, the
// result is a *lightforker.DegenerateLikelihood.
func (m *Model) TrainingLoss(b *Batch) (anydiff.Res, error) {
	if b.Labels == nil {
		return nil, fmt.Errorf("training loss: batch has no labels")
	}
	for i, name := range b.Names {
		if !b.labeled(i, 2*m.NumClasses) {
			return nil, fmt.Errorf("training loss: sample %s has no label", name)
		}
	}
	st, lf, err := m.Forward(b, b.Labels)
	if err != nil {
		return nil, err
	}
	stLoss, err := m.branchLoss("straight", st, b, 0)
	if err != nil {
		return nil, err
	}
	lfLoss, err := m.branchLoss("left", lf, b, 1)
	if err != nil {
		return nil, err
	}
	return anydiff.Add(stLoss, lfLoss), nil
}

func (m *Model) branchLoss(branch string, probs anydiff.Res, b *Batch,
	half int) (anydiff.Res, error) {
	c := probs.Output().Creator()
	q := m.numQueries()
	rows := b.Size() * q
	targets := decoder.ArgMax(m.labelHalf(b.Labels, half), m.NumClasses)

	mask := make([]float64, rows*m.NumClasses)
	for i := 0; i < rows; i++ {
		mask[i*m.NumClasses+targets[i/q]] = 1
	}
	trueProbs := anydiff.SumCols(&anydiff.Matrix{
		Data: anydiff.Mul(probs, anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(mask)))),
		Rows: rows,
		Cols: m.NumClasses,
	})

	if names := degenerateSamples(trueProbs.Output(), b.Names, q); len(names) > 0 {
		lightforker.Logf("warning: zero likelihood on %s branch for %s", branch,
			strings.Join(names, ", "))
		if m.Observer != nil {
			m.Observer.ObserveDegenerate(branch, names)
		}
		if m.LikelihoodEpsilon == 0 {
			return nil, &lightforker.DegenerateLikelihood{Branch: branch, Samples: names}
		}
	}

	logs := clippedLog(trueProbs, m.LikelihoodEpsilon)
	return anydiff.Scale(anydiff.Sum(logs), c.MakeNumeric(-1/float64(rows))), nil
}

func degenerateSamples(probs anyvec.Vector, names []string, queries int) []string {
	var res []string
	seen := map[int]bool{}
	for i, p := range vectorFloats(probs) {
		if p <= 0 && !seen[i/queries] {
			seen[i/queries] = true
			res = append(res, names[i/queries])
		}
	}
	return res
}

// logRes computes log(max(x, Floor)) elementwise.
// Clipped entries get no gradient.
type logRes struct {
	In     anydiff.Res
	Floor  float64
	OutVec anyvec.Vector

	in []float64
}

func clippedLog(in anydiff.Res, floor float64) anydiff.Res {
	inData := vectorFloats(in.Output())
	out := make([]float64, len(inData))
	for i, x := range inData {
		out[i] = math.Log(math.Max(x, floor))
	}
	c := in.Output().Creator()
	return &logRes{
		In:     in,
		Floor:  floor,
		OutVec: c.MakeVectorData(c.MakeNumericList(out)),
		in:     inData,
	}
}

func (l *logRes) Output() anyvec.Vector {
	return l.OutVec
}

func (l *logRes) Vars() anydiff.VarSet {
	return l.In.Vars()
}

func (l *logRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !g.Intersects(l.In.Vars()) {
		return
	}
	upstream := vectorFloats(u)
	down := make([]float64, len(upstream))
	for i, x := range l.in {
		if x > l.Floor {
			down[i] = upstream[i] / x
		}
	}
	c := u.Creator()
	l.In.Propagate(c.MakeVectorData(c.MakeNumericList(down)), g)
}
