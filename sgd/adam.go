package sgd

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const (
	adamDefaultDecayRate1 = 0.9
	adamDefaultDecayRate2 = 0.999
	adamDefaultDamping    = 1e-8
)

// Adam implements the adaptive moments technique from
// https://arxiv.org/abs/1412.6980.
type Adam struct {
	// Decay rates for the first and second moments.
	// Zero values select the defaults from the paper.
	DecayRate1, DecayRate2 float64

	// Damping is added to the second moment before the
	// division. Zero selects a default.
	Damping float64

	firstMoment  anydiff.Grad
	secondMoment anydiff.Grad
	iteration    float64
}

// Transform turns a raw gradient into an Adam step
// direction.
func (a *Adam) Transform(g anydiff.Grad) anydiff.Grad {
	a.updateMoments(g)
	a.iteration++

	r1, r2 := orDefault(a.DecayRate1, adamDefaultDecayRate1),
		orDefault(a.DecayRate2, adamDefaultDecayRate2)
	correction := math.Sqrt(1-math.Pow(r2, a.iteration)) / (1 - math.Pow(r1, a.iteration))
	damping := orDefault(a.Damping, adamDefaultDamping)
	for variable, vec := range g {
		c := vec.Creator()
		vec.Set(a.firstMoment[variable])
		vec.Scale(c.MakeNumeric(correction))

		divisor := a.secondMoment[variable].Copy()
		anyvec.Pow(divisor, c.MakeNumeric(0.5))
		divisor.AddScalar(c.MakeNumeric(damping))
		vec.Div(divisor)
	}
	return g
}

func (a *Adam) updateMoments(g anydiff.Grad) {
	if a.firstMoment == nil {
		a.firstMoment = zeroGrad(g)
		a.secondMoment = zeroGrad(g)
	}
	r1, r2 := orDefault(a.DecayRate1, adamDefaultDecayRate1),
		orDefault(a.DecayRate2, adamDefaultDecayRate2)
	for variable, vec := range g {
		c := vec.Creator()

		first := a.firstMoment[variable]
		first.Scale(c.MakeNumeric(r1))
		scaled := vec.Copy()
		scaled.Scale(c.MakeNumeric(1 - r1))
		first.Add(scaled)

		second := a.secondMoment[variable]
		second.Scale(c.MakeNumeric(r2))
		sq := vec.Copy()
		sq.Mul(vec)
		sq.Scale(c.MakeNumeric(1 - r2))
		second.Add(sq)
	}
}

func zeroGrad(g anydiff.Grad) anydiff.Grad {
	res := anydiff.Grad{}
	for variable, vec := range g {
		res[variable] = vec.Creator().MakeVector(vec.Len())
	}
	return res
}

func orDefault(val, def float64) float64 {
	if val == 0 {
		return def
	}
	return val
}
