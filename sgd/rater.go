package sgd

import "math"

// A ConstRater always returns the same learning rate.
type ConstRater float64

// Rate returns float64(c).
func (c ConstRater) Rate(epoch float64) float64 {
	return float64(c)
}

// A StepRater decays the learning rate by a constant
// factor every StepSize whole epochs:
//
//     Init * Factor^floor(floor(epoch) / StepSize)
type StepRater struct {
	Init     float64
	StepSize int
	Factor   float64
}

// Rate computes the learning rate for the epoch.
func (s *StepRater) Rate(epoch float64) float64 {
	if s.StepSize <= 0 {
		return s.Init
	}
	steps := int(math.Floor(epoch)) / s.StepSize
	return s.Init * math.Pow(s.Factor, float64(steps))
}
