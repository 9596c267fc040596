package sgd

import "math/rand"

// Shuffle randomly permutes a list of samples.
func Shuffle(s SampleList) {
	for i := 0; i < s.Len(); i++ {
		s.Swap(i, i+rand.Intn(s.Len()-i))
	}
}
