package encoder

import "math"

// locate clamps a sampling coordinate to [0, size-1] and
// finds the two grid cells to interpolate between.
//
// The coordinate is ref*(size-1) + offset, so ref in [0,1]
// spans the whole extent. Infinite offsets are clamped
// like any other out-of-range value.
func locate(ref, offset float64, size int) (i0, i1 int, frac float64, clamped bool) {
	loc := ref*float64(size-1) + offset
	max := float64(size - 1)
	if loc < 0 {
		loc, clamped = 0, true
	} else if loc > max {
		loc, clamped = max, true
	}
	i0 = int(math.Floor(loc))
	if i0 >= size-1 {
		i0 = size - 1
		i1 = i0
	} else {
		i1 = i0 + 1
	}
	return i0, i1, loc - float64(i0), clamped
}
