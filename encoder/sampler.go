package encoder

import (
	"math"
	"sort"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// geometry describes the index layout of a deformable
// sampling step.
//
// Query rows are ordered by frame, then sample, then
// query: row r = (f*Batch + b)*Queries + q. Per row, the
// offsets hold Heads×Levels×Points (x, y) pairs, the
// weights hold Heads×Levels×Points values, and the
// reference points hold Levels (x, y) pairs in [0, 1].
//
// Value maps are ordered by sample, then frame, and are
// row-major and depth-minor.
type geometry struct {
	Batch   int
	Queries int
	Frames  int
	Heads   int
	Levels  int
	Points  int
	Depth   int

	// Width and height of every level.
	Sizes [][2]int
}

func (g *geometry) row(f, b, q int) int {
	return (f*g.Batch+b)*g.Queries + q
}

func (g *geometry) headDepth() int {
	return g.Depth / g.Heads
}

func (g *geometry) pointIndex(h, l, p int) int {
	return (h*g.Levels+l)*g.Points + p
}

func (g *geometry) pointsPerRow() int {
	return g.Heads * g.Levels * g.Points
}

func (g *geometry) outSize() int {
	return g.Batch * g.Queries * g.Levels * g.Depth
}

// deformRes samples every level at the predicted
// locations and sums the weighted samples over points and
// frames.
//
// The output has one row per (sample, query), holding one
// Depth-sized block per level. Head h owns the channels
// [h*Depth/Heads, (h+1)*Depth/Heads) of every block.
type deformRes struct {
	Geom    geometry
	Values  []anydiff.Res
	Offsets anydiff.Res
	Weights anydiff.Res
	Refs    anydiff.Res

	values  [][]float64
	offsets []float64
	weights []float64
	refs    []float64

	OutVec anyvec.Vector
	V      anydiff.VarSet
}

// deformSample runs the sampling step.
// It fails with a *lightforker.NumericalInstability if a
// sampling location is NaN or an attention weight is not
// finite.
func deformSample(g geometry, values []anydiff.Res, offsets, weights,
	refs anydiff.Res) (*deformRes, error) {
	res := &deformRes{
		Geom:    g,
		Values:  values,
		Offsets: offsets,
		Weights: weights,
		Refs:    refs,
		offsets: vectorData(offsets.Output()),
		weights: vectorData(weights.Output()),
		refs:    vectorData(refs.Output()),
	}
	if bad := res.unstableSamples(); len(bad) > 0 {
		return nil, &lightforker.NumericalInstability{
			Stage: "scene aggregator",
			Batch: bad,
		}
	}

	varSets := []anydiff.VarSet{offsets.Vars(), weights.Vars(), refs.Vars()}
	for _, v := range values {
		res.values = append(res.values, vectorData(v.Output()))
		varSets = append(varSets, v.Vars())
	}
	res.V = anydiff.MergeVarSets(varSets...)

	out := make([]float64, g.outSize())
	lightforker.ParallelFor(g.Batch, func() func(int) {
		return func(b int) {
			res.visit(b, func(s *samplePoint) {
				outBlock := out[s.OutIdx : s.OutIdx+g.headDepth()]
				for c := range outBlock {
					outBlock[c] += s.Weight * s.interpolate(c)
				}
			})
		}
	})
	c := offsets.Output().Creator()
	res.OutVec = c.MakeVectorData(c.MakeNumericList(out))
	return res, nil
}

func (d *deformRes) Output() anyvec.Vector {
	return d.OutVec
}

func (d *deformRes) Vars() anydiff.VarSet {
	return d.V
}

func (d *deformRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	g := &d.Geom
	upstream := vectorData(u)
	offGrad := make([]float64, len(d.offsets))
	weightGrad := make([]float64, len(d.weights))
	refGrad := make([]float64, len(d.refs))
	valueGrads := make([][]float64, len(d.values))
	for l, v := range d.values {
		valueGrads[l] = make([]float64, len(v))
	}

	lightforker.ParallelFor(g.Batch, func() func(int) {
		return func(b int) {
			d.visit(b, func(s *samplePoint) {
				up := upstream[s.OutIdx : s.OutIdx+g.headDepth()]
				vg := valueGrads[s.Level]
				var dWeight, dX, dY float64
				for c, u := range up {
					dWeight += u * s.interpolate(c)
					scaled := u * s.Weight
					vg[s.Idx00+c] += scaled * (1 - s.FX) * (1 - s.FY)
					vg[s.Idx01+c] += scaled * s.FX * (1 - s.FY)
					vg[s.Idx10+c] += scaled * (1 - s.FX) * s.FY
					vg[s.Idx11+c] += scaled * s.FX * s.FY
					dX += scaled * s.gradX(c)
					dY += scaled * s.gradY(c)
				}
				weightGrad[s.WeightIdx] += dWeight
				if !s.ClampedX && s.X0 != s.X1 {
					offGrad[s.OffsetIdx] += dX
					refGrad[s.RefIdx] += dX * float64(s.Width-1)
				}
				if !s.ClampedY && s.Y0 != s.Y1 {
					offGrad[s.OffsetIdx+1] += dY
					refGrad[s.RefIdx+1] += dY * float64(s.Height-1)
				}
			})
		}
	})

	c := u.Creator()
	propagate := func(r anydiff.Res, data []float64) {
		if grad.Intersects(r.Vars()) {
			r.Propagate(c.MakeVectorData(c.MakeNumericList(data)), grad)
		}
	}
	propagate(d.Offsets, offGrad)
	propagate(d.Weights, weightGrad)
	propagate(d.Refs, refGrad)
	for l, v := range d.Values {
		propagate(v, valueGrads[l])
	}
}

// samplePoint is one bilinear lookup, for one head of one
// sampling point.
type samplePoint struct {
	Level  int
	Width  int
	Height int

	X0, X1, Y0, Y1     int
	FX, FY             float64
	ClampedX, ClampedY bool

	// Indices of the head's channels in the four corners.
	Idx00, Idx01, Idx10, Idx11 int

	Weight    float64
	WeightIdx int
	OffsetIdx int
	RefIdx    int
	OutIdx    int

	values []float64
}

func (s *samplePoint) interpolate(c int) float64 {
	v := s.values
	top := v[s.Idx00+c] + s.FX*(v[s.Idx01+c]-v[s.Idx00+c])
	bottom := v[s.Idx10+c] + s.FX*(v[s.Idx11+c]-v[s.Idx10+c])
	return top + s.FY*(bottom-top)
}

func (s *samplePoint) gradX(c int) float64 {
	v := s.values
	return (1-s.FY)*(v[s.Idx01+c]-v[s.Idx00+c]) + s.FY*(v[s.Idx11+c]-v[s.Idx10+c])
}

func (s *samplePoint) gradY(c int) float64 {
	v := s.values
	return (1-s.FX)*(v[s.Idx10+c]-v[s.Idx00+c]) + s.FX*(v[s.Idx11+c]-v[s.Idx01+c])
}

// visit calls f for every lookup that contributes to the
// output rows of sample b.
// The samplePoint is reused between calls.
func (d *deformRes) visit(b int, f func(s *samplePoint)) {
	g := &d.Geom
	hd := g.headDepth()
	var s samplePoint
	for q := 0; q < g.Queries; q++ {
		for fr := 0; fr < g.Frames; fr++ {
			row := g.row(fr, b, q)
			for l := 0; l < g.Levels; l++ {
				w, h := g.Sizes[l][0], g.Sizes[l][1]
				mapStart := (b*g.Frames + fr) * w * h * g.Depth
				refIdx := (row*g.Levels + l) * 2
				for head := 0; head < g.Heads; head++ {
					for p := 0; p < g.Points; p++ {
						pIdx := row*g.pointsPerRow() + g.pointIndex(head, l, p)
						s.Level, s.Width, s.Height = l, w, h
						s.X0, s.X1, s.FX, s.ClampedX = locate(d.refs[refIdx],
							d.offsets[pIdx*2], w)
						s.Y0, s.Y1, s.FY, s.ClampedY = locate(d.refs[refIdx+1],
							d.offsets[pIdx*2+1], h)
						corner := func(x, y int) int {
							return mapStart + (y*w+x)*g.Depth + head*hd
						}
						s.Idx00, s.Idx01 = corner(s.X0, s.Y0), corner(s.X1, s.Y0)
						s.Idx10, s.Idx11 = corner(s.X0, s.Y1), corner(s.X1, s.Y1)
						s.Weight = d.weights[pIdx]
						s.WeightIdx = pIdx
						s.OffsetIdx = pIdx * 2
						s.RefIdx = refIdx
						s.OutIdx = ((b*g.Queries+q)*g.Levels+l)*g.Depth + head*hd
						s.values = d.values[l]
						f(&s)
					}
				}
			}
		}
	}
}

// unstableSamples returns the sorted batch indices whose
// sampling locations are NaN or whose attention weights
// are not finite.
func (d *deformRes) unstableSamples() []int {
	g := &d.Geom
	bad := map[int]bool{}
	for i, x := range d.offsets {
		if math.IsNaN(x) {
			bad[d.sampleOfRow(i/(2*g.pointsPerRow()))] = true
		}
	}
	for i, x := range d.refs {
		if math.IsNaN(x) {
			bad[d.sampleOfRow(i/(2*g.Levels))] = true
		}
	}
	for i, x := range d.weights {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			bad[d.sampleOfRow(i/g.pointsPerRow())] = true
		}
	}
	var res []int
	for b := range bad {
		res = append(res, b)
	}
	sort.Ints(res)
	return res
}

func (d *deformRes) sampleOfRow(row int) int {
	return (row / d.Geom.Queries) % d.Geom.Batch
}

func vectorData(v anyvec.Vector) []float64 {
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
		panic("unsupported vector type")
	}
}
