package conv

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// columnMeanRes holds the scaled column sums of a
// row-major matrix with the given number of columns:
//
//     out[j] = scale * sum_i in[i][j]
//
// With scale = -1/rows, this is the negative mean of every
// channel of a depth-minor batch.
type columnMeanRes struct {
	In    anydiff.Res
	Scale anyvec.Numeric
	Out   anyvec.Vector
}

func negColumnMean(in anydiff.Res, cols int) anydiff.Res {
	rows := checkedRows(in, cols)
	scale := in.Output().Creator().MakeNumeric(-1 / float64(rows))
	out := anyvec.SumRows(in.Output(), cols)
	out.Scale(scale)
	return &columnMeanRes{In: in, Scale: scale, Out: out}
}

func (c *columnMeanRes) Output() anyvec.Vector {
	return c.Out
}

func (c *columnMeanRes) Vars() anydiff.VarSet {
	return c.In.Vars()
}

func (c *columnMeanRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	u.Scale(c.Scale)
	if v, ok := c.In.(*anydiff.Var); ok {
		if downstream, ok := g[v]; ok {
			anyvec.AddRepeated(downstream, u)
		}
		return
	}
	downstream := u.Creator().MakeVector(c.In.Output().Len())
	anyvec.AddRepeated(downstream, u)
	c.In.Propagate(downstream, g)
}

// columnMeanSquareRes is the per-column mean of the
// squared entries of a row-major matrix.
type columnMeanSquareRes struct {
	In   anydiff.Res
	Rows int
	Out  anyvec.Vector
}

func columnMeanSquare(in anydiff.Res, cols int) anydiff.Res {
	rows := checkedRows(in, cols)
	sq := in.Output().Copy()
	sq.Mul(in.Output())
	out := anyvec.SumRows(sq, cols)
	out.Scale(out.Creator().MakeNumeric(1 / float64(rows)))
	return &columnMeanSquareRes{In: in, Rows: rows, Out: out}
}

func (c *columnMeanSquareRes) Output() anyvec.Vector {
	return c.Out
}

func (c *columnMeanSquareRes) Vars() anydiff.VarSet {
	return c.In.Vars()
}

func (c *columnMeanSquareRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	u.Scale(u.Creator().MakeNumeric(2 / float64(c.Rows)))
	downstream := u.Creator().MakeVector(c.In.Output().Len())
	anyvec.AddRepeated(downstream, u)
	downstream.Mul(c.In.Output())
	c.In.Propagate(downstream, g)
}

func checkedRows(in anydiff.Res, cols int) int {
	if in.Output().Len()%cols != 0 {
		panic("column count must divide input size")
	}
	return in.Output().Len() / cols
}
