package resultlog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestSummary(t *testing.T) {
	s := NewSummary(2)
	s.Add(
		NewRecord(uuid.Nil, "a", 0, 0, 1, 1),
		NewRecord(uuid.Nil, "b", 1, 0, 1, 1),
		NewRecord(uuid.Nil, "c", 1, 1, 0, 1),
		NewRecord(uuid.Nil, "d", 0, 0, 0, 0),
		NewRecord(uuid.Nil, "e", 1, NoClass, 1, NoClass),
	)
	assert.Equal(t, 2, s.Right)
	assert.Equal(t, 2, s.Errors)
	assert.Equal(t, 1, s.Unlabeled)
	assert.InDelta(t, 0.5, s.Accuracy(), 1e-9)

	expectedStraight := mat.NewDense(2, 2, []float64{2, 1, 0, 1})
	expectedLeft := mat.NewDense(2, 2, []float64{1, 0, 1, 2})
	assert.True(t, mat.Equal(expectedStraight, s.Straight))
	assert.True(t, mat.Equal(expectedLeft, s.Left))

	assert.InDelta(t, 0.75, BranchAccuracy(s.Straight), 1e-9)
	assert.InDeltaSlice(t, []float64{2.0 / 3, 1}, Recall(s.Straight), 1e-9)
	assert.Contains(t, s.String(), "straight: accuracy 0.7500")
}

func TestSummaryEmpty(t *testing.T) {
	s := NewSummary(3)
	assert.Zero(t, s.Accuracy())
	assert.Zero(t, BranchAccuracy(s.Left))
	assert.Equal(t, []float64{0, 0, 0}, Recall(s.Left))
}
