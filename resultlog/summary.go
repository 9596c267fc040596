package resultlog

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// A Summary accumulates per-branch confusion matrices.
//
// Rows of a confusion matrix are true classes and columns
// are predicted classes. Unlabeled records are counted
// but do not enter the matrices.
type Summary struct {
	NumClasses int

	Straight *mat.Dense
	Left     *mat.Dense

	Right     int
	Errors    int
	Unlabeled int
}

// NewSummary creates an empty summary.
func NewSummary(numClasses int) *Summary {
	return &Summary{
		NumClasses: numClasses,
		Straight:   mat.NewDense(numClasses, numClasses, nil),
		Left:       mat.NewDense(numClasses, numClasses, nil),
	}
}

// Add counts the records.
// Records with classes outside of the matrices are
// counted as errors.
func (s *Summary) Add(records ...Record) {
	for _, r := range records {
		switch r.Flag {
		case Unlabeled:
			s.Unlabeled++
			continue
		case Right:
			s.Right++
		default:
			s.Errors++
		}
		s.count(s.Straight, r.StraightTrue, r.StraightPred)
		s.count(s.Left, r.LeftTrue, r.LeftPred)
	}
}

func (s *Summary) count(m *mat.Dense, actual, pred int) {
	if actual < 0 || actual >= s.NumClasses || pred < 0 || pred >= s.NumClasses {
		return
	}
	m.Set(actual, pred, m.At(actual, pred)+1)
}

// Put implements Store, so a Summary can be filled by a
// Writer.
func (s *Summary) Put(records []Record) error {
	s.Add(records...)
	return nil
}

// Close does nothing.
func (s *Summary) Close() error {
	return nil
}

// Accuracy returns the fraction of labeled records for
// which both branches were right.
func (s *Summary) Accuracy() float64 {
	total := s.Right + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Right) / float64(total)
}

// BranchAccuracy returns the fraction of correct
// predictions recorded in a confusion matrix.
func BranchAccuracy(m *mat.Dense) float64 {
	total := mat.Sum(m)
	if total == 0 {
		return 0
	}
	return mat.Trace(m) / total
}

// Recall returns the per-class recall of a confusion
// matrix. Classes that never occur get a recall of 0.
func Recall(m *mat.Dense) []float64 {
	rows, _ := m.Dims()
	res := make([]float64, rows)
	for i := range res {
		row := mat.Row(nil, i, m)
		if total := floats.Sum(row); total > 0 {
			res[i] = row[i] / total
		}
	}
	return res
}

// String formats the summary for a terminal.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "samples: %d right, %d error, %d unlabeled (accuracy %.4f)\n",
		s.Right, s.Errors, s.Unlabeled, s.Accuracy())
	for _, branch := range []struct {
		Name string
		M    *mat.Dense
	}{{"straight", s.Straight}, {"left", s.Left}} {
		fmt.Fprintf(&b, "%s: accuracy %.4f, recall %.4f\n", branch.Name,
			BranchAccuracy(branch.M), Recall(branch.M))
		fmt.Fprintf(&b, "  %v\n", mat.Formatted(branch.M, mat.Prefix("  "), mat.Squeeze()))
	}
	return b.String()
}
