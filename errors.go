package lightforker

import (
	"fmt"
	"strings"
)

// ConfigurationMismatch indicates that two pieces of the
// model disagree about a shape or hyperparameter, for
// example a checkpoint and the config it is loaded with.
type ConfigurationMismatch struct {
	Component string
	Field     string
	Expected  interface{}
	Actual    interface{}
}

func (c *ConfigurationMismatch) Error() string {
	return fmt.Sprintf("configuration mismatch in %s: %s should be %v but got %v",
		c.Component, c.Field, c.Expected, c.Actual)
}

// NumericalInstability indicates that a non-finite value
// appeared in an intermediate result.
//
// Batch holds the offending batch indices. Samples is
// filled in with sample names when they are known.
type NumericalInstability struct {
	Stage   string
	Batch   []int
	Samples []string
}

func (n *NumericalInstability) Error() string {
	if len(n.Samples) > 0 {
		return fmt.Sprintf("numerical instability in %s (samples: %s)", n.Stage,
			strings.Join(n.Samples, ", "))
	}
	return fmt.Sprintf("numerical instability in %s (batch indices: %v)", n.Stage, n.Batch)
}

// DegenerateLikelihood indicates that the model assigned
// zero probability to the true class of some samples, so
// the log-likelihood is undefined.
type DegenerateLikelihood struct {
	Branch  string
	Samples []string
}

func (d *DegenerateLikelihood) Error() string {
	return fmt.Sprintf("degenerate likelihood on %s branch (samples: %s)", d.Branch,
		strings.Join(d.Samples, ", "))
}
