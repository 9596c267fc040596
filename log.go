package lightforker

import "log"

// Logf is used for warnings raised by the numeric core,
// such as clipped likelihoods.
var Logf = log.Printf

// SetLogger replaces Logf.
// Passing nil restores the standard logger.
func SetLogger(f func(format string, args ...interface{})) {
	if f == nil {
		Logf = log.Printf
		return
	}
	Logf = f
}
