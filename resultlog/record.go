// Package resultlog persists the per-sample outcomes of
// decoding a test set.
//
// Decoders hand records to a Writer, which owns the
// stores and appends every batch from a single goroutine.
package resultlog

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// A Flag classifies a decoded sample.
type Flag string

const (
	// Right means both branches matched the label.
	Right Flag = "right"

	// Error means at least one branch was wrong.
	Error Flag = "error"

	// Unlabeled means the sample had no label to compare
	// against.
	Unlabeled Flag = "unlabeled"
)

// NoClass is the true class of an unlabeled branch.
const NoClass = -1

// A Record is the outcome of decoding one sample.
type Record struct {
	RunID uuid.UUID
	Name  string

	StraightPred int
	StraightTrue int
	LeftPred     int
	LeftTrue     int

	Flag Flag
}

// NewRecord creates a record and computes its flag.
// A true class of NoClass marks the sample unlabeled.
func NewRecord(runID uuid.UUID, name string, stPred, stTrue, lfPred, lfTrue int) Record {
	r := Record{
		RunID:        runID,
		Name:         name,
		StraightPred: stPred,
		StraightTrue: stTrue,
		LeftPred:     lfPred,
		LeftTrue:     lfTrue,
	}
	switch {
	case stTrue == NoClass || lfTrue == NoClass:
		r.Flag = Unlabeled
	case stPred == stTrue && lfPred == lfTrue:
		r.Flag = Right
	default:
		r.Flag = Error
	}
	return r
}

// Line formats the record as a result-file line, without
// the trailing newline:
//
//     name st_pred st_true lf_pred lf_true flag
//
// Names which are empty, start with a quote, or contain
// spaces or control characters are written as Go string
// literals.
func (r Record) Line() string {
	return fmt.Sprintf("%s %d %d %d %d %s", quoteName(r.Name), r.StraightPred,
		r.StraightTrue, r.LeftPred, r.LeftTrue, r.Flag)
}

// ParseLine parses a line produced by Line.
// The run ID is not part of the line and is left zero.
func ParseLine(line string) (Record, error) {
	name, rest, err := splitName(line)
	if err != nil {
		return Record{}, fmt.Errorf("parse result line: %v", err)
	}
	fields := strings.Fields(rest)
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("parse result line: expected 6 fields but got %d",
			len(fields)+1)
	}
	var classes [4]int
	for i := range classes {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return Record{}, fmt.Errorf("parse result line: %v", err)
		}
		classes[i] = n
	}
	r := NewRecord(uuid.Nil, name, classes[0], classes[1], classes[2], classes[3])
	if string(r.Flag) != fields[4] {
		return Record{}, fmt.Errorf("parse result line: flag %q disagrees with classes",
			fields[4])
	}
	return r, nil
}

func quoteName(name string) string {
	if name == "" || strings.HasPrefix(name, `"`) {
		return strconv.Quote(name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return strconv.Quote(name)
		}
	}
	return name
}

func splitName(line string) (name, rest string, err error) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	if strings.HasPrefix(line, `"`) {
		quoted, err := strconv.QuotedPrefix(line)
		if err != nil {
			return "", "", fmt.Errorf("bad quoted name: %v", err)
		}
		name, err := strconv.Unquote(quoted)
		if err != nil {
			return "", "", fmt.Errorf("bad quoted name: %v", err)
		}
		return name, line[len(quoted):], nil
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", "", fmt.Errorf("expected 6 fields but got 0")
	}
	return fields[0], line[len(fields[0]):], nil
}
