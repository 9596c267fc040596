package predictor

import (
	"github.com/gordonliu0/LightForker/sgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Sample is one frame buffer with its metadata.
type Sample struct {
	// Name identifies the sample in logs and results.
	Name string

	// Frames holds the frames of the buffer, oldest first,
	// each height×width×3 and normalized.
	Frames anyvec.Vector

	// Label holds a distribution over the straight classes
	// followed by one over the left classes.
	// It is nil for unlabeled samples.
	Label []float64
}

// A SampleList is an sgd.SampleList of Samples.
type SampleList interface {
	sgd.SampleList

	GetSample(idx int) (*Sample, error)
}

// A SliceSampleList is a SampleList of in-memory samples.
type SliceSampleList []*Sample

// Len returns the number of samples.
func (s SliceSampleList) Len() int {
	return len(s)
}

// Swap swaps two samples.
func (s SliceSampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Slice copies a sub-slice of the list.
func (s SliceSampleList) Slice(i, j int) sgd.SampleList {
	return append(SliceSampleList{}, s[i:j]...)
}

// GetSample returns the sample at the index.
func (s SliceSampleList) GetSample(idx int) (*Sample, error) {
	return s[idx], nil
}

// Hash hashes the name of a sample, so that splits stay
// stable when samples are added.
func (s SliceSampleList) Hash(i int) []byte {
	return sgd.HashName(s[i].Name)
}

// A Batch is a packed list of samples.
type Batch struct {
	Names []string

	// Frames holds the frame buffers of every sample.
	Frames anyvec.Vector

	// FramesPerSample is the length of every buffer.
	FramesPerSample int

	// Labels holds the labels of every sample, or is nil
	// if no sample is labeled. Unlabeled samples in a
	// partially labeled batch have all-zero labels.
	Labels anyvec.Vector
}

// Size returns the number of samples.
func (b *Batch) Size() int {
	return len(b.Names)
}

// Input returns the frames as a batch of independent
// images, for calibrating the convolutional layers.
func (b *Batch) Input() (anydiff.Res, int) {
	return anydiff.NewConst(b.Frames), b.Size() * b.FramesPerSample
}

// labeled reports whether the i-th sample has a label.
func (b *Batch) labeled(i, labelSize int) bool {
	if b.Labels == nil {
		return false
	}
	for _, x := range vectorFloats(b.Labels.Slice(i*labelSize, (i+1)*labelSize)) {
		if x != 0 {
			return true
		}
	}
	return false
}
