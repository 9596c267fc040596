// Package dataset loads frame buffers and their labels
// from sample index directories.
//
// An index directory holds *.json files, each a list of
// samples of the form
//
//     {"images": ["a.jpg", "b.jpg", ...], "label": [1, 0, 0, 1]}
//
// The frames are stored in the directory ../frames
// relative to the index directory.
package dataset

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gordonliu0/LightForker/predictor"
	"github.com/gordonliu0/LightForker/sgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// An Entry is one sample of an index file.
type Entry struct {
	Images []string  `json:"images"`
	Label  []float64 `json:"label"`

	// FrameDir is the directory containing the images.
	FrameDir string `json:"-"`
}

// Name is the name of the first frame, which identifies
// the sample in result records.
func (e *Entry) Name() string {
	if len(e.Images) == 0 {
		return ""
	}
	return e.Images[0]
}

// Layout describes the frame buffers produced by a List.
type Layout struct {
	Creator anyvec.Creator

	ImageNum int
	Width    int
	Height   int

	// LabelSize is the number of label entries kept.
	// Labels are truncated to this size.
	LabelSize int
}

// A List is a predictor.SampleList backed by index
// directories.
//
// Frames are loaded lazily, every time a sample is
// fetched.
type List struct {
	Layout  *Layout
	Entries []*Entry
}

// ReadIndex reads the *.json files of every directory,
// in sorted order.
func ReadIndex(l *Layout, dirs []string) (*List, error) {
	res := &List{Layout: l}
	for _, dir := range dirs {
		listing, err := ioutil.ReadDir(dir)
		if err != nil {
			return nil, essentials.AddCtx("read index", err)
		}
		var names []string
		for _, info := range listing {
			if !info.IsDir() && strings.HasSuffix(info.Name(), ".json") {
				names = append(names, info.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			entries, err := readIndexFile(filepath.Join(dir, name))
			if err != nil {
				return nil, essentials.AddCtx("read index", err)
			}
			frameDir := filepath.Join(dir, "..", "frames")
			for _, e := range entries {
				e.FrameDir = frameDir
			}
			res.Entries = append(res.Entries, entries...)
		}
	}
	return res, nil
}

func readIndexFile(path string) ([]*Entry, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, essentials.AddCtx(path, err)
	}
	for i, e := range entries {
		if len(e.Images) == 0 {
			return nil, fmt.Errorf("%s: sample %d has no images", path, i)
		}
	}
	return entries, nil
}

// Len returns the number of samples.
func (l *List) Len() int {
	return len(l.Entries)
}

// Swap swaps two samples.
func (l *List) Swap(i, j int) {
	l.Entries[i], l.Entries[j] = l.Entries[j], l.Entries[i]
}

// Slice copies a sub-slice of the list.
func (l *List) Slice(i, j int) sgd.SampleList {
	return &List{
		Layout:  l.Layout,
		Entries: append([]*Entry{}, l.Entries[i:j]...),
	}
}

// Hash hashes the name of a sample.
func (l *List) Hash(i int) []byte {
	return sgd.HashName(l.Entries[i].Name())
}

// GetSample loads the frames of a sample.
//
// A sample with fewer than ImageNum images is padded with
// zero frames at the end. A sample with more is an error.
func (l *List) GetSample(idx int) (*predictor.Sample, error) {
	e := l.Entries[idx]
	layout := l.Layout
	if len(e.Images) > layout.ImageNum {
		return nil, fmt.Errorf("get sample %s: %d images exceed image_num (%d)", e.Name(),
			len(e.Images), layout.ImageNum)
	}
	frameSize := layout.Width * layout.Height * 3
	frames := make([]anyvec.Vector, 0, layout.ImageNum)
	for _, name := range e.Images {
		frame, err := LoadFrame(layout.Creator, filepath.Join(e.FrameDir, name), layout.Width,
			layout.Height)
		if err != nil {
			return nil, essentials.AddCtx("get sample "+e.Name(), err)
		}
		frames = append(frames, frame)
	}
	if pad := layout.ImageNum - len(e.Images); pad > 0 {
		frames = append(frames, layout.Creator.MakeVector(pad*frameSize))
	}

	var label []float64
	if e.Label != nil {
		label = e.Label
		if len(label) > layout.LabelSize {
			label = label[:layout.LabelSize]
		}
		label = append([]float64{}, label...)
	}
	return &predictor.Sample{
		Name:   e.Name(),
		Frames: layout.Creator.Concat(frames...),
		Label:  label,
	}, nil
}

// Labeled returns a list of the samples that have labels.
func (l *List) Labeled() *List {
	res := &List{Layout: l.Layout}
	for _, e := range l.Entries {
		if e.Label != nil {
			res.Entries = append(res.Entries, e)
		}
	}
	return res
}
