package lightforker

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var p ProjectionHead
	serializer.RegisterTypedDeserializer(p.SerializerType(), DeserializeProjectionHead)
}

// ProjectionHead maps aggregated scene embeddings to the
// two branch representations consumed by the straight and
// left decoders.
//
// Shared is applied first. Straight and Left are then
// applied to its output independently; they share no
// parameters.
type ProjectionHead struct {
	Shared   Net
	Straight Net
	Left     Net
}

// NewProjectionHead creates a randomized head mapping
// embedDim inputs to two outputs of size outDim.
func NewProjectionHead(c anyvec.Creator, embedDim, outDim int) *ProjectionHead {
	branch := func() Net {
		return Net{
			NewFCReLU(c, outDim, outDim),
			ReLU,
			NewFC(c, outDim, outDim),
		}
	}
	return &ProjectionHead{
		Shared: Net{
			NewFCReLU(c, embedDim, outDim/2),
			ReLU,
			NewFC(c, outDim/2, outDim),
		},
		Straight: branch(),
		Left:     branch(),
	}
}

// DeserializeProjectionHead deserializes a ProjectionHead.
func DeserializeProjectionHead(d []byte) (*ProjectionHead, error) {
	var res ProjectionHead
	if err := serializer.DeserializeAny(d, &res.Shared, &res.Straight, &res.Left); err != nil {
		return nil, essentials.AddCtx("deserialize ProjectionHead", err)
	}
	return &res, nil
}

// Apply computes both branch representations for a batch
// of n embeddings.
func (p *ProjectionHead) Apply(in anydiff.Res, n int) (straight, left anydiff.Res) {
	shared := p.Shared.Apply(in, n)
	return p.Straight.Apply(shared, n), p.Left.Apply(shared, n)
}

// InSize returns the expected embedding size.
func (p *ProjectionHead) InSize() int {
	return p.Shared[0].(*FC).InCount
}

// OutSize returns the size of each branch representation.
func (p *ProjectionHead) OutSize() int {
	return p.Straight[len(p.Straight)-1].(*FC).OutCount
}

// Parameters returns the shared parameters followed by
// the straight and left branch parameters.
func (p *ProjectionHead) Parameters() []*anydiff.Var {
	return AllParameters(p.Shared, p.Straight, p.Left)
}

// SerializerType returns the unique ID used to serialize
// a ProjectionHead with the serializer package.
func (p *ProjectionHead) SerializerType() string {
	return "github.com/gordonliu0/LightForker.ProjectionHead"
}

// Serialize serializes the head.
func (p *ProjectionHead) Serialize() ([]byte, error) {
	return serializer.SerializeAny(p.Shared, p.Straight, p.Left)
}
