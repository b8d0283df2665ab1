// Package slide holds per-slide records and the registry that owns them.
package slide

import (
	"context"
	"image"

	"histalign/internal/geometry"
)

// Status is the load state of a slide.
type Status int

const (
	Loaded Status = iota
	FailedToLoad
)

func (s Status) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case FailedToLoad:
		return "failed_to_load"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) Status {
	if s == "loaded" {
		return Loaded
	}
	return FailedToLoad
}

// Handle is an opened slide. Level 0 is full resolution; each later level is
// a coarser copy of the same image.
type Handle interface {
	Dimensions() []image.Point
	Read(ctx context.Context, level int, region image.Rectangle) (image.Image, error)
	Close() error
}

// Record is everything the pipeline knows about one slide. Stage outputs are
// written once, after the stage that owns them has joined.
type Record struct {
	ID     string
	Source string
	Status Status
	Handle Handle
	// Reason is the load failure, empty for loaded slides.
	Reason string

	// Processing thumbnail and the level it was read from.
	Level     int
	Thumbnail *image.Gray
	// ThumbStep is level-0 pixels per thumbnail pixel.
	ThumbStep float64
	Mask      *geometry.Mask
	// AlignedMask is Mask resampled into the reference frame after rigid.
	AlignedMask *geometry.Mask

	Rigid      geometry.Affine
	MicroRigid *geometry.Affine
	NonRigid   geometry.Transform
	Micro      geometry.Transform

	// Rank is the position in the stack ordering, -1 until assigned.
	Rank        int
	RigidFailed bool
	NoRigidFit  bool
}

// Size returns the level-0 dimensions, or zero without a handle.
func (r *Record) Size() image.Point {
	if r.Handle == nil {
		return image.Point{}
	}
	dims := r.Handle.Dimensions()
	if len(dims) == 0 {
		return image.Point{}
	}
	return dims[0]
}

// Footprint is the tissue area in level-0 square pixels, falling back to the
// slide area when no mask exists.
func (r *Record) Footprint() float64 {
	if r.Mask != nil && !r.Mask.Empty() {
		return r.Mask.Area()
	}
	sz := r.Size()
	return float64(sz.X) * float64(sz.Y)
}

// RigidChain returns the rigid part of the chain, including any micro-rigid
// correction.
func (r *Record) RigidChain() geometry.Chain {
	c := geometry.Chain{r.Rigid}
	if r.MicroRigid != nil {
		c = append(c, *r.MicroRigid)
	}
	return c
}

// Chain returns the full transform chain in stage order: rigid, micro-rigid,
// non-rigid, micro.
func (r *Record) Chain() geometry.Chain {
	c := r.RigidChain()
	if r.NonRigid != nil {
		c = append(c, r.NonRigid)
	}
	if r.Micro != nil {
		c = append(c, r.Micro)
	}
	return c
}
