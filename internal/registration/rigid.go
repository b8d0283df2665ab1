package registration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

// NoRigidSolution is recorded for slides left at identity after the rigid
// stage.
const NoRigidSolution = "no-rigid-solution"

// Frame is the reference coordinate frame: the reference's level-0 extent and
// the processing grid masks are aligned on.
type Frame struct {
	Reference string      `json:"reference" yaml:"reference"`
	Size      image.Point `json:"size" yaml:"size"`
	Width     int         `json:"width" yaml:"width"`
	Height    int         `json:"height" yaml:"height"`
	Step      float64     `json:"step" yaml:"step"`
}

func frameOf(rec *slide.Record) Frame {
	f := Frame{Reference: rec.ID, Size: rec.Size(), Step: rec.ThumbStep}
	if rec.Thumbnail != nil {
		f.Width = rec.Thumbnail.Rect.Dx()
		f.Height = rec.Thumbnail.Rect.Dy()
	}
	if f.Step <= 0 {
		f.Step = 1
	}
	return f
}

type pairFit struct {
	transform geometry.Affine
	pairs     []Correspondence
	err       error
}

// rigid solves each slide against its neighbor toward the reference in
// parallel, then composes the results outward from the reference.
func (r *run) rigid(ctx context.Context) error {
	o := r.ordering
	refRec, ok := r.reg.Get(o.Reference())
	if !ok {
		return fmt.Errorf("reference %q is not loaded", o.Reference())
	}
	r.frame = frameOf(refRec)

	fits := make(map[string]pairFit, len(o.IDs))
	var mu sync.Mutex
	p := r.e.pool()
	for i, id := range o.IDs {
		ti, ok := o.Target(i)
		if !ok {
			continue
		}
		target := o.IDs[ti]
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			fit := r.fitPair(ctx, id, target)
			mu.Lock()
			fits[id] = fit
			mu.Unlock()
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	refRec.Rigid = geometry.Identity()
	for _, i := range o.Outward()[1:] {
		id := o.IDs[i]
		rec, ok := r.reg.Get(id)
		if !ok {
			r.skip(stageRigid, id, errors.New("slide is not loaded"))
			continue
		}
		ti, _ := o.Target(i)
		trec, ok := r.reg.Get(o.IDs[ti])
		if !ok {
			r.skip(stageRigid, id, fmt.Errorf("target %s is not loaded", o.IDs[ti]))
			continue
		}
		fit := fits[id]
		r.pairs[id] = fit.pairs
		switch {
		case fit.err == nil:
			rec.Rigid = fit.transform.Then(trec.Rigid)
		case errors.Is(fit.err, ErrInsufficientData):
			rec.Rigid = geometry.Identity()
			rec.NoRigidFit = true
			r.log.Warn("rigid transform left at identity", "slide", id, "target", trec.ID, "reason", fit.err)
			r.manifest.Note(stageRigid, id, NoRigidSolution+": "+fit.err.Error())
		default:
			rec.Rigid = geometry.Identity()
			rec.RigidFailed = true
			rec.NoRigidFit = true
			r.skip(stageRigid, id, fit.err)
		}
	}
	return nil
}

// fitPair estimates the transform taking moving onto target.
func (r *run) fitPair(ctx context.Context, moving, target string) pairFit {
	mrec, ok := r.reg.Get(moving)
	if !ok {
		return pairFit{err: fmt.Errorf("%w: %s is not loaded", ErrSolver, moving)}
	}
	trec, ok := r.reg.Get(target)
	if !ok {
		return pairFit{err: fmt.Errorf("%w: %s is not loaded", ErrSolver, target)}
	}
	fm, err := r.features(ctx, mrec)
	if err != nil {
		return pairFit{err: err}
	}
	ft, err := r.features(ctx, trec)
	if err != nil {
		return pairFit{err: err}
	}
	m, err := r.matches(ctx, moving, target)
	if err != nil {
		return pairFit{err: err}
	}
	pairs := correspondences(m, fm, ft, mrec.ThumbStep, trec.ThumbStep)
	if len(pairs) < r.e.opts.MinMatches {
		return pairFit{pairs: pairs, err: fmt.Errorf("%w: %d matches, need %d", ErrInsufficientData, len(pairs), r.e.opts.MinMatches)}
	}
	t, err := r.e.c.Rigid.Solve(ctx, pairs)
	if err != nil {
		if !errors.Is(err, ErrInsufficientData) {
			err = fmt.Errorf("%w: %v", ErrSolver, err)
		}
		return pairFit{pairs: pairs, err: err}
	}
	return pairFit{transform: t, pairs: pairs}
}

// correspondences converts thumbnail matches to level-0 point pairs.
func correspondences(m []Match, moving, fixed Features, movingStep, fixedStep float64) []Correspondence {
	out := make([]Correspondence, 0, len(m))
	for _, x := range m {
		if x.A < 0 || x.A >= len(moving.Keypoints) || x.B < 0 || x.B >= len(fixed.Keypoints) {
			continue
		}
		out = append(out, Correspondence{
			Moving: toLevel0(moving.Keypoints[x.A], movingStep),
			Fixed:  toLevel0(fixed.Keypoints[x.B], fixedStep),
		})
	}
	return out
}

func toLevel0(p geometry.Point, step float64) geometry.Point {
	return geometry.Point{X: (p.X + 0.5) * step, Y: (p.Y + 0.5) * step}
}

// alignMasks resamples every tissue mask into the reference processing grid
// through the slide's rigid chain.
func (r *run) alignMasks() {
	f := r.frame
	for _, id := range r.reg.AllLoaded() {
		rec, ok := r.reg.Get(id)
		if !ok || rec.Mask == nil {
			continue
		}
		rec.AlignedMask = rec.Mask.Resample(f.Width, f.Height, f.Step, geometry.Point{}, geometry.Inverse{T: rec.RigidChain()})
	}
}
