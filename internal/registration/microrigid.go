package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

// microRigid refines each rigid transform with tile-based matching at a
// higher resolution. Slides are corrected outward from the reference so every
// target already carries its own correction.
func (r *run) microRigid(ctx context.Context) error {
	r.alignMasks()
	o := r.ordering
	step := 1 / r.e.opts.MicroRigidScale
	for _, i := range o.Outward()[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := o.IDs[i]
		rec, ok := r.reg.Get(id)
		if !ok || rec.RigidFailed {
			continue
		}
		ti, _ := o.Target(i)
		trec, ok := r.reg.Get(o.IDs[ti])
		if !ok {
			continue
		}
		region := rec.AlignedMask.Bounds().Union(trec.AlignedMask.Bounds())
		if region.Empty() {
			r.manifest.Note(stageMicroRigid, id, "no tissue to refine")
			continue
		}
		pairs := r.tilePairs(ctx, rec, trec, region, step)
		if len(pairs) < r.e.opts.MinMatches {
			r.manifest.Note(stageMicroRigid, id, fmt.Sprintf("no-micro-rigid-solution: %d matches", len(pairs)))
			continue
		}
		c, err := r.e.c.Rigid.Solve(ctx, pairs)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) {
				r.manifest.Note(stageMicroRigid, id, "no-micro-rigid-solution: "+err.Error())
			} else {
				r.skip(stageMicroRigid, id, fmt.Errorf("%w: %v", ErrSolver, err))
			}
			continue
		}
		rec.MicroRigid = &c
		r.log.Debug("micro-rigid correction applied", "slide", id, "pairs", len(pairs))
	}
	return nil
}

// tilePairs matches rec against trec tile by tile over region, returning
// correspondences in reference coordinates.
func (r *run) tilePairs(ctx context.Context, rec, trec *slide.Record, region geometry.Rect, step float64) []Correspondence {
	tileSize := float64(r.e.opts.MicroRigidTile) * step
	movingChain := rec.RigidChain()
	fixedChain := trec.RigidChain()
	channel := r.channel(rec.ID)
	tchannel := r.channel(trec.ID)

	var (
		mu  sync.Mutex
		out []Correspondence
	)
	p := r.e.pool()
	for y := region.Y; y < region.Y+region.Height; y += tileSize {
		for x := region.X; x < region.X+region.Width; x += tileSize {
			tile := geometry.Rect{
				X: x, Y: y,
				Width:  math.Min(tileSize, region.X+region.Width-x),
				Height: math.Min(tileSize, region.Y+region.Height-y),
			}
			if !hasTissue(rec.AlignedMask, tile) && !hasTissue(trec.AlignedMask, tile) {
				continue
			}
			p.Go(func() {
				if ctx.Err() != nil {
					return
				}
				pairs, err := r.matchTile(ctx, rec, trec, movingChain, fixedChain, channel, tchannel, tile, step)
				if err != nil {
					r.log.Debug("tile not matched", "slide", rec.ID, "tile", tile, "error", err)
					return
				}
				mu.Lock()
				out = append(out, pairs...)
				mu.Unlock()
			})
		}
	}
	p.Wait()
	return out
}

func (r *run) matchTile(ctx context.Context, rec, trec *slide.Record, mc, fc geometry.Chain, channel, tchannel int, tile geometry.Rect, step float64) ([]Correspondence, error) {
	mImg, err := renderGray(ctx, rec.Handle, channel, mc, tile, step)
	if err != nil {
		return nil, err
	}
	fImg, err := renderGray(ctx, trec.Handle, tchannel, fc, tile, step)
	if err != nil {
		return nil, err
	}
	var fm, ff Features
	var m []Match
	err = r.onDevice(ctx, stageMicroRigid, rec.ID, func(dev Device) error {
		var err error
		if fm, err = r.e.c.Detector.Detect(ctx, mImg, nil, dev); err != nil {
			return err
		}
		if ff, err = r.e.c.Detector.Detect(ctx, fImg, nil, dev); err != nil {
			return err
		}
		m, err = r.e.c.Matcher.Match(ctx, fm, ff, dev)
		return err
	})
	if err != nil {
		return nil, err
	}
	pairs := correspondences(m, fm, ff, step, step)
	offset := geometry.Point{X: tile.X, Y: tile.Y}
	for i := range pairs {
		pairs[i].Moving = pairs[i].Moving.Add(offset)
		pairs[i].Fixed = pairs[i].Fixed.Add(offset)
	}
	return pairs, nil
}

func hasTissue(m *geometry.Mask, tile geometry.Rect) bool {
	if m == nil || m.Step <= 0 {
		return false
	}
	x0 := int(math.Floor((tile.X - m.Origin.X) / m.Step))
	y0 := int(math.Floor((tile.Y - m.Origin.Y) / m.Step))
	x1 := int(math.Ceil((tile.X + tile.Width - m.Origin.X) / m.Step))
	y1 := int(math.Ceil((tile.Y + tile.Height - m.Origin.Y) / m.Step))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if m.At(x, y) {
				return true
			}
		}
	}
	return false
}

func (r *run) channel(id string) int {
	if c, ok := r.e.opts.Channels[id]; ok {
		return c
	}
	return luminance
}
