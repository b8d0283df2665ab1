package registration

import (
	"context"
	"fmt"
	"image"
	"sync"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

type loadOutcome struct {
	handle    slide.Handle
	err       error
	level     int
	thumb     *image.Gray
	step      float64
	mask      *geometry.Mask
	maskIssue error
}

// ingest loads every source in parallel and records the outcomes in source
// order. A source that cannot be read is recorded as FailedToLoad and never
// stops the others.
func (r *run) ingest(ctx context.Context, sources []string, names slide.Names) error {
	outcomes := make([]loadOutcome, len(sources))
	var mu sync.Mutex
	p := r.e.pool()
	for i, src := range sources {
		p.Go(func() {
			out := r.load(ctx, names.ID(src), src)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		for _, out := range outcomes {
			if out.handle != nil {
				_ = out.handle.Close()
			}
		}
		return err
	}

	for i, src := range sources {
		id := names.ID(src)
		out := outcomes[i]
		rec := r.reg.Put(id, src, out.handle, out.err)
		if rec.Status != slide.Loaded {
			r.skipReported(stageIngest, id, fmt.Errorf("%w: %s", ErrLoadFailure, rec.Reason))
			continue
		}
		rec.Level = out.level
		rec.Thumbnail = out.thumb
		rec.ThumbStep = out.step
		rec.Mask = out.mask
		if out.maskIssue != nil {
			r.manifest.Note(stageIngest, id, "tissue mask unavailable, using whole slide: "+out.maskIssue.Error())
		}
	}
	for id := range r.e.opts.Channels {
		if _, ok := r.reg.Get(id); !ok {
			r.log.Warn("channel preference names a slide that is not loaded, ignoring", "slide", id)
		}
	}
	r.log.Info("slides ingested", "loaded", len(r.reg.AllLoaded()), "failed", len(r.reg.Failures()))
	return nil
}

func (r *run) load(ctx context.Context, id, src string) loadOutcome {
	if err := ctx.Err(); err != nil {
		return loadOutcome{err: err}
	}
	h, err := r.e.c.Loader.Load(ctx, src)
	if err != nil {
		return loadOutcome{err: err}
	}
	if h == nil {
		return loadOutcome{err: fmt.Errorf("loader returned no handle")}
	}
	thumb, level, step, err := thumbnail(ctx, h, r.e.opts.ProcessingCap, r.channel(id))
	if err != nil {
		_ = h.Close()
		return loadOutcome{err: fmt.Errorf("thumbnail: %w", err)}
	}
	out := loadOutcome{handle: h, level: level, thumb: thumb, step: step}
	mask, err := r.e.c.Masker.Mask(ctx, thumb)
	if err != nil || mask == nil {
		if err == nil {
			err = fmt.Errorf("masker returned no mask")
		}
		mask = fullMask(thumb)
		out.maskIssue = err
	}
	mask.Step = step
	mask.Origin = geometry.Point{}
	out.mask = mask
	return out
}

func fullMask(img *image.Gray) *geometry.Mask {
	b := img.Bounds()
	m := geometry.NewMask(b.Dx(), b.Dy(), 1)
	for i := range m.Bits {
		m.Bits[i] = true
	}
	return m
}
