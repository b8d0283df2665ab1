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

// groupUnit identifies the single groupwise solve in device bookkeeping.
const groupUnit = "*group*"

// nonRigidPass is one invocation of the deformable driver. The standard and
// micro passes differ only in resolution cap and where the result is stored.
type nonRigidPass struct {
	stage  string
	cap    int
	assign func(rec *slide.Record, t geometry.Transform)
}

func (p nonRigidPass) run(r *run) func(context.Context) error {
	return func(ctx context.Context) error {
		return p.execute(ctx, r)
	}
}

// grid is the working raster shared by every slide in a pass.
type grid struct {
	region geometry.Rect
	step   float64
	width  int
	height int
	mask   *geometry.Mask
}

func (p nonRigidPass) execute(ctx context.Context, r *run) error {
	solver := r.e.c.NonRigid
	if r.e.opts.Strategy == StrategyGroupwise && !solver.SupportsGroupwise() {
		return fmt.Errorf("%w: %s does not solve groupwise", ErrUnsupportedStrategy, solver.Name())
	}

	g := grid{region: r.bbox, step: capStep(r.bbox.Width, r.bbox.Height, p.cap)}
	g.width = outSize(g.region.Width, g.step)
	g.height = outSize(g.region.Height, g.step)
	g.mask = r.combined.Resample(g.width, g.height, g.step, geometry.Point{X: g.region.X, Y: g.region.Y}, nil)
	r.log.Info("non-rigid working grid", "stage", p.stage, "width", g.width, "height", g.height, "step", g.step, "solver", solver.Name())

	images := p.renderAll(ctx, r, g)
	if err := ctx.Err(); err != nil {
		return err
	}

	var results map[string]geometry.Transform
	if r.e.opts.Strategy == StrategyGroupwise {
		results = p.groupwise(ctx, r, g, images)
	} else {
		results = p.serial(ctx, r, g, images)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, id := range r.ordering.IDs {
		rec, ok := r.reg.Get(id)
		if !ok {
			r.skip(p.stage, id, errors.New("slide is not loaded"))
			continue
		}
		if t, ok := results[id]; ok && t != nil {
			p.assign(rec, t)
		}
	}
	return nil
}

// renderAll renders every slide through its current chain onto the grid.
func (p nonRigidPass) renderAll(ctx context.Context, r *run, g grid) map[string]*image.Gray {
	images := make(map[string]*image.Gray, len(r.ordering.IDs))
	var mu sync.Mutex
	pl := r.e.pool()
	for _, id := range r.ordering.IDs {
		rec, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		pl.Go(func() {
			if ctx.Err() != nil {
				return
			}
			img, err := renderGray(ctx, rec.Handle, r.channel(id), rec.Chain(), g.region, g.step)
			if err != nil {
				r.skip(p.stage, id, fmt.Errorf("render: %w", err))
				return
			}
			mu.Lock()
			images[id] = img
			mu.Unlock()
		})
	}
	pl.Wait()
	return images
}

// serial solves each slide against its neighbor toward the reference, then
// composes outward so each slide also inherits its target's deformation.
func (p nonRigidPass) serial(ctx context.Context, r *run, g grid, images map[string]*image.Gray) map[string]geometry.Transform {
	o := r.ordering
	fields := make(map[string]*geometry.Field, len(o.IDs))
	var mu sync.Mutex
	pl := r.e.pool()
	for i, id := range o.IDs {
		ti, ok := o.Target(i)
		if !ok {
			continue
		}
		target := o.IDs[ti]
		moving, fixed := images[id], images[target]
		if moving == nil || fixed == nil {
			if _, loaded := r.reg.Get(id); loaded {
				r.skip(p.stage, id, fmt.Errorf("no image rendered for %s or target %s", id, target))
			}
			continue
		}
		pl.Go(func() {
			if ctx.Err() != nil {
				return
			}
			req := NonRigidRequest{Slide: id, Moving: moving, Fixed: fixed, Mask: g.mask, Cap: p.cap}
			var d Displacement
			err := r.onDevice(ctx, p.stage, id, func(dev Device) error {
				var err error
				d, err = r.e.c.NonRigid.Solve(ctx, req, dev)
				return err
			})
			if err == nil {
				var f *geometry.Field
				if f, err = toField(d, g); err == nil {
					mu.Lock()
					fields[id] = f
					mu.Unlock()
					return
				}
			}
			r.skip(p.stage, id, fmt.Errorf("%w: %v", ErrSolver, err))
		})
	}
	pl.Wait()

	out := make(map[string]geometry.Transform, len(o.IDs))
	for _, i := range o.Outward()[1:] {
		id := o.IDs[i]
		f, ok := fields[id]
		if !ok {
			continue
		}
		ti, _ := o.Target(i)
		if inherited := out[o.IDs[ti]]; inherited != nil {
			out[id] = geometry.Chain{f, inherited}
		} else {
			out[id] = f
		}
	}
	return out
}

// groupwise solves every slide toward a common template in one call.
func (p nonRigidPass) groupwise(ctx context.Context, r *run, g grid, images map[string]*image.Gray) map[string]geometry.Transform {
	req := GroupRequest{Images: images, Mask: g.mask, Cap: p.cap}
	var disp map[string]Displacement
	err := r.onDevice(ctx, p.stage, groupUnit, func(dev Device) error {
		var err error
		disp, err = r.e.c.NonRigid.SolveGroup(ctx, req, dev)
		return err
	})
	out := make(map[string]geometry.Transform, len(images))
	if err != nil {
		for id := range images {
			r.skip(p.stage, id, fmt.Errorf("%w: groupwise solve: %v", ErrSolver, err))
		}
		return out
	}
	for id := range images {
		d, ok := disp[id]
		if !ok {
			r.skip(p.stage, id, fmt.Errorf("%w: no displacement returned", ErrSolver))
			continue
		}
		f, err := toField(d, g)
		if err != nil {
			r.skip(p.stage, id, fmt.Errorf("%w: %v", ErrSolver, err))
			continue
		}
		out[id] = f
	}
	return out
}

// toField converts a working-grid displacement to a level-0 field.
func toField(d Displacement, g grid) (*geometry.Field, error) {
	n := g.width * g.height
	if d.Width != g.width || d.Height != g.height || len(d.DX) != n || len(d.DY) != n {
		return nil, fmt.Errorf("displacement is %dx%d, want %dx%d", d.Width, d.Height, g.width, g.height)
	}
	f := geometry.NewField(g.region, g.step)
	f.Width, f.Height = g.width, g.height
	f.DX = make([]float32, n)
	f.DY = make([]float32, n)
	s := float32(g.step)
	for i := 0; i < n; i++ {
		f.DX[i] = d.DX[i] * s
		f.DY[i] = d.DY[i] * s
	}
	return f, nil
}
