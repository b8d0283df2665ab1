package tasks

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"histalign/internal/registration"
)

// TemplateSolver makes any pairwise solver groupwise: every slide is aligned
// to the pixelwise mean of the stack.
type TemplateSolver struct {
	Inner registration.NonRigidSolver
	// Workers bounds concurrent pairwise solves.
	Workers int
}

// NewTemplateSolver wraps inner.
func NewTemplateSolver(inner registration.NonRigidSolver, workers int) *TemplateSolver {
	return &TemplateSolver{Inner: inner, Workers: workers}
}

func (s *TemplateSolver) Name() string { return "template/" + s.Inner.Name() }

func (s *TemplateSolver) SupportsGroupwise() bool { return true }

// Solve delegates to the wrapped solver.
func (s *TemplateSolver) Solve(ctx context.Context, req registration.NonRigidRequest, dev registration.Device) (registration.Displacement, error) {
	return s.Inner.Solve(ctx, req, dev)
}

// SolveGroup aligns every image to the mean template. Any failed slide fails
// the group so the engine can retry the whole unit.
func (s *TemplateSolver) SolveGroup(ctx context.Context, req registration.GroupRequest, dev registration.Device) (map[string]registration.Displacement, error) {
	if len(req.Images) == 0 {
		return nil, nil
	}
	tmpl, err := meanTemplate(req.Images)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(req.Images))
	for id := range req.Images {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]registration.Displacement, len(ids))
	var mu sync.Mutex
	p := pool.New().WithContext(ctx).WithCancelOnError()
	if s.Workers > 0 {
		p = p.WithMaxGoroutines(s.Workers)
	}
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			d, err := s.Inner.Solve(ctx, registration.NonRigidRequest{
				Slide:  id,
				Moving: req.Images[id],
				Fixed:  tmpl,
				Mask:   req.Mask,
				Cap:    req.Cap,
			}, dev)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			mu.Lock()
			out[id] = d
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func meanTemplate(images map[string]*image.Gray) (*image.Gray, error) {
	var size image.Point
	sums := []uint32(nil)
	for id, img := range images {
		b := img.Bounds()
		if sums == nil {
			size = b.Size()
			sums = make([]uint32, size.X*size.Y)
		} else if b.Size() != size {
			return nil, fmt.Errorf("image %s is %v, want %v", id, b.Size(), size)
		}
		for y := 0; y < size.Y; y++ {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < size.X; x++ {
				sums[y*size.X+x] += uint32(row[x])
			}
		}
	}
	out := image.NewGray(image.Rect(0, 0, size.X, size.Y))
	n := uint32(len(images))
	for i, v := range sums {
		out.Pix[i] = uint8((v + n/2) / n)
	}
	return out, nil
}
