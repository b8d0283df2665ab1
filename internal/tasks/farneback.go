package tasks

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"histalign/internal/registration"
)

// FarnebackParams are the dense optical flow settings.
type FarnebackParams struct {
	PyrScale   float64
	Levels     int
	WinSize    int
	Iterations int
	PolyN      int
	PolySigma  float64
}

// DefaultFarnebackParams are tuned for tissue at the working resolution.
func DefaultFarnebackParams() FarnebackParams {
	return FarnebackParams{PyrScale: 0.5, Levels: 5, WinSize: 31, Iterations: 5, PolyN: 7, PolySigma: 1.5}
}

// FarnebackSolver computes dense displacements with Farneback optical flow.
// Displacement outside the tissue mask is zeroed.
type FarnebackSolver struct {
	Params FarnebackParams
}

// NewFarnebackSolver returns a solver with default parameters.
func NewFarnebackSolver() *FarnebackSolver {
	return &FarnebackSolver{Params: DefaultFarnebackParams()}
}

func (s *FarnebackSolver) Name() string { return "farneback" }

func (s *FarnebackSolver) SupportsGroupwise() bool { return false }

// Solve estimates flow from req.Moving to req.Fixed.
func (s *FarnebackSolver) Solve(ctx context.Context, req registration.NonRigidRequest, _ registration.Device) (registration.Displacement, error) {
	if err := ctx.Err(); err != nil {
		return registration.Displacement{}, err
	}
	mb, fb := req.Moving.Bounds(), req.Fixed.Bounds()
	if mb.Dx() != fb.Dx() || mb.Dy() != fb.Dy() {
		return registration.Displacement{}, fmt.Errorf("image sizes differ: %v vs %v", mb.Size(), fb.Size())
	}
	return s.flow(req.Moving, req.Fixed, req)
}

// SolveGroup is not supported; wrap the solver in a TemplateSolver instead.
func (s *FarnebackSolver) SolveGroup(context.Context, registration.GroupRequest, registration.Device) (map[string]registration.Displacement, error) {
	return nil, fmt.Errorf("%w: farneback is pairwise only", registration.ErrUnsupportedStrategy)
}

func (s *FarnebackSolver) flow(moving, fixed *image.Gray, req registration.NonRigidRequest) (registration.Displacement, error) {
	prev, err := gocv.ImageGrayToMatGray(moving)
	if err != nil {
		return registration.Displacement{}, fmt.Errorf("convert moving: %w", err)
	}
	defer prev.Close()
	next, err := gocv.ImageGrayToMatGray(fixed)
	if err != nil {
		return registration.Displacement{}, fmt.Errorf("convert fixed: %w", err)
	}
	defer next.Close()

	flow := gocv.NewMat()
	defer flow.Close()
	p := s.Params
	gocv.CalcOpticalFlowFarneback(prev, next, &flow, p.PyrScale, p.Levels, p.WinSize, p.Iterations, p.PolyN, p.PolySigma, 0)
	if flow.Empty() {
		return registration.Displacement{}, fmt.Errorf("%w: empty flow", registration.ErrSolver)
	}

	w, h := moving.Bounds().Dx(), moving.Bounds().Dy()
	d := registration.Displacement{Width: w, Height: h, DX: make([]float32, w*h), DY: make([]float32, w*h)}
	useMask := req.Mask != nil && req.Mask.Width == w && req.Mask.Height == h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if useMask && !req.Mask.At(x, y) {
				continue
			}
			v := flow.GetVecfAt(y, x)
			d.DX[y*w+x] = v[0]
			d.DY[y*w+x] = v[1]
		}
	}
	return d, nil
}
