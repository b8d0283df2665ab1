package tasks

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"histalign/internal/geometry"
	"histalign/internal/registration"
)

// Model selects the transform family RANSACSolver fits.
type Model string

const (
	// ModelSimilarity is rotation, uniform scale and translation.
	ModelSimilarity Model = "similarity"
	// ModelAffine is a full 6-parameter affine.
	ModelAffine Model = "affine"
)

// RANSACSolver fits a global transform to correspondences with RANSAC and
// refines it by least squares over the inliers.
type RANSACSolver struct {
	Model      Model
	Iterations int
	// Threshold is the inlier distance in level-0 pixels.
	Threshold float64
	// MinInliers below which the fit is rejected as unsupported.
	MinInliers int
	// Seed makes sampling reproducible.
	Seed uint64
}

// NewRANSACSolver returns a similarity solver with defaults tuned for
// thumbnail keypoints mapped to level 0.
func NewRANSACSolver() *RANSACSolver {
	return &RANSACSolver{
		Model:      ModelSimilarity,
		Iterations: 2000,
		Threshold:  30,
		MinInliers: 4,
		Seed:       1,
	}
}

func (s *RANSACSolver) sampleSize() int {
	if s.Model == ModelAffine {
		return 3
	}
	return 2
}

// Solve maps pair.Moving onto pair.Fixed.
func (s *RANSACSolver) Solve(ctx context.Context, pairs []registration.Correspondence) (geometry.Affine, error) {
	k := s.sampleSize()
	minInliers := max(s.MinInliers, k+1)
	if len(pairs) < minInliers {
		return geometry.Affine{}, fmt.Errorf("%w: %d pairs, need %d", registration.ErrInsufficientData, len(pairs), minInliers)
	}

	rng := rand.New(rand.NewPCG(s.Seed, uint64(len(pairs))))
	iterations := max(s.Iterations, 1)
	var best []int
	sample := make([]registration.Correspondence, k)
	for iter := 0; iter < iterations; iter++ {
		if iter%256 == 0 {
			if err := ctx.Err(); err != nil {
				return geometry.Affine{}, err
			}
		}
		perm := rng.Perm(len(pairs))[:k]
		for i, idx := range perm {
			sample[i] = pairs[idx]
		}
		t, err := s.fit(sample)
		if err != nil {
			continue
		}
		inliers := s.inliers(t, pairs)
		if len(inliers) > len(best) {
			best = inliers
		}
	}
	if len(best) < minInliers {
		return geometry.Affine{}, fmt.Errorf("%w: %d inliers, need %d", registration.ErrInsufficientData, len(best), minInliers)
	}

	in := make([]registration.Correspondence, len(best))
	for i, idx := range best {
		in[i] = pairs[idx]
	}
	t, err := s.fit(in)
	if err != nil {
		return geometry.Affine{}, fmt.Errorf("%w: refine: %v", registration.ErrSolver, err)
	}
	if math.Abs(t.Det()) < 1e-9 {
		return geometry.Affine{}, fmt.Errorf("%w: degenerate transform", registration.ErrSolver)
	}
	return t, nil
}

func (s *RANSACSolver) inliers(t geometry.Affine, pairs []registration.Correspondence) []int {
	var out []int
	for i, p := range pairs {
		if t.Apply(p.Moving).Distance(p.Fixed) < s.Threshold {
			out = append(out, i)
		}
	}
	return out
}

func (s *RANSACSolver) fit(pairs []registration.Correspondence) (geometry.Affine, error) {
	if s.Model == ModelAffine {
		return fitAffine(pairs)
	}
	return fitSimilarity(pairs)
}

// fitSimilarity solves x' = a*x - b*y + tx, y' = b*x + a*y + ty by least
// squares.
func fitSimilarity(pairs []registration.Correspondence) (geometry.Affine, error) {
	n := len(pairs)
	if n < 2 {
		return geometry.Affine{}, fmt.Errorf("need at least 2 points")
	}
	A := mat.NewDense(n*2, 4, nil)
	B := mat.NewVecDense(n*2, nil)
	for i, p := range pairs {
		x, y := p.Moving.X, p.Moving.Y
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, -y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, p.Fixed.X)

		A.Set(i*2+1, 0, y)
		A.Set(i*2+1, 1, x)
		A.Set(i*2+1, 3, 1)
		B.SetVec(i*2+1, p.Fixed.Y)
	}
	params, err := solveLeastSquares(A, B)
	if err != nil {
		return geometry.Affine{}, err
	}
	a, b := params.AtVec(0), params.AtVec(1)
	return geometry.Affine{
		A: a, B: -b, TX: params.AtVec(2),
		C: b, D: a, TY: params.AtVec(3),
	}, nil
}

func fitAffine(pairs []registration.Correspondence) (geometry.Affine, error) {
	n := len(pairs)
	if n < 3 {
		return geometry.Affine{}, fmt.Errorf("need at least 3 points")
	}
	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)
	for i, p := range pairs {
		x, y := p.Moving.X, p.Moving.Y
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, p.Fixed.X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, p.Fixed.Y)
	}
	params, err := solveLeastSquares(A, B)
	if err != nil {
		return geometry.Affine{}, err
	}
	return geometry.Affine{
		A: params.AtVec(0), B: params.AtVec(1), TX: params.AtVec(2),
		C: params.AtVec(3), D: params.AtVec(4), TY: params.AtVec(5),
	}, nil
}

func solveLeastSquares(A *mat.Dense, B *mat.VecDense) (*mat.VecDense, error) {
	var qr mat.QR
	qr.Factorize(A)
	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return nil, err
	}
	for i := 0; i < params.Len(); i++ {
		if math.IsNaN(params.AtVec(i)) || math.IsInf(params.AtVec(i), 0) {
			return nil, fmt.Errorf("non-finite solution")
		}
	}
	return &params, nil
}
