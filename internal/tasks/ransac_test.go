package tasks

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"histalign/internal/geometry"
	"histalign/internal/registration"
)

func lattice(n int, spacing float64) []geometry.Point {
	var pts []geometry.Point
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			pts = append(pts, geometry.Pt(float64(x)*spacing+7, float64(y)*spacing*1.3+11))
		}
	}
	return pts
}

func pairsThrough(t geometry.Affine, pts []geometry.Point) []registration.Correspondence {
	out := make([]registration.Correspondence, len(pts))
	for i, p := range pts {
		out[i] = registration.Correspondence{Moving: p, Fixed: t.Apply(p)}
	}
	return out
}

func requireAffineNear(t *testing.T, want, got geometry.Affine, tol float64) {
	t.Helper()
	require.InDelta(t, want.A, got.A, tol)
	require.InDelta(t, want.B, got.B, tol)
	require.InDelta(t, want.C, got.C, tol)
	require.InDelta(t, want.D, got.D, tol)
	require.InDelta(t, want.TX, got.TX, tol*1000)
	require.InDelta(t, want.TY, got.TY, tol*1000)
}

func TestRANSACRecoversSimilarity(t *testing.T) {
	want := geometry.Rotation(0.2).Then(geometry.Scaling(1.05, 1.05)).Then(geometry.Translation(120, -45))
	pairs := pairsThrough(want, lattice(6, 150))

	got, err := NewRANSACSolver().Solve(context.Background(), pairs)
	require.NoError(t, err)
	requireAffineNear(t, want, got, 1e-6)
}

func TestRANSACRejectsOutliers(t *testing.T) {
	want := geometry.Rotation(-0.1).Then(geometry.Translation(30, 60))
	pairs := pairsThrough(want, lattice(6, 120))
	// corrupt a quarter of the pairs
	for i := 0; i < len(pairs); i += 4 {
		pairs[i].Fixed = pairs[i].Fixed.Add(geometry.Pt(400, -350))
	}

	got, err := NewRANSACSolver().Solve(context.Background(), pairs)
	require.NoError(t, err)
	requireAffineNear(t, want, got, 1e-6)
}

func TestRANSACAffineModel(t *testing.T) {
	want := geometry.Affine{A: 1.1, B: 0.2, TX: 5, C: -0.1, D: 0.9, TY: -8}
	s := NewRANSACSolver()
	s.Model = ModelAffine

	got, err := s.Solve(context.Background(), pairsThrough(want, lattice(5, 100)))
	require.NoError(t, err)
	requireAffineNear(t, want, got, 1e-6)
}

func TestRANSACInsufficientPairs(t *testing.T) {
	pairs := pairsThrough(geometry.Identity(), lattice(1, 10))
	_, err := NewRANSACSolver().Solve(context.Background(), pairs)
	require.True(t, errors.Is(err, registration.ErrInsufficientData))
}

func TestRANSACNoConsensus(t *testing.T) {
	// every point scattered independently: no model gathers enough inliers
	pts := lattice(4, 200)
	pairs := make([]registration.Correspondence, len(pts))
	for i, p := range pts {
		pairs[i] = registration.Correspondence{Moving: p, Fixed: geometry.Pt(math.Mod(float64(i*7919), 3001), math.Mod(float64(i*104729), 2711))}
	}
	s := NewRANSACSolver()
	s.Threshold = 1
	s.MinInliers = 8
	_, err := s.Solve(context.Background(), pairs)
	require.True(t, errors.Is(err, registration.ErrInsufficientData))
}

func TestRANSACTranslationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dx := rapid.Float64Range(-2000, 2000).Draw(t, "dx")
		dy := rapid.Float64Range(-2000, 2000).Draw(t, "dy")
		want := geometry.Translation(dx, dy)

		got, err := NewRANSACSolver().Solve(context.Background(), pairsThrough(want, lattice(4, 90)))
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		for _, p := range lattice(3, 500) {
			if d := got.Apply(p).Distance(want.Apply(p)); d > 1e-6 {
				t.Fatalf("point %v off by %g", p, d)
			}
		}
	})
}
