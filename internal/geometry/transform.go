package geometry

import (
	"errors"
	"math"
)

// ErrSingular is returned when an affine transform has no inverse.
var ErrSingular = errors.New("geometry: singular transform")

// Transform maps points from one level-0 frame to another.
type Transform interface {
	Apply(p Point) Point
	// Invert maps a point in the destination frame back to the source frame.
	Invert(p Point) Point
}

// Affine represents a 2D affine transformation:
//
//	x' = A*x + B*y + TX
//	y' = C*x + D*y + TY
type Affine struct {
	A  float64 `json:"a" yaml:"a"`
	B  float64 `json:"b" yaml:"b"`
	TX float64 `json:"tx" yaml:"tx"`
	C  float64 `json:"c" yaml:"c"`
	D  float64 `json:"d" yaml:"d"`
	TY float64 `json:"ty" yaml:"ty"`
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{A: 1, D: 1}
}

// Translation returns a translation transform.
func Translation(dx, dy float64) Affine {
	return Affine{A: 1, D: 1, TX: dx, TY: dy}
}

// Rotation returns a rotation about the origin by angle radians.
func Rotation(angle float64) Affine {
	c, s := math.Cos(angle), math.Sin(angle)
	return Affine{A: c, B: -s, C: s, D: c}
}

// Scaling returns an axis-aligned scale.
func Scaling(sx, sy float64) Affine {
	return Affine{A: sx, D: sy}
}

// Apply applies the transform to a point.
func (t Affine) Apply(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Then returns the transform that applies t first and next second.
func (t Affine) Then(next Affine) Affine {
	return Affine{
		A:  next.A*t.A + next.B*t.C,
		B:  next.A*t.B + next.B*t.D,
		TX: next.A*t.TX + next.B*t.TY + next.TX,
		C:  next.C*t.A + next.D*t.C,
		D:  next.C*t.B + next.D*t.D,
		TY: next.C*t.TX + next.D*t.TY + next.TY,
	}
}

// Det returns the determinant of the linear part.
func (t Affine) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Inverse returns the inverse transform.
func (t Affine) Inverse() (Affine, error) {
	det := t.Det()
	if math.Abs(det) < 1e-12 {
		return Affine{}, ErrSingular
	}
	inv := Affine{
		A: t.D / det,
		B: -t.B / det,
		C: -t.C / det,
		D: t.A / det,
	}
	inv.TX = -(inv.A*t.TX + inv.B*t.TY)
	inv.TY = -(inv.C*t.TX + inv.D*t.TY)
	return inv, nil
}

// Invert maps p back through the transform. A singular transform leaves p
// unchanged.
func (t Affine) Invert(p Point) Point {
	inv, err := t.Inverse()
	if err != nil {
		return p
	}
	return inv.Apply(p)
}

// IsIdentity reports whether t is the identity within tol.
func (t Affine) IsIdentity(tol float64) bool {
	return math.Abs(t.A-1) <= tol && math.Abs(t.D-1) <= tol &&
		math.Abs(t.B) <= tol && math.Abs(t.C) <= tol &&
		math.Abs(t.TX) <= tol && math.Abs(t.TY) <= tol
}

// Chain applies a sequence of transforms in order. Nil entries are skipped,
// which lets absent stages sit in the chain without special casing.
type Chain []Transform

// Apply runs p through every transform in order.
func (c Chain) Apply(p Point) Point {
	for _, t := range c {
		if t == nil {
			continue
		}
		p = t.Apply(p)
	}
	return p
}

// Invert runs p backwards through the chain.
func (c Chain) Invert(p Point) Point {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i] == nil {
			continue
		}
		p = c[i].Invert(p)
	}
	return p
}

// Then returns a new chain with t appended. The receiver is not modified.
func (c Chain) Then(t Transform) Chain {
	out := make(Chain, 0, len(c)+1)
	out = append(out, c...)
	return append(out, t)
}

// Len returns the number of non-nil transforms.
func (c Chain) Len() int {
	n := 0
	for _, t := range c {
		if t != nil {
			n++
		}
	}
	return n
}

// Affine collapses the chain into a single affine transform when every
// element is affine.
func (c Chain) Affine() (Affine, bool) {
	out := Identity()
	for _, t := range c {
		switch v := t.(type) {
		case nil:
		case Affine:
			out = out.Then(v)
		case *Affine:
			if v != nil {
				out = out.Then(*v)
			}
		case Chain:
			inner, ok := v.Affine()
			if !ok {
				return Affine{}, false
			}
			out = out.Then(inner)
		default:
			return Affine{}, false
		}
	}
	return out, true
}

// Inverse swaps the directions of T.
type Inverse struct {
	T Transform
}

// Apply maps p backwards through T.
func (i Inverse) Apply(p Point) Point {
	if i.T == nil {
		return p
	}
	return i.T.Invert(p)
}

// Invert maps p forwards through T.
func (i Inverse) Invert(p Point) Point {
	if i.T == nil {
		return p
	}
	return i.T.Apply(p)
}
