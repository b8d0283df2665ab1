package geometry

import "math"

// fieldInvertIterations bounds the fixed-point iteration used by Field.Invert.
const fieldInvertIterations = 12

// Field is a dense forward displacement field sampled on a regular grid.
// Sample (i, j) sits at the center of the cell starting at
// Region.X+i*Step, Region.Y+j*Step. Points outside Region are not displaced.
type Field struct {
	Region Rect
	Step   float64
	Width  int
	Height int
	DX     []float32
	DY     []float32
}

// NewField allocates a zero field covering region at the given step.
func NewField(region Rect, step float64) *Field {
	w := int(math.Ceil(region.Width / step))
	h := int(math.Ceil(region.Height / step))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return &Field{
		Region: region,
		Step:   step,
		Width:  w,
		Height: h,
		DX:     make([]float32, w*h),
		DY:     make([]float32, w*h),
	}
}

// Set stores the displacement at grid position (x, y) in level-0 pixels.
func (f *Field) Set(x, y int, dx, dy float64) {
	i := y*f.Width + x
	f.DX[i] = float32(dx)
	f.DY[i] = float32(dy)
}

// At returns the displacement at a level-0 point by bilinear interpolation.
func (f *Field) At(p Point) (float64, float64) {
	if f == nil || !f.Region.Contains(p) || f.Width == 0 || f.Height == 0 {
		return 0, 0
	}
	gx := (p.X-f.Region.X)/f.Step - 0.5
	gy := (p.Y-f.Region.Y)/f.Step - 0.5
	gx = clamp(gx, 0, float64(f.Width-1))
	gy = clamp(gy, 0, float64(f.Height-1))

	x0, y0 := int(gx), int(gy)
	x1, y1 := min(x0+1, f.Width-1), min(y0+1, f.Height-1)
	fx, fy := gx-float64(x0), gy-float64(y0)

	sample := func(v []float32) float64 {
		a := float64(v[y0*f.Width+x0])*(1-fx) + float64(v[y0*f.Width+x1])*fx
		b := float64(v[y1*f.Width+x0])*(1-fx) + float64(v[y1*f.Width+x1])*fx
		return a*(1-fy) + b*fy
	}
	return sample(f.DX), sample(f.DY)
}

// Apply displaces p forward.
func (f *Field) Apply(p Point) Point {
	dx, dy := f.At(p)
	return Point{X: p.X + dx, Y: p.Y + dy}
}

// Invert finds q with Apply(q) ≈ p by fixed-point iteration.
func (f *Field) Invert(p Point) Point {
	q := p
	for i := 0; i < fieldInvertIterations; i++ {
		dx, dy := f.At(q)
		next := Point{X: p.X - dx, Y: p.Y - dy}
		if next.Distance(q) < 1e-3 {
			return next
		}
		q = next
	}
	return q
}

// MaxDisplacement returns the largest displacement magnitude in the field.
func (f *Field) MaxDisplacement() float64 {
	m := 0.0
	for i := range f.DX {
		d := math.Hypot(float64(f.DX[i]), float64(f.DY[i]))
		if d > m {
			m = d
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
