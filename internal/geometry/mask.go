package geometry

import (
	"fmt"
	"math"
)

// Mask is a binary tissue mask on a regular grid. Pixel (x, y) covers the
// level-0 square starting at Origin + (x, y)*Step.
type Mask struct {
	Width  int
	Height int
	Step   float64
	Origin Point
	Bits   []bool
}

// NewMask allocates an empty mask.
func NewMask(width, height int, step float64) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Step:   step,
		Bits:   make([]bool, width*height),
	}
}

// At reports whether grid pixel (x, y) is set. Out of range is false.
func (m *Mask) At(x, y int) bool {
	if m == nil || x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Set sets grid pixel (x, y).
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Bits[y*m.Width+x] = v
}

// Contains reports whether the level-0 point p falls on a set pixel.
func (m *Mask) Contains(p Point) bool {
	if m == nil || m.Step <= 0 {
		return false
	}
	x := int(math.Floor((p.X - m.Origin.X) / m.Step))
	y := int(math.Floor((p.Y - m.Origin.Y) / m.Step))
	return m.At(x, y)
}

// Center returns the level-0 center of grid pixel (x, y).
func (m *Mask) Center(x, y int) Point {
	return Point{
		X: m.Origin.X + (float64(x)+0.5)*m.Step,
		Y: m.Origin.Y + (float64(y)+0.5)*m.Step,
	}
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Empty reports whether no pixel is set.
func (m *Mask) Empty() bool {
	return m.Count() == 0
}

// Area returns the covered area in level-0 square pixels.
func (m *Mask) Area() float64 {
	if m == nil {
		return 0
	}
	return float64(m.Count()) * m.Step * m.Step
}

// Bounds returns the level-0 bounding box of the set pixels.
func (m *Mask) Bounds() Rect {
	if m == nil {
		return Rect{}
	}
	minX, minY := m.Width, m.Height
	maxX, maxY := -1, -1
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.Bits[y*m.Width+x] {
				continue
			}
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}
	if maxX < 0 {
		return Rect{}
	}
	return Rect{
		X:      m.Origin.X + float64(minX)*m.Step,
		Y:      m.Origin.Y + float64(minY)*m.Step,
		Width:  float64(maxX-minX+1) * m.Step,
		Height: float64(maxY-minY+1) * m.Step,
	}
}

// Or sets every pixel that is set in o. Both masks must share a grid.
func (m *Mask) Or(o *Mask) error {
	if o == nil {
		return nil
	}
	if o.Width != m.Width || o.Height != m.Height || o.Step != m.Step || o.Origin != m.Origin {
		return fmt.Errorf("mask grids differ: %dx%d@%g vs %dx%d@%g", m.Width, m.Height, m.Step, o.Width, o.Height, o.Step)
	}
	for i, b := range o.Bits {
		if b {
			m.Bits[i] = true
		}
	}
	return nil
}

// Resample renders m onto a new grid through t, where t maps points of the
// new grid into m's frame.
func (m *Mask) Resample(width, height int, step float64, origin Point, t Transform) *Mask {
	out := NewMask(width, height, step)
	out.Origin = origin
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := out.Center(x, y)
			if t != nil {
				p = t.Apply(p)
			}
			if m.Contains(p) {
				out.Bits[y*width+x] = true
			}
		}
	}
	return out
}
