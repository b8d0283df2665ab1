package registration

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

// luminance selects grayscale conversion instead of a single channel.
const luminance = -1

// chooseLevel returns the coarsest pyramid level that still has at least one
// pixel per step level-0 pixels.
func chooseLevel(dims []image.Point, step float64) (int, float64) {
	if len(dims) == 0 || dims[0].X == 0 {
		return 0, 1
	}
	best, bestDown := 0, 1.0
	for l := 1; l < len(dims); l++ {
		if dims[l].X == 0 {
			continue
		}
		down := float64(dims[0].X) / float64(dims[l].X)
		if down <= step+1e-9 && down > bestDown {
			best, bestDown = l, down
		}
	}
	return best, bestDown
}

// capStep returns the level-0 pixels per output pixel so that the longest
// side of size fits within limit.
func capStep(width, height float64, limit int) float64 {
	if limit <= 0 {
		return 1
	}
	return math.Max(1, math.Max(width, height)/float64(limit))
}

// toGray converts img into a zero-origin *image.Gray using channel, or
// luminance when channel is negative.
func toGray(img image.Image, channel int) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok && channel < 0 {
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			var v uint8
			if channel < 0 {
				v = color.GrayModel.Convert(c).(color.Gray).Y
			} else {
				r, g, bl, _ := c.RGBA()
				switch channel {
				case 0:
					v = uint8(r >> 8)
				case 1:
					v = uint8(g >> 8)
				default:
					v = uint8(bl >> 8)
				}
			}
			out.Pix[y*out.Stride+x] = v
		}
	}
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// thumbnail reads the whole slide so its longest side fits within limit.
func thumbnail(ctx context.Context, h slide.Handle, limit, channel int) (*image.Gray, int, float64, error) {
	dims := h.Dimensions()
	if len(dims) == 0 || dims[0].X <= 0 || dims[0].Y <= 0 {
		return nil, 0, 0, fmt.Errorf("slide has no dimensions")
	}
	full := dims[0]
	step := capStep(float64(full.X), float64(full.Y), limit)
	level, _ := chooseLevel(dims, step)
	src, err := h.Read(ctx, level, image.Rect(0, 0, dims[level].X, dims[level].Y))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read level %d: %w", level, err)
	}
	gray := toGray(src, channel)
	w := max(1, int(math.Round(float64(full.X)/step)))
	hh := max(1, int(math.Round(float64(full.Y)/step)))
	if gray.Bounds().Dx() == w && gray.Bounds().Dy() == hh {
		return gray, level, step, nil
	}
	out := image.NewGray(image.Rect(0, 0, w, hh))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), gray, gray.Bounds(), draw.Src, nil)
	return out, level, float64(full.X) / float64(w), nil
}

// sourceWindow is the part of a pyramid level needed to render a region.
type sourceWindow struct {
	level int
	down  float64
	rect  image.Rectangle
}

func planWindow(h slide.Handle, chain geometry.Chain, region geometry.Rect, step float64) (sourceWindow, bool) {
	dims := h.Dimensions()
	full := dims[0]
	box := geometry.BoundingRect(mapPoints(geometry.Inverse{T: chain}, region.Corners()))
	margin := 2*step + 0.1*math.Max(box.Width, box.Height)
	box = geometry.Rect{X: box.X - margin, Y: box.Y - margin, Width: box.Width + 2*margin, Height: box.Height + 2*margin}
	box = box.Intersect(geometry.Rect{Width: float64(full.X), Height: float64(full.Y)})
	if box.Empty() {
		return sourceWindow{}, false
	}
	level, down := chooseLevel(dims, step)
	lb := image.Rect(0, 0, dims[level].X, dims[level].Y)
	r := image.Rect(
		int(math.Floor(box.X/down)), int(math.Floor(box.Y/down)),
		int(math.Ceil((box.X+box.Width)/down)), int(math.Ceil((box.Y+box.Height)/down)),
	).Intersect(lb)
	if r.Empty() {
		return sourceWindow{}, false
	}
	return sourceWindow{level: level, down: down, rect: r}, true
}

func mapPoints(t geometry.Transform, pts []geometry.Point) []geometry.Point {
	out := make([]geometry.Point, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return out
}

// renderGray resamples a slide into region of the reference frame. chain maps
// slide level-0 coordinates into the reference frame; pixels the slide does
// not cover are zero.
func renderGray(ctx context.Context, h slide.Handle, channel int, chain geometry.Chain, region geometry.Rect, step float64) (*image.Gray, error) {
	dst := image.NewGray(image.Rect(0, 0, outSize(region.Width, step), outSize(region.Height, step)))
	win, ok := planWindow(h, chain, region, step)
	if !ok {
		return dst, nil
	}
	raw, err := h.Read(ctx, win.level, win.rect)
	if err != nil {
		return nil, fmt.Errorf("read level %d %v: %w", win.level, win.rect, err)
	}
	src := toGray(raw, channel)
	if a, ok := chain.Affine(); ok {
		draw.BiLinear.Transform(dst, windowAffine(win, a, region, step), src, src.Bounds(), draw.Src, nil)
		return dst, nil
	}
	for y := 0; y < dst.Rect.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < dst.Rect.Dx(); x++ {
			u, v := win.local(chain.Invert(pixelCenter(region, step, x, y)))
			dst.Pix[y*dst.Stride+x] = sampleGray(src, u, v)
		}
	}
	return dst, nil
}

// renderRGBA is renderGray for full-color output.
func renderRGBA(ctx context.Context, h slide.Handle, chain geometry.Chain, region geometry.Rect, step float64) (*image.RGBA, error) {
	dst := image.NewRGBA(image.Rect(0, 0, outSize(region.Width, step), outSize(region.Height, step)))
	win, ok := planWindow(h, chain, region, step)
	if !ok {
		return dst, nil
	}
	raw, err := h.Read(ctx, win.level, win.rect)
	if err != nil {
		return nil, fmt.Errorf("read level %d %v: %w", win.level, win.rect, err)
	}
	src := toRGBA(raw)
	if a, ok := chain.Affine(); ok {
		draw.BiLinear.Transform(dst, windowAffine(win, a, region, step), src, src.Bounds(), draw.Src, nil)
		return dst, nil
	}
	for y := 0; y < dst.Rect.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < dst.Rect.Dx(); x++ {
			u, v := win.local(chain.Invert(pixelCenter(region, step, x, y)))
			sampleRGBA(src, u, v, dst.Pix[y*dst.Stride+4*x:y*dst.Stride+4*x+4])
		}
	}
	return dst, nil
}

func outSize(extent, step float64) int {
	return max(1, int(math.Ceil(extent/step)))
}

func pixelCenter(region geometry.Rect, step float64, x, y int) geometry.Point {
	return geometry.Point{
		X: region.X + (float64(x)+0.5)*step,
		Y: region.Y + (float64(y)+0.5)*step,
	}
}

// local converts a level-0 point to continuous window pixel coordinates,
// with pixel centers at integers.
func (w sourceWindow) local(p geometry.Point) (float64, float64) {
	return p.X/w.down - float64(w.rect.Min.X) - 0.5, p.Y/w.down - float64(w.rect.Min.Y) - 0.5
}

// windowAffine maps window pixel space to output pixel space through a.
func windowAffine(w sourceWindow, a geometry.Affine, region geometry.Rect, step float64) f64.Aff3 {
	m := geometry.Translation(float64(w.rect.Min.X), float64(w.rect.Min.Y)).
		Then(geometry.Scaling(w.down, w.down)).
		Then(a).
		Then(geometry.Translation(-region.X, -region.Y)).
		Then(geometry.Scaling(1/step, 1/step))
	return f64.Aff3{m.A, m.B, m.TX, m.C, m.D, m.TY}
}

func sampleGray(img *image.Gray, u, v float64) uint8 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if u < -0.5 || v < -0.5 || u > float64(w)-0.5 || v > float64(h)-0.5 {
		return 0
	}
	x0, y0, fx, fy := bilinearCell(u, v, w, h)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	at := func(x, y int) float64 { return float64(img.Pix[y*img.Stride+x]) }
	top := at(x0, y0)*(1-fx) + at(x1, y0)*fx
	bot := at(x0, y1)*(1-fx) + at(x1, y1)*fx
	return uint8(math.Round(top*(1-fy) + bot*fy))
}

func sampleRGBA(img *image.RGBA, u, v float64, out []uint8) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if u < -0.5 || v < -0.5 || u > float64(w)-0.5 || v > float64(h)-0.5 {
		return
	}
	x0, y0, fx, fy := bilinearCell(u, v, w, h)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	for c := 0; c < 4; c++ {
		at := func(x, y int) float64 { return float64(img.Pix[y*img.Stride+4*x+c]) }
		top := at(x0, y0)*(1-fx) + at(x1, y0)*fx
		bot := at(x0, y1)*(1-fx) + at(x1, y1)*fx
		out[c] = uint8(math.Round(top*(1-fy) + bot*fy))
	}
}

func bilinearCell(u, v float64, w, h int) (int, int, float64, float64) {
	u = math.Max(0, math.Min(u, float64(w-1)))
	v = math.Max(0, math.Min(v, float64(h-1)))
	x0, y0 := int(u), int(v)
	return x0, y0, u - float64(x0), v - float64(y0)
}
