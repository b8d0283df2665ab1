package tasks

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"histalign/internal/slide"
)

// minLevelSide stops synthesized pyramids once the longest side is this small.
const minLevelSide = 512

// MagickLoader opens slides through ImageMagick. Multi-page files whose pages
// shrink monotonically are treated as pyramids; anything else gets halving
// levels synthesized from page 0.
type MagickLoader struct {
	log *slog.Logger
}

// NewMagickLoader returns a loader.
func NewMagickLoader(logger *slog.Logger) *MagickLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &MagickLoader{log: logger}
}

// Load reads source and keeps the decoded pages until the handle is closed.
func (l *MagickLoader) Load(ctx context.Context, source string) (slide.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("slide source: %w", err)
	}

	imagick.Initialize()
	mw := imagick.NewMagickWand()
	if err := mw.ReadImage(source); err != nil {
		mw.Destroy()
		imagick.Terminate()
		return nil, fmt.Errorf("failed to read slide %s: %w", source, err)
	}

	h := &magickHandle{mw: mw, source: source}
	h.buildLevels()
	l.log.Debug("slide opened", "source", source, "levels", len(h.dims), "size", h.dims[0])
	return h, nil
}

type magickLevel struct {
	page int
	// scale is level-0 pixels per level pixel for synthesized levels; 0 for
	// native pages.
	scale float64
}

type magickHandle struct {
	source string

	mu     sync.Mutex
	mw     *imagick.MagickWand
	dims   []image.Point
	levels []magickLevel
	closed bool
}

func (h *magickHandle) buildLevels() {
	n := int(h.mw.GetNumberImages())
	var prev image.Point
	for i := 0; i < n; i++ {
		h.mw.SetIteratorIndex(i)
		p := image.Pt(int(h.mw.GetImageWidth()), int(h.mw.GetImageHeight()))
		if i > 0 && (p.X >= prev.X || p.Y >= prev.Y) {
			break
		}
		h.dims = append(h.dims, p)
		h.levels = append(h.levels, magickLevel{page: i})
		prev = p
	}
	if len(h.dims) > 1 {
		return
	}
	base := h.dims[0]
	for scale := 2.0; ; scale *= 2 {
		p := image.Pt(int(float64(base.X)/scale), int(float64(base.Y)/scale))
		if max(p.X, p.Y) < minLevelSide || p.X == 0 || p.Y == 0 {
			break
		}
		h.dims = append(h.dims, p)
		h.levels = append(h.levels, magickLevel{page: 0, scale: scale})
	}
}

func (h *magickHandle) Dimensions() []image.Point {
	return append([]image.Point(nil), h.dims...)
}

// Read returns region of level as RGBA with a zero origin.
func (h *magickHandle) Read(ctx context.Context, level int, region image.Rectangle) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("slide %s is closed", h.source)
	}
	if level < 0 || level >= len(h.levels) {
		return nil, fmt.Errorf("level %d out of range [0,%d)", level, len(h.levels))
	}
	region = region.Intersect(image.Rectangle{Max: h.dims[level]})
	if region.Empty() {
		return nil, fmt.Errorf("region outside level %d", level)
	}

	lv := h.levels[level]
	h.mw.SetIteratorIndex(lv.page)
	w := h.mw.GetImage()
	defer w.Destroy()

	crop := region
	if lv.scale > 0 {
		crop = image.Rect(
			int(float64(region.Min.X)*lv.scale), int(float64(region.Min.Y)*lv.scale),
			int(float64(region.Max.X)*lv.scale), int(float64(region.Max.Y)*lv.scale),
		).Intersect(image.Rectangle{Max: h.dims[0]})
	}
	if err := w.CropImage(uint(crop.Dx()), uint(crop.Dy()), crop.Min.X, crop.Min.Y); err != nil {
		return nil, fmt.Errorf("crop: %w", err)
	}
	if lv.scale > 0 {
		if err := w.ResizeImage(uint(region.Dx()), uint(region.Dy()), imagick.FILTER_TRIANGLE); err != nil {
			return nil, fmt.Errorf("resize: %w", err)
		}
	}
	return exportRGBA(w, region.Dx(), region.Dy())
}

func (h *magickHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.mw.Destroy()
	imagick.Terminate()
	return nil
}

func exportRGBA(w *imagick.MagickWand, width, height int) (*image.RGBA, error) {
	raw, err := w.ExportImagePixels(0, 0, uint(width), uint(height), "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	pix, ok := raw.([]byte)
	if !ok || len(pix) != width*height*4 {
		return nil, fmt.Errorf("unexpected pixel buffer for %dx%d", width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, pix)
	return img, nil
}

// MagickWriter saves warped slides. TIFF goes through ImageMagick; PNG uses
// the standard encoder.
type MagickWriter struct {
	log *slog.Logger
}

// NewMagickWriter returns a writer.
func NewMagickWriter(logger *slog.Logger) *MagickWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MagickWriter{log: logger}
}

// Write encodes img to dst, picking the format from the extension.
func (w *MagickWriter) Write(ctx context.Context, id string, img image.Image, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	switch strings.ToLower(filepath.Ext(dst)) {
	case ".png":
		return writePNG(img, dst)
	default:
		return w.writeMagick(img, dst, "TIFF")
	}
}

func (w *MagickWriter) writeMagick(img image.Image, dst, format string) error {
	rgba := toRGBA(img)
	b := rgba.Bounds()

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, rgba.Pix); err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	if err := mw.SetImageFormat(format); err != nil {
		return fmt.Errorf("failed to set format %s: %w", format, err)
	}
	if err := mw.SetImageCompression(imagick.COMPRESSION_LZW); err != nil {
		return fmt.Errorf("failed to set compression: %w", err)
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	w.log.Debug("slide written", "output", dst, "format", format)
	return nil
}

func writePNG(img image.Image, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}
