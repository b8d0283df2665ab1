package registration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"histalign/internal/geometry"
	"histalign/internal/logging"
	"histalign/internal/slide"
)

// Result is a registered stack. It owns the registry and its open handles
// until Close.
type Result struct {
	RunID        string
	Registry     *slide.Registry
	Ordering     Ordering
	Similarity   *SimilarityGraph
	Frame        Frame
	CombinedMask *geometry.Mask
	BBox         geometry.Rect
	Errors       *ErrorTable
	Manifest     *Manifest
	// Pairs holds the level-0 correspondences between each slide and its
	// target, used for error estimation.
	Pairs map[string][]Correspondence
}

// Compose returns the full transform from the slide's level-0 frame into the
// reference frame. It reports false for slides that are not loaded.
func (res *Result) Compose(id string) (geometry.Chain, bool) {
	rec, ok := res.Registry.Get(id)
	if !ok {
		return nil, false
	}
	return rec.Chain(), true
}

// Close releases every slide handle.
func (res *Result) Close() error {
	if res == nil || res.Registry == nil {
		return nil
	}
	return res.Registry.Close()
}

// WarpOptions controls output rendering.
type WarpOptions struct {
	// MaxDim caps the longest output side in pixels; zero keeps level 0.
	MaxDim int
	// Ext is the output file extension, ".tiff" by default.
	Ext string
	// Crop restricts output to the combined tissue bounding box.
	Crop bool
}

// WarpAndSave renders one slide into the reference frame and hands it to the
// writer. A slide that is not loaded is skipped with a recorded warning and
// no error.
func (e *Engine) WarpAndSave(ctx context.Context, res *Result, id, dst string, wo WarpOptions) error {
	rec, ok := res.Registry.Get(id)
	if !ok {
		reason := "slide is not loaded"
		if res.Manifest.Skip(stageWarp, id, reason) {
			e.obs.SlideSkipped(res.RunID, stageWarp, id, reason)
		}
		return nil
	}
	if e.c.Writer == nil {
		return configErrorf("no output writer configured")
	}
	region := geometry.Rect{Width: float64(res.Frame.Size.X), Height: float64(res.Frame.Size.Y)}
	if wo.Crop && !res.BBox.Empty() {
		region = res.BBox
	}
	if region.Empty() {
		return &SlideError{Stage: stageWarp, Slide: id, Err: errors.New("reference frame has no extent")}
	}
	step := capStep(region.Width, region.Height, wo.MaxDim)

	ctx, span := e.tracer.Start(ctx, "registration.warp")
	defer span.End()
	start := time.Now()
	img, err := renderRGBA(ctx, rec.Handle, rec.Chain(), region, step)
	if err != nil {
		return &SlideError{Stage: stageWarp, Slide: id, Err: err}
	}
	if err := e.c.Writer.Write(ctx, id, img, dst); err != nil {
		return &SlideError{Stage: stageWarp, Slide: id, Err: err}
	}
	res.Manifest.addOutput(id, dst)
	res.Manifest.addTiming(stageWarp, time.Since(start))
	logging.LogProcessingStep(e.log, res.RunID, stageWarp, "saved", map[string]any{
		"slide": id, "output": dst, "size": image.Pt(img.Rect.Dx(), img.Rect.Dy()),
	})
	return nil
}

// WarpAll writes every slide of the run into dir. Failed or missing slides
// are skipped and recorded; only cancellation stops the loop.
func (e *Engine) WarpAll(ctx context.Context, res *Result, dir string, wo WarpOptions) (map[string]string, error) {
	ext := wo.Ext
	if ext == "" {
		ext = ".tiff"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, id := range res.Registry.IDs() {
		if err := ctx.Err(); err != nil {
			return res.Manifest.Outputs(), err
		}
		dst := filepath.Join(dir, id+ext)
		if err := e.WarpAndSave(ctx, res, id, dst, wo); err != nil {
			if errors.Is(err, ErrConfiguration) {
				return res.Manifest.Outputs(), err
			}
			if res.Manifest.Skip(stageWarp, id, err.Error()) {
				e.obs.SlideSkipped(res.RunID, stageWarp, id, err.Error())
			}
		}
	}
	return res.Manifest.Outputs(), nil
}

// Describe is a short human summary of a result.
func (res *Result) Describe() string {
	return fmt.Sprintf("run %s: %d loaded, %d failed, reference %s",
		res.RunID, len(res.Registry.AllLoaded()), len(res.Registry.Failures()), res.Ordering.Reference())
}
