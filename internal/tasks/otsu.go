package tasks

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"histalign/internal/geometry"
)

// OtsuMasker separates tissue from background with a global Otsu threshold
// followed by morphological cleanup.
type OtsuMasker struct {
	// Bright marks tissue as brighter than background, as in fluorescence.
	Bright bool
	// Kernel is the cleanup structuring element size in pixels.
	Kernel int
}

// NewOtsuMasker returns a brightfield masker.
func NewOtsuMasker() *OtsuMasker {
	return &OtsuMasker{Kernel: 5}
}

// Mask thresholds img. The mask has one cell per image pixel.
func (m *OtsuMasker) Mask(ctx context.Context, img *image.Gray) (*geometry.Mask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty thumbnail")
	}

	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, fmt.Errorf("convert thumbnail: %w", err)
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Point{5, 5}, 0, 0, gocv.BorderDefault)

	binary := gocv.NewMat()
	defer binary.Close()
	mode := gocv.ThresholdBinaryInv
	if m.Bright {
		mode = gocv.ThresholdBinary
	}
	gocv.Threshold(blurred, &binary, 0, 255, mode|gocv.ThresholdOtsu)

	k := m.Kernel
	if k < 1 {
		k = 5
	}
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{k, k})
	defer kernel.Close()

	// Close small gaps, then remove specks.
	gocv.MorphologyEx(binary, &binary, gocv.MorphClose, kernel)
	gocv.MorphologyEx(binary, &binary, gocv.MorphOpen, kernel)

	mask := geometry.NewMask(b.Dx(), b.Dy(), 1)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if binary.GetUCharAt(y, x) > 0 {
				mask.Set(x, y, true)
			}
		}
	}
	return mask, nil
}
