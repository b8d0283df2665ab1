package tasks

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"histalign/internal/geometry"
	"histalign/internal/registration"
)

// ORBDetector finds ORB keypoints with binary descriptors. OpenCV picks its
// own backend, so both devices take the same path.
type ORBDetector struct {
	// MaxFeatures keeps the strongest responses when positive.
	MaxFeatures int
}

// NewORBDetector returns a detector keeping at most maxFeatures keypoints.
func NewORBDetector(maxFeatures int) *ORBDetector {
	return &ORBDetector{MaxFeatures: maxFeatures}
}

// Detect runs ORB on img. A mask on the same grid as img restricts detection
// to tissue; any other mask is ignored.
func (d *ORBDetector) Detect(ctx context.Context, img *image.Gray, mask *geometry.Mask, _ registration.Device) (registration.Features, error) {
	if err := ctx.Err(); err != nil {
		return registration.Features{}, err
	}
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return registration.Features{}, fmt.Errorf("convert image: %w", err)
	}
	defer src.Close()

	maskMat := gocv.NewMat()
	b := img.Bounds()
	if mask != nil && mask.Width == b.Dx() && mask.Height == b.Dy() && !mask.Empty() {
		maskMat.Close()
		maskMat = maskToMat(mask)
	}
	defer maskMat.Close()

	orb := gocv.NewORB()
	defer orb.Close()

	kps, desc := orb.DetectAndCompute(src, maskMat)
	defer desc.Close()

	feats := registration.Features{}
	if len(kps) == 0 || desc.Empty() {
		return feats, nil
	}
	cols := desc.Cols()
	data := desc.ToBytes()
	order := strongest(kps, d.MaxFeatures)
	feats.Keypoints = make([]geometry.Point, 0, len(order))
	feats.Descriptors = make([][]byte, 0, len(order))
	for _, i := range order {
		row := make([]byte, cols)
		copy(row, data[i*cols:(i+1)*cols])
		feats.Keypoints = append(feats.Keypoints, geometry.Pt(kps[i].X, kps[i].Y))
		feats.Descriptors = append(feats.Descriptors, row)
	}
	return feats, nil
}

// strongest returns keypoint indices by descending response, capped at n.
func strongest(kps []gocv.KeyPoint, n int) []int {
	idx := make([]int, len(kps))
	for i := range idx {
		idx[i] = i
	}
	if n <= 0 || n >= len(kps) {
		return idx
	}
	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < len(idx); j++ {
			if kps[idx[j]].Response > kps[idx[best]].Response {
				best = j
			}
		}
		idx[i], idx[best] = idx[best], idx[i]
	}
	return idx[:n]
}

func maskToMat(mask *geometry.Mask) gocv.Mat {
	buf := make([]byte, mask.Width*mask.Height)
	for i, on := range mask.Bits {
		if on {
			buf[i] = 255
		}
	}
	m, err := gocv.NewMatFromBytes(mask.Height, mask.Width, gocv.MatTypeCV8U, buf)
	if err != nil {
		return gocv.NewMat()
	}
	return m
}

// BFMatcher matches binary descriptors by Hamming distance with Lowe's ratio
// test and a mutual-best check.
type BFMatcher struct {
	// Ratio is the maximum best/second-best distance ratio.
	Ratio float64
}

// NewBFMatcher returns a matcher with the given ratio, 0.8 when unset.
func NewBFMatcher(ratio float64) *BFMatcher {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.8
	}
	return &BFMatcher{Ratio: ratio}
}

// Match pairs a against b.
func (m *BFMatcher) Match(ctx context.Context, a, b registration.Features, _ registration.Device) ([]registration.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(a.Descriptors) < 2 || len(b.Descriptors) < 2 {
		return nil, nil
	}
	qa, err := descriptorMat(a.Descriptors)
	if err != nil {
		return nil, err
	}
	defer qa.Close()
	qb, err := descriptorMat(b.Descriptors)
	if err != nil {
		return nil, err
	}
	defer qb.Close()

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()

	forward := bf.KnnMatch(qa, qb, 2)
	backward := bf.KnnMatch(qb, qa, 1)
	bestBack := make(map[int]int, len(backward))
	for _, ms := range backward {
		if len(ms) > 0 {
			bestBack[ms[0].QueryIdx] = ms[0].TrainIdx
		}
	}

	var out []registration.Match
	for _, ms := range forward {
		if len(ms) < 2 {
			continue
		}
		best, second := ms[0], ms[1]
		if best.Distance >= m.Ratio*second.Distance {
			continue
		}
		if back, ok := bestBack[best.TrainIdx]; !ok || back != best.QueryIdx {
			continue
		}
		out = append(out, registration.Match{A: best.QueryIdx, B: best.TrainIdx, Distance: best.Distance})
	}
	return out, nil
}

func descriptorMat(desc [][]byte) (gocv.Mat, error) {
	cols := len(desc[0])
	buf := make([]byte, 0, len(desc)*cols)
	for i, d := range desc {
		if len(d) != cols {
			return gocv.Mat{}, fmt.Errorf("descriptor %d has %d bytes, want %d", i, len(d), cols)
		}
		buf = append(buf, d...)
	}
	return gocv.NewMatFromBytes(len(desc), cols, gocv.MatTypeCV8U, buf)
}
