package registration

import (
	"context"
	"image"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

// Device selects where a unit of work runs.
type Device int

const (
	CPU Device = iota
	Accelerator
)

func (d Device) String() string {
	if d == Accelerator {
		return "accelerator"
	}
	return "cpu"
}

// DeviceCapability reports whether an accelerator is usable for this run.
type DeviceCapability interface {
	IsAccelerated() bool
}

// Loader opens slide sources.
type Loader interface {
	Load(ctx context.Context, source string) (slide.Handle, error)
}

// Features are keypoints in image pixel coordinates with one descriptor each.
type Features struct {
	Keypoints   []geometry.Point
	Descriptors [][]byte
}

// Match pairs keypoint A of the first feature set with keypoint B of the
// second.
type Match struct {
	A        int
	B        int
	Distance float64
}

// Correspondence is a matched point pair in level-0 coordinates.
type Correspondence struct {
	Moving geometry.Point `json:"moving" yaml:"moving"`
	Fixed  geometry.Point `json:"fixed" yaml:"fixed"`
}

// Detector finds features in an image, restricted to mask when non-nil.
type Detector interface {
	Detect(ctx context.Context, img *image.Gray, mask *geometry.Mask, dev Device) (Features, error)
}

// Matcher matches two feature sets.
type Matcher interface {
	Match(ctx context.Context, a, b Features, dev Device) ([]Match, error)
}

// RigidSolver estimates the transform mapping Moving points onto Fixed
// points. It returns ErrInsufficientData when the pairs cannot support a fit.
type RigidSolver interface {
	Solve(ctx context.Context, pairs []Correspondence) (geometry.Affine, error)
}

// TissueMasker separates tissue from background on a thumbnail.
type TissueMasker interface {
	Mask(ctx context.Context, img *image.Gray) (*geometry.Mask, error)
}

// NonRigidRequest is one pairwise deformable problem. Both images share the
// same working grid.
type NonRigidRequest struct {
	Slide  string
	Moving *image.Gray
	Fixed  *image.Gray
	// Mask is the combined tissue mask on the working grid.
	Mask *geometry.Mask
	// Cap is the resolution cap the images were rendered under.
	Cap int
}

// GroupRequest is a groupwise deformable problem over every slide.
type GroupRequest struct {
	Images map[string]*image.Gray
	Mask   *geometry.Mask
	Cap    int
}

// Displacement is a per-pixel forward displacement on the working grid, in
// working pixels. It maps a moving pixel to the fixed image.
type Displacement struct {
	Width  int
	Height int
	DX     []float32
	DY     []float32
}

// NonRigidSolver computes dense displacements.
type NonRigidSolver interface {
	Name() string
	SupportsGroupwise() bool
	Solve(ctx context.Context, req NonRigidRequest, dev Device) (Displacement, error)
	SolveGroup(ctx context.Context, req GroupRequest, dev Device) (map[string]Displacement, error)
}

// Writer persists a warped slide image.
type Writer interface {
	Write(ctx context.Context, id string, img image.Image, dst string) error
}

// Observer receives stage lifecycle events. Implementations must be safe for
// concurrent use.
type Observer interface {
	StageStarted(runID, stage string)
	StageFinished(runID, stage string, err error, seconds float64)
	SlideSkipped(runID, stage, slideID, reason string)
	DeviceFallback(runID, stage, slideID string)
}

type nopObserver struct{}

func (nopObserver) StageStarted(string, string)                  {}
func (nopObserver) StageFinished(string, string, error, float64) {}
func (nopObserver) SlideSkipped(string, string, string, string)  {}
func (nopObserver) DeviceFallback(string, string, string)        {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) StageStarted(runID, stage string) {
	for _, x := range o {
		x.StageStarted(runID, stage)
	}
}

func (o Observers) StageFinished(runID, stage string, err error, seconds float64) {
	for _, x := range o {
		x.StageFinished(runID, stage, err, seconds)
	}
}

func (o Observers) SlideSkipped(runID, stage, slideID, reason string) {
	for _, x := range o {
		x.SlideSkipped(runID, stage, slideID, reason)
	}
}

func (o Observers) DeviceFallback(runID, stage, slideID string) {
	for _, x := range o {
		x.DeviceFallback(runID, stage, slideID)
	}
}
