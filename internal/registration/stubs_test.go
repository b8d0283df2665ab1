package registration

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

const (
	slideWidth  = 200
	slideHeight = 160
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// warnings counts WARN lines in buf that contain every needle.
func warnings(buf *bytes.Buffer, needles ...string) int {
	n := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "level=WARN") {
			continue
		}
		all := true
		for _, needle := range needles {
			all = all && strings.Contains(line, needle)
		}
		if all {
			n++
		}
	}
	return n
}

// dotSlide is a dark slide carrying one single-pixel dot per landmark. The
// dot value encodes the landmark, so landmarks can be matched across slides.
type dotSlide struct {
	landmarks []int
	offset    geometry.Point
}

func landmarkAt(k int) geometry.Point {
	return geometry.Pt(float64(20+(k%6)*25), float64(20+(k/6)*25))
}

func landmarkValue(k int) uint8 {
	return uint8(40 + 8*k)
}

func span(from, to int) []int {
	var out []int
	for k := from; k <= to; k++ {
		out = append(out, k)
	}
	return out
}

type fakeHandle struct {
	img    *image.Gray
	closed atomic.Bool
}

func newFakeHandle(d dotSlide) *fakeHandle {
	img := image.NewGray(image.Rect(0, 0, slideWidth, slideHeight))
	for _, k := range d.landmarks {
		p := landmarkAt(k).Add(d.offset)
		img.Pix[int(p.Y)*img.Stride+int(p.X)] = landmarkValue(k)
	}
	return &fakeHandle{img: img}
}

func (h *fakeHandle) Dimensions() []image.Point {
	return []image.Point{h.img.Rect.Size()}
}

func (h *fakeHandle) Read(_ context.Context, level int, region image.Rectangle) (image.Image, error) {
	if level != 0 {
		return nil, errors.New("no such level")
	}
	return h.img.SubImage(region), nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// fakeLoader serves dot slides keyed by source base name. Unknown names fail
// to load.
type fakeLoader struct {
	slides map[string]dotSlide

	mu      sync.Mutex
	calls   int
	handles []*fakeHandle
}

func (l *fakeLoader) Load(_ context.Context, source string) (slide.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	d, ok := l.slides[slide.BaseName(source)]
	if !ok {
		return nil, errors.New("corrupt header")
	}
	h := newFakeHandle(d)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLoader) loadCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// dotDetector reports every non-zero pixel as a keypoint whose descriptor is
// the pixel value.
type dotDetector struct{}

func (dotDetector) Detect(_ context.Context, img *image.Gray, _ *geometry.Mask, _ Device) (Features, error) {
	var f Features
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if v := img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)]; v != 0 {
				f.Keypoints = append(f.Keypoints, geometry.Pt(float64(x), float64(y)))
				f.Descriptors = append(f.Descriptors, []byte{v})
			}
		}
	}
	return f, nil
}

func hasDescriptor(f Features, v uint8) bool {
	return slices.ContainsFunc(f.Descriptors, func(d []byte) bool { return d[0] == v })
}

// accelDetector fails on the accelerator for thumbnails carrying landmark
// failOn.
type accelDetector struct {
	failOn int
}

func (d accelDetector) Detect(ctx context.Context, img *image.Gray, m *geometry.Mask, dev Device) (Features, error) {
	f, _ := dotDetector{}.Detect(ctx, img, m, dev)
	if dev == Accelerator && hasDescriptor(f, landmarkValue(d.failOn)) {
		return Features{}, errors.New("device out of memory")
	}
	return f, nil
}

// accelMatcher fails on the accelerator for pairs where either side carries
// landmark failOn.
type accelMatcher struct {
	failOn int
}

func (m accelMatcher) Match(ctx context.Context, a, b Features, dev Device) ([]Match, error) {
	v := landmarkValue(m.failOn)
	if dev == Accelerator && (hasDescriptor(a, v) || hasDescriptor(b, v)) {
		return nil, errors.New("device out of memory")
	}
	return valueMatcher{}.Match(ctx, a, b, dev)
}

// valueMatcher pairs keypoints with identical descriptors.
type valueMatcher struct{}

func (valueMatcher) Match(_ context.Context, a, b Features, _ Device) ([]Match, error) {
	index := make(map[byte]int, len(b.Descriptors))
	for j, d := range b.Descriptors {
		index[d[0]] = j
	}
	var out []Match
	for i, d := range a.Descriptors {
		if j, ok := index[d[0]]; ok {
			out = append(out, Match{A: i, B: j})
		}
	}
	return out, nil
}

// shiftSolver fits a pure translation by averaging the pair offsets.
type shiftSolver struct {
	err error
}

func (s shiftSolver) Solve(_ context.Context, pairs []Correspondence) (geometry.Affine, error) {
	if s.err != nil {
		return geometry.Affine{}, s.err
	}
	if len(pairs) < 3 {
		return geometry.Affine{}, ErrInsufficientData
	}
	var dx, dy float64
	for _, p := range pairs {
		d := p.Fixed.Sub(p.Moving)
		dx += d.X
		dy += d.Y
	}
	n := float64(len(pairs))
	return geometry.Translation(dx/n, dy/n), nil
}

// fullMasker marks the whole thumbnail as tissue, or nothing when empty.
type fullMasker struct {
	empty bool
	err   error
}

func (m fullMasker) Mask(_ context.Context, img *image.Gray) (*geometry.Mask, error) {
	if m.err != nil {
		return nil, m.err
	}
	b := img.Bounds()
	mask := geometry.NewMask(b.Dx(), b.Dy(), 1)
	if !m.empty {
		for i := range mask.Bits {
			mask.Bits[i] = true
		}
	}
	return mask, nil
}

// zeroSolver returns an all-zero displacement the size of its input. Slides
// listed in failAccel fail on the accelerator.
type zeroSolver struct {
	groupwise bool
	failAccel map[string]bool

	mu     sync.Mutex
	solved []string
	groups int
}

func (s *zeroSolver) Name() string { return "zero" }

func (s *zeroSolver) SupportsGroupwise() bool { return s.groupwise }

func zeroDisplacement(img *image.Gray) Displacement {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	return Displacement{Width: w, Height: h, DX: make([]float32, w*h), DY: make([]float32, w*h)}
}

func (s *zeroSolver) Solve(_ context.Context, req NonRigidRequest, dev Device) (Displacement, error) {
	if dev == Accelerator && s.failAccel[req.Slide] {
		return Displacement{}, errors.New("device out of memory")
	}
	s.mu.Lock()
	s.solved = append(s.solved, req.Slide)
	s.mu.Unlock()
	return zeroDisplacement(req.Moving), nil
}

func (s *zeroSolver) SolveGroup(_ context.Context, req GroupRequest, dev Device) (map[string]Displacement, error) {
	if dev == Accelerator && s.failAccel[groupUnit] {
		return nil, errors.New("device out of memory")
	}
	s.mu.Lock()
	s.groups++
	s.mu.Unlock()
	out := make(map[string]Displacement, len(req.Images))
	for id, img := range req.Images {
		out[id] = zeroDisplacement(img)
	}
	return out, nil
}

type fixedDevice bool

func (d fixedDevice) IsAccelerated() bool { return bool(d) }

type recordingWriter struct {
	mu      sync.Mutex
	written map[string]image.Rectangle
}

func (w *recordingWriter) Write(_ context.Context, id string, img image.Image, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written == nil {
		w.written = make(map[string]image.Rectangle)
	}
	w.written[id] = img.Bounds()
	return nil
}

type observed struct {
	kind, stage, slide string
	err                error
}

type recordingObserver struct {
	mu     sync.Mutex
	events []observed
}

func (o *recordingObserver) add(e observed) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) StageStarted(_, stage string) {
	o.add(observed{kind: "started", stage: stage})
}

func (o *recordingObserver) StageFinished(_, stage string, err error, _ float64) {
	o.add(observed{kind: "finished", stage: stage, err: err})
}

func (o *recordingObserver) SlideSkipped(_, stage, slideID, _ string) {
	o.add(observed{kind: "skipped", stage: stage, slide: slideID})
}

func (o *recordingObserver) DeviceFallback(_, stage, slideID string) {
	o.add(observed{kind: "fallback", stage: stage, slide: slideID})
}

func (o *recordingObserver) of(kind string) []observed {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []observed
	for _, e := range o.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// chainStack is three slides whose landmarks overlap only with their
// neighbors, so the expected order is a, b, c with b as reference.
func chainStack() map[string]dotSlide {
	return map[string]dotSlide{
		"a": {landmarks: span(0, 11), offset: geometry.Pt(10, 5)},
		"b": {landmarks: span(6, 17)},
		"c": {landmarks: span(12, 23), offset: geometry.Pt(-6, 8)},
	}
}

type fixture struct {
	loader   *fakeLoader
	solver   *zeroSolver
	writer   *recordingWriter
	observer *recordingObserver
	log      *slog.Logger
	c        Collaborators
	opts     Options
}

func newFixture(slides map[string]dotSlide) *fixture {
	f := &fixture{
		loader:   &fakeLoader{slides: slides},
		solver:   &zeroSolver{},
		writer:   &recordingWriter{},
		observer: &recordingObserver{},
		log:      quietLogger(),
		opts:     DefaultOptions(),
	}
	f.c = Collaborators{
		Loader:   f.loader,
		Detector: dotDetector{},
		Matcher:  valueMatcher{},
		Rigid:    shiftSolver{},
		Masker:   fullMasker{},
		NonRigid: f.solver,
		Writer:   f.writer,
		Device:   fixedDevice(false),
	}
	f.opts.Workers = 2
	return f
}

func (f *fixture) engine() (*Engine, error) {
	return NewEngine(f.c, f.opts, f.log, WithObserver(f.observer))
}

func sources(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join("/slides", n+".tif")
	}
	return out
}
