package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"histalign/internal/geometry"
	"histalign/internal/logging"
	"histalign/internal/slide"
)

// Stage names used in logs, metrics and the manifest.
const (
	stageIngest     = "ingest"
	stageGraph      = "similarity"
	stageRigid      = "rigid"
	stageMicroRigid = "micro-rigid"
	stageMask       = "mask"
	stageNonRigid   = "non-rigid"
	stageMicro      = "micro"
	stageWarp       = "warp"
)

// Collaborators are the pluggable pieces an Engine drives.
type Collaborators struct {
	Loader   Loader
	Detector Detector
	Matcher  Matcher
	Rigid    RigidSolver
	Masker   TissueMasker
	NonRigid NonRigidSolver
	Writer   Writer
	Device   DeviceCapability
}

// Engine runs the staged registration pipeline.
type Engine struct {
	log    *slog.Logger
	c      Collaborators
	opts   Options
	tracer trace.Tracer
	obs    Observer
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithObserver attaches stage event observers.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithTracer overrides the tracer, which defaults to the global provider.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine validates the collaborators and options.
func NewEngine(c Collaborators, opts Options, logger *slog.Logger, options ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Loader == nil || c.Detector == nil || c.Matcher == nil || c.Rigid == nil || c.Masker == nil {
		return nil, configErrorf("loader, detector, matcher, rigid solver and masker are required")
	}
	if (!opts.SkipNonRigid || opts.Micro) && c.NonRigid == nil {
		return nil, configErrorf("a non-rigid solver is required unless non-rigid is skipped")
	}
	if opts.ExactOrderMax == 0 {
		opts.ExactOrderMax = defaultExactOrderMax
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategySerial
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		log:    logger,
		c:      c,
		opts:   opts,
		tracer: otel.Tracer("histalign/registration"),
		obs:    nopObserver{},
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

// Options returns the options the engine was built with.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) pool() *pool.Pool {
	n := e.opts.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return pool.New().WithMaxGoroutines(n)
}

func (e *Engine) accelerated() bool {
	return e.c.Device != nil && e.c.Device.IsAccelerated()
}

// run is the state of one Register call. Records are only mutated between
// fan-outs.
type run struct {
	e        *Engine
	id       string
	log      *slog.Logger
	reg      *slide.Registry
	cache    *featureCache
	manifest *Manifest
	errors   *ErrorTable
	accel    bool

	ordering Ordering
	graph    *SimilarityGraph
	frame    Frame
	combined *geometry.Mask
	bbox     geometry.Rect
	pairs    map[string][]Correspondence

	fbMu      sync.Mutex
	fallbacks map[string]map[string]bool
}

func (e *Engine) newRun(id string) *run {
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		e:         e,
		id:        id,
		log:       e.log.With("run_id", id),
		reg:       slide.NewRegistry(e.log),
		cache:     newFeatureCache(),
		accel:     e.accelerated(),
		pairs:     make(map[string][]Correspondence),
		fallbacks: make(map[string]map[string]bool),
	}
	r.manifest = newManifest(id, e.log)
	r.errors = newErrorTable()
	return r
}

// Register runs every stage over sources and returns the registered stack.
// Only structural failures are returned as errors; per-slide problems are
// recorded in the result manifest.
func (e *Engine) Register(ctx context.Context, sources []string) (*Result, error) {
	return e.RegisterRun(ctx, "", sources)
}

// RegisterRun is Register with a caller-chosen run identifier.
func (e *Engine) RegisterRun(ctx context.Context, runID string, sources []string) (*Result, error) {
	names := slide.AssignNames(sources)
	if err := checkNames(e.opts, names); err != nil {
		return nil, err
	}

	r := e.newRun(runID)
	ctx, span := e.tracer.Start(ctx, "registration.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.Int("run.sources", len(sources)),
	))
	defer span.End()

	logging.LogRunStart(e.log, r.id, len(sources), map[string]any{
		"reference": e.opts.Reference,
		"strategy":  string(e.opts.Strategy),
		"micro":     e.opts.Micro,
		"device":    deviceOf(r.accel).String(),
	})
	started := time.Now()

	res, err := r.execute(ctx, sources, names)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		_ = r.reg.Close()
		return nil, err
	}
	r.manifest.addTiming("total", time.Since(started))
	return res, nil
}

func (r *run) execute(ctx context.Context, sources []string, names slide.Names) (*Result, error) {
	opts := r.e.opts
	if err := r.stage(ctx, stageIngest, func(ctx context.Context) error {
		return r.ingest(ctx, sources, names)
	}); err != nil {
		return nil, err
	}

	err := r.stage(ctx, stageGraph, func(ctx context.Context) error {
		var err error
		r.graph, r.ordering, err = r.plan(ctx)
		return err
	})
	if errors.Is(err, ErrInsufficientInput) && len(r.reg.AllLoaded()) == 1 && len(sources) > 1 {
		return r.degenerate(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.stage(ctx, stageRigid, r.rigid); err != nil {
		return nil, err
	}
	if opts.MicroRigid {
		if err := r.stage(ctx, stageMicroRigid, r.microRigid); err != nil {
			return nil, err
		}
	}
	r.alignMasks()
	r.estimate(CheckpointPre)
	r.estimate(CheckpointRigid)

	if err := r.stage(ctx, stageMask, func(context.Context) error { return r.combineMasks() }); err != nil {
		return nil, err
	}

	if !opts.SkipNonRigid {
		pass := nonRigidPass{stage: stageNonRigid, cap: opts.NonRigidCap, assign: func(rec *slide.Record, t geometry.Transform) { rec.NonRigid = t }}
		if err := r.stage(ctx, stageNonRigid, pass.run(r)); err != nil {
			return nil, err
		}
		r.estimate(CheckpointNonRigid)
	}
	if opts.Micro {
		pass := nonRigidPass{stage: stageMicro, cap: opts.MicroCap, assign: func(rec *slide.Record, t geometry.Transform) { rec.Micro = t }}
		if err := r.stage(ctx, stageMicro, pass.run(r)); err != nil {
			return nil, err
		}
		r.estimate(CheckpointMicro)
	}
	return r.result(), nil
}

// degenerate finishes a run that lost all but one slide: the survivor becomes
// the reference and keeps the identity transform.
func (r *run) degenerate() *Result {
	only := r.reg.AllLoaded()[0]
	r.log.Warn("only one slide loaded, returning it unregistered", "slide", only)
	r.ordering = Ordering{IDs: []string{only}}
	if rec, ok := r.reg.Get(only); ok {
		rec.Rank = 0
		rec.AlignedMask = rec.Mask
		r.frame = frameOf(rec)
	}
	r.manifest.Note(stageGraph, only, "only loaded slide, not registered")
	return r.result()
}

func (r *run) result() *Result {
	return &Result{
		RunID:        r.id,
		Registry:     r.reg,
		Ordering:     r.ordering,
		Similarity:   r.graph,
		Frame:        r.frame,
		CombinedMask: r.combined,
		BBox:         r.bbox,
		Errors:       r.errors,
		Manifest:     r.manifest,
		Pairs:        r.pairs,
	}
}

// stage runs fn as one pipeline stage with logging, tracing and cancellation
// checks on both sides.
func (r *run) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := r.e.tracer.Start(ctx, "registration."+name)
	defer span.End()

	logging.LogStageStart(r.e.log, r.id, name)
	r.e.obs.StageStarted(r.id, name)
	start := time.Now()
	err := fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	d := time.Since(start)
	r.manifest.addTiming(name, d)
	r.e.obs.StageFinished(r.id, name, err, d.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.LogStageError(r.e.log, r.id, name, d, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	logging.LogStageComplete(r.e.log, r.id, name, d, map[string]any{"slides": len(r.reg.AllLoaded())})
	return nil
}

// skip records a contained per-slide failure once.
func (r *run) skip(stage, id string, reason error) {
	if r.manifest.Skip(stage, id, reason.Error()) {
		r.e.obs.SlideSkipped(r.id, stage, id, reason.Error())
	}
}

// skipReported is skip for a failure that was already logged, such as a load
// failure the registry reported.
func (r *run) skipReported(stage, id string, reason error) {
	if r.manifest.record(stage, id, reason.Error()) {
		r.e.obs.SlideSkipped(r.id, stage, id, reason.Error())
	}
}

// onDevice runs fn on the accelerator when available and retries once on the
// CPU before reporting failure.
func (r *run) onDevice(ctx context.Context, stage, id string, fn func(Device) error) error {
	if !r.accel {
		return fn(CPU)
	}
	err := fn(Accelerator)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log.Warn("accelerated unit failed, retrying on cpu", "stage", stage, "slide", id, "error", err)
	if cpuErr := fn(CPU); cpuErr != nil {
		return fmt.Errorf("accelerator: %v; cpu: %w", err, cpuErr)
	}
	r.e.obs.DeviceFallback(r.id, stage, id)
	r.fbMu.Lock()
	if r.fallbacks[stage] == nil {
		r.fallbacks[stage] = make(map[string]bool)
	}
	r.fallbacks[stage][id] = true
	r.fbMu.Unlock()
	r.manifest.Note(stage, id, "cpu fallback after accelerator failure")
	return nil
}

func (r *run) fellBack(stage, id string) bool {
	r.fbMu.Lock()
	defer r.fbMu.Unlock()
	return r.fallbacks[stage][id]
}

func deviceOf(accel bool) Device {
	if accel {
		return Accelerator
	}
	return CPU
}

// checkNames validates the configured reference and order against the
// source names before anything is loaded.
func checkNames(opts Options, names slide.Names) error {
	if err := opts.validate(); err != nil {
		return err
	}
	check := func(what, name string) error {
		if dups := names.Ambiguous(name); dups != nil {
			return configErrorf("%s %q is ambiguous, use one of %v", what, name, dups)
		}
		if !names.Has(name) {
			return configErrorf("%s %q does not name any source", what, name)
		}
		return nil
	}
	if opts.Reference != "" {
		if err := check("reference", opts.Reference); err != nil {
			return err
		}
	}
	for _, id := range opts.Order {
		if err := check("ordered slide", id); err != nil {
			return err
		}
	}
	return nil
}
