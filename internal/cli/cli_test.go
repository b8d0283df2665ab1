package cli

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"histalign/internal/config"
	"histalign/internal/geometry"
	"histalign/internal/pipeline"
	"histalign/internal/registration"
	"histalign/internal/slide"
	"histalign/internal/storage"
)

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "histalign.db")
	cfg.Device.Mode = "auto"

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		serveFn: func(ctx context.Context, addr string) error {
			return errors.New("serve not expected")
		},
	}
	return root, pipe
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommandTree(root)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestRegisterBuildsJob(t *testing.T) {
	root, pipe := newTestRoot(t)
	dir := t.TempDir()
	for _, name := range []string{"s1.svs", "s2.svs", "s3.ndpi", "readme.md"} {
		touch(t, filepath.Join(dir, name))
	}
	out := filepath.Join(t.TempDir(), "out")

	stdout, err := run(t, root, "register", dir,
		"--output", out,
		"--reference", "s2",
		"--order", "s1,s2,s3",
		"--strategy", "groupwise",
		"--solver", "template/farneback",
		"--micro",
		"--no-gpu",
		"--max-dim", "4000",
		"--format", "png",
	)
	require.NoError(t, err)
	require.Contains(t, stdout, "summary of")

	require.Len(t, pipe.jobs, 1)
	job := pipe.jobs[0]
	require.Equal(t, pipeline.JobRegister, job.Type)
	require.Equal(t, out, job.Output)
	require.Equal(t, []string{
		filepath.Join(dir, "s1.svs"), filepath.Join(dir, "s2.svs"), filepath.Join(dir, "s3.ndpi"),
	}, job.Sources)
	require.Equal(t, "s2", job.Registration.Reference)
	require.Equal(t, []string{"s1", "s2", "s3"}, job.Registration.Order)
	require.Equal(t, registration.StrategyGroupwise, job.Registration.Strategy)
	require.True(t, job.Registration.Micro)
	require.False(t, job.Registration.MicroRigid)
	require.Equal(t, registration.WarpOptions{MaxDim: 4000, Ext: "png"}, job.Warp)
	require.Equal(t, "cpu", root.cfg.Device.Mode)
	require.Equal(t, "template/farneback", root.cfg.Registration.Solver)
	require.True(t, strings.HasPrefix(job.ID, "run-"))
}

func TestRegisterDefaultsFromConfig(t *testing.T) {
	root, pipe := newTestRoot(t)
	root.cfg.Registration.MicroRigid = true
	root.cfg.Registration.ProcessingCap = 1200
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tif"))
	touch(t, filepath.Join(dir, "b.tif"))

	_, err := run(t, root, "register", dir, "--run-id", "fixed")
	require.NoError(t, err)
	job := pipe.jobs[0]
	require.Equal(t, "fixed", job.ID)
	require.Equal(t, root.cfg.Paths.DefaultOutput, job.Output)
	require.True(t, job.Registration.MicroRigid)
	require.Equal(t, 1200, job.Registration.ProcessingCap)
	require.Equal(t, registration.StrategySerial, job.Registration.Strategy)
	require.Equal(t, "auto", root.cfg.Device.Mode)
}

func TestRegisterValidatesArguments(t *testing.T) {
	root, pipe := newTestRoot(t)
	_, err := run(t, root, "register")
	require.Error(t, err)

	_, err = run(t, root, "register", t.TempDir())
	require.ErrorContains(t, err, "no slide files")

	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tif"))
	_, err = run(t, root, "register", dir, "--strategy", "sideways")
	require.ErrorIs(t, err, registration.ErrConfiguration)
	require.Empty(t, pipe.jobs)
}

func TestRegisterPropagatesJobFailure(t *testing.T) {
	root, pipe := newTestRoot(t)
	pipe.jobErrors[string(pipeline.JobRegister)] = registration.ErrEmptyTissueRegion
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tif"))
	touch(t, filepath.Join(dir, "b.tif"))

	_, err := run(t, root, "register", dir)
	require.ErrorIs(t, err, registration.ErrEmptyTissueRegion)
}

func TestWarpBuildsJob(t *testing.T) {
	root, pipe := newTestRoot(t)
	_, err := run(t, root, "warp", "run-7", "-o", "/tmp/out", "--crop")
	require.NoError(t, err)

	job := pipe.jobs[0]
	require.Equal(t, pipeline.JobWarp, job.Type)
	require.Equal(t, "run-7", job.RunID)
	require.True(t, job.Registration.SkipNonRigid)
	require.True(t, job.Warp.Crop)

	_, err = run(t, root, "warp")
	require.Error(t, err)
}

func TestRunsAndReport(t *testing.T) {
	root, _ := newTestRoot(t)
	st, err := storage.New(root.cfg.Paths.DatabasePath)
	require.NoError(t, err)
	defer st.Close()
	root.store = st
	require.NoError(t, st.SaveRun(registration.Snapshot{
		RunID:     "run-42",
		CreatedAt: time.Now().UTC(),
		Ordering:  registration.Ordering{IDs: []string{"a", "b"}, RefIndex: 1},
		Frame:     registration.Frame{Reference: "b", Size: image.Pt(10, 10), Step: 1},
		Slides: []registration.SlideSnapshot{
			{ID: "a", Source: "/s/a.tif", Status: slide.Loaded, Rank: 0, Rigid: geometry.Identity()},
			{ID: "b", Source: "/s/b.tif", Status: slide.Loaded, Rank: 1, Rigid: geometry.Identity()},
			{ID: "c", Source: "/s/c.tif", Status: slide.FailedToLoad, Reason: "bad", Rank: -1},
		},
		Errors: []registration.ErrorRow{
			{Slide: "a", Target: "b", Checkpoint: registration.CheckpointPre, Pairs: 5, Mean: 30, Device: "cpu"},
			{Slide: "b", Checkpoint: registration.CheckpointPre, Device: "cpu"},
			{Slide: "a", Target: "b", Checkpoint: registration.CheckpointRigid, Pairs: 5, Mean: 2.25, Device: "cpu", NoRigidSolution: true},
		},
		Skipped: []registration.SkipEntry{{Stage: "ingest", Slide: "c", Reason: "slide failed to load: bad"}},
	}))

	stdout, err := run(t, root, "runs")
	require.NoError(t, err)
	require.Contains(t, stdout, "run-42")

	stdout, err = run(t, root, "report", "run-42", "--checkpoint", "rigid")
	require.NoError(t, err)
	require.Contains(t, stdout, "reference b")
	require.Contains(t, stdout, "2.25")
	require.Contains(t, stdout, "no-rigid-solution")
	require.NotContains(t, stdout, "30.00")
	require.Contains(t, stdout, "skipped c at ingest")

	stdout, err = run(t, root, "report", "run-42", "--format", "yaml")
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(stdout, "checkpoint:"))

	_, err = run(t, root, "report", "missing")
	require.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestServeUsesConfiguredAddress(t *testing.T) {
	root, _ := newTestRoot(t)
	var got string
	root.serveFn = func(ctx context.Context, addr string) error {
		got = addr
		return nil
	}
	_, err := run(t, root, "serve")
	require.NoError(t, err)
	require.Equal(t, ":8080", got)

	_, err = run(t, root, "serve", "--addr", "127.0.0.1:9999")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", got)
}

func TestInfoCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	stdout, err := run(t, root, "config", "show")
	require.NoError(t, err)
	require.Contains(t, stdout, `"registration"`)

	stdout, err = run(t, root, "solvers")
	require.NoError(t, err)
	require.Contains(t, stdout, "farneback (pairwise)")
	require.Contains(t, stdout, "template/farneback (pairwise, groupwise)")

	stdout, err = run(t, root, "version")
	require.NoError(t, err)
	require.Contains(t, stdout, "histalign v")
}

func TestRegistrationOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registration.Channels = map[string]int{"he": 0}
	cfg.Registration.Strategy = "groupwise"
	cfg.Processing.Workers = 3
	opts, err := RegistrationOptions(cfg)
	require.NoError(t, err)
	require.Equal(t, registration.StrategyGroupwise, opts.Strategy)
	require.Equal(t, 3, opts.Workers)
	require.Equal(t, 850, opts.ProcessingCap)
	require.Equal(t, map[string]int{"he": 0}, opts.Channels)

	cfg.Registration.Channels["he"] = 2
	require.Equal(t, 0, opts.Channels["he"])

	cfg.Registration.Strategy = "diagonal"
	_, err = RegistrationOptions(cfg)
	require.ErrorIs(t, err, registration.ErrConfiguration)
}

func TestEngineFactoryRejectsUnsupportedSolver(t *testing.T) {
	cfg := config.Default()
	cfg.Registration.Solver = "farneback"
	factory := EngineFactory(cfg, slog.Default(), nil)
	opts := registration.DefaultOptions()
	opts.Strategy = registration.StrategyGroupwise
	_, err := factory(opts, nil)
	require.ErrorIs(t, err, registration.ErrUnsupportedStrategy)
}

func TestNewIDFormat(t *testing.T) {
	id := newID("run")
	require.True(t, strings.HasPrefix(id, "run-"))
	require.Len(t, strings.Split(id, "-"), 3)
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"summary": "summary of " + job.ID}}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func TestWatchRegistersSettledStack(t *testing.T) {
	root, pipe := newTestRoot(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.svs"))
	touch(t, filepath.Join(dir, "b.svs"))
	out := t.TempDir()

	stdout, err := run(t, root, "watch", dir, "-o", out, "--settle", "20ms", "--once")
	require.NoError(t, err)
	require.Contains(t, stdout, "summary of watch-")

	require.Len(t, pipe.jobs, 1)
	job := pipe.jobs[0]
	require.Equal(t, pipeline.JobRegister, job.Type)
	require.Equal(t, []string{filepath.Join(dir, "a.svs"), filepath.Join(dir, "b.svs")}, job.Sources)
	require.Equal(t, filepath.Join(out, job.ID), job.Output)
	require.Equal(t, "watch", job.Options["source"])
}

func TestWatchRequiresDirectory(t *testing.T) {
	root, _ := newTestRoot(t)
	_, err := run(t, root, "watch", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
