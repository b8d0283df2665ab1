package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"histalign/internal/fsutil"
	"histalign/internal/metrics"
	"histalign/internal/registration"
	"histalign/internal/storage"
)

// Engine is the part of registration.Engine the router drives.
type Engine interface {
	RegisterRun(ctx context.Context, runID string, sources []string) (*registration.Result, error)
	Restore(ctx context.Context, snap registration.Snapshot) (*registration.Result, error)
	WarpAll(ctx context.Context, res *registration.Result, dir string, wo registration.WarpOptions) (map[string]string, error)
}

// EngineFactory builds an engine for one job. obs receives that job's stage
// events.
type EngineFactory func(opts registration.Options, obs registration.Observer) (Engine, error)

type runStore interface {
	SaveRun(snap registration.Snapshot) error
	LoadRun(id string) (registration.Snapshot, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	store   runStore
	engines EngineFactory
	obs     registration.Observer
}

func newRouter(logger *slog.Logger, store *storage.Store, factory EngineFactory, obs registration.Observer) Processor {
	return &router{
		log:     logger,
		store:   store,
		engines: factory,
		obs:     registration.Observers{metrics.Observer{}, obs},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if r.engines == nil {
		return Result{Job: job, Error: errors.New("no registration engine configured")}
	}
	switch job.Type {
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobWarp:
		return r.handleWarp(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	sources := job.Sources
	if len(sources) == 0 {
		if job.InputPath == "" {
			return Result{Job: job, Error: errors.New("register job has no sources")}
		}
		var err error
		sources, err = fsutil.ExpandSources([]string{job.InputPath})
		if err != nil {
			return Result{Job: job, Error: err}
		}
	}

	eng, err := r.engines(job.Registration, r.obs)
	if err != nil {
		metrics.RunFinished("failed")
		return Result{Job: job, Error: err}
	}
	res, err := eng.RegisterRun(ctx, job.ID, sources)
	if err != nil {
		metrics.RunFinished(runStatus(err))
		return Result{Job: job, Error: err, Meta: map[string]any{"sources": len(sources)}}
	}
	defer res.Close()

	meta := describe(res)
	meta["sources"] = len(sources)
	if err := r.finish(ctx, eng, res, job, meta); err != nil {
		metrics.RunFinished(runStatus(err))
		return Result{Job: job, Error: err, Meta: meta}
	}
	metrics.RunFinished("completed")
	return Result{Job: job, Meta: meta}
}

func (r *router) handleWarp(ctx context.Context, job Job) Result {
	if job.RunID == "" {
		return Result{Job: job, Error: errors.New("warp job names no run")}
	}
	if job.Output == "" {
		return Result{Job: job, Error: errors.New("warp job has no output directory")}
	}
	snap, err := r.store.LoadRun(job.RunID)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	eng, err := r.engines(job.Registration, r.obs)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := eng.Restore(ctx, snap)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer res.Close()

	meta := describe(res)
	if err := r.finish(ctx, eng, res, job, meta); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

// finish writes outputs and the manifest when the job has an output
// directory, then persists the run so later warps see every skip.
func (r *router) finish(ctx context.Context, eng Engine, res *registration.Result, job Job, meta map[string]any) error {
	if job.Output != "" {
		outputs, err := eng.WarpAll(ctx, res, job.Output, job.Warp)
		meta["outputs"] = outputs
		if err != nil {
			return err
		}
		path, err := res.WriteManifest(job.Output)
		if err != nil {
			return err
		}
		meta["manifest"] = path
	}
	meta["skipped"] = len(res.Manifest.Skipped())
	if err := r.store.SaveRun(res.Snapshot()); err != nil {
		r.log.Warn("failed to persist run", "run_id", res.RunID, "error", err)
	}
	return nil
}

func describe(res *registration.Result) map[string]any {
	return map[string]any{
		"run_id":    res.RunID,
		"reference": res.Ordering.Reference(),
		"order":     res.Ordering.IDs,
		"loaded":    len(res.Registry.AllLoaded()),
		"failed":    len(res.Registry.Failures()),
		"summary":   res.Describe(),
	}
}

func runStatus(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "failed"
}
