package cli

import (
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/trace"

	"histalign/internal/config"
	"histalign/internal/pipeline"
	"histalign/internal/registration"
	"histalign/internal/tasks"
)

// RegistrationOptions converts the configured defaults into run options.
func RegistrationOptions(cfg *config.Config) (registration.Options, error) {
	rc := cfg.Registration
	strategy, err := registration.ParseStrategy(rc.Strategy)
	if err != nil {
		return registration.Options{}, err
	}
	opts := registration.DefaultOptions()
	opts.Strategy = strategy
	opts.MicroRigid = rc.MicroRigid
	opts.SkipNonRigid = rc.SkipNonRigid
	opts.Micro = rc.Micro
	opts.Workers = cfg.Processing.Workers
	if rc.ProcessingCap > 0 {
		opts.ProcessingCap = rc.ProcessingCap
	}
	if rc.MinMatches > 0 {
		opts.MinMatches = rc.MinMatches
	}
	if rc.MicroRigidScale > 0 {
		opts.MicroRigidScale = rc.MicroRigidScale
	}
	if rc.MicroRigidTile > 0 {
		opts.MicroRigidTile = rc.MicroRigidTile
	}
	if rc.NonRigidCap > 0 {
		opts.NonRigidCap = rc.NonRigidCap
	}
	if rc.MicroCap > 0 {
		opts.MicroCap = rc.MicroCap
	}
	if len(rc.Channels) > 0 {
		opts.Channels = maps.Clone(rc.Channels)
	}
	return opts, nil
}

// WarpOptions converts the configured output settings.
func WarpOptions(cfg *config.Config) registration.WarpOptions {
	return registration.WarpOptions{
		MaxDim: cfg.Registration.WarpMaxDim,
		Ext:    cfg.Registration.OutputFormat,
		Crop:   cfg.Registration.CropToTissue,
	}
}

// EngineFactory builds engines from cfg. The solver and device mode are read
// when each job starts, so flag overrides applied to cfg take effect.
func EngineFactory(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) pipeline.EngineFactory {
	solvers := tasks.NewSolverManager(cfg.Processing.Workers)
	return func(opts registration.Options, obs registration.Observer) (pipeline.Engine, error) {
		var solver registration.NonRigidSolver
		if !opts.SkipNonRigid || opts.Micro {
			s, err := solvers.Select(cfg.Registration.Solver, opts.Strategy)
			if err != nil {
				return nil, err
			}
			solver = s
		}
		c, err := tasks.Collaborators(cfg, solver, logger)
		if err != nil {
			return nil, err
		}
		return registration.NewEngine(c, opts, logger,
			registration.WithObserver(obs),
			registration.WithTracer(tracer),
		)
	}
}
