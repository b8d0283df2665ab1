package tasks

import (
	"fmt"
	"log/slog"
	"strings"

	"histalign/internal/config"
	"histalign/internal/registration"
)

// SolverManager is the registry of named non-rigid solvers.
type SolverManager struct {
	solvers map[string]registration.NonRigidSolver
	order   []string
}

// NewSolverManager registers the built-in solvers.
func NewSolverManager(workers int) *SolverManager {
	m := &SolverManager{solvers: make(map[string]registration.NonRigidSolver)}
	farneback := NewFarnebackSolver()
	m.Register(farneback)
	m.Register(NewTemplateSolver(farneback, workers))
	return m
}

// Register a solver; re-registering a name replaces it in place.
func (m *SolverManager) Register(s registration.NonRigidSolver) {
	if s == nil {
		return
	}
	if _, exists := m.solvers[s.Name()]; !exists {
		m.order = append(m.order, s.Name())
	}
	m.solvers[s.Name()] = s
}

// Names lists solvers in registration order.
func (m *SolverManager) Names() []string {
	return append([]string(nil), m.order...)
}

// Get returns the named solver.
func (m *SolverManager) Get(name string) (registration.NonRigidSolver, bool) {
	s, ok := m.solvers[name]
	return s, ok
}

// Select picks a solver for strategy. An explicit name wins; otherwise the
// first registered solver that can serve the strategy is used.
func (m *SolverManager) Select(name string, strategy registration.Strategy) (registration.NonRigidSolver, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		s, ok := m.solvers[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown solver %q (have %s)", registration.ErrConfiguration, name, strings.Join(m.order, ", "))
		}
		if strategy == registration.StrategyGroupwise && !s.SupportsGroupwise() {
			return nil, fmt.Errorf("%w: solver %s cannot run groupwise", registration.ErrUnsupportedStrategy, name)
		}
		return s, nil
	}
	for _, n := range m.order {
		s := m.solvers[n]
		if strategy != registration.StrategyGroupwise || s.SupportsGroupwise() {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: no solver supports %s", registration.ErrUnsupportedStrategy, strategy)
}

// Collaborators assembles the default strategy set from configuration.
func Collaborators(cfg *config.Config, solver registration.NonRigidSolver, logger *slog.Logger) (registration.Collaborators, error) {
	probe, err := NewDeviceProbe(cfg.Device.Mode, logger)
	if err != nil {
		return registration.Collaborators{}, fmt.Errorf("%w: %v", registration.ErrConfiguration, err)
	}
	rc := cfg.Registration
	return registration.Collaborators{
		Loader:   NewMagickLoader(logger),
		Detector: NewORBDetector(rc.MaxFeatures),
		Matcher:  NewBFMatcher(rc.MatchRatio),
		Rigid:    NewRANSACSolver(),
		Masker:   NewOtsuMasker(),
		NonRigid: solver,
		Writer:   NewMagickWriter(logger),
		Device:   probe,
	}, nil
}
