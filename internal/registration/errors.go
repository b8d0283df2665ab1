package registration

import (
	"errors"
	"fmt"
)

// Error kinds. Stage code wraps these with %w so callers can use errors.Is.
var (
	// ErrLoadFailure marks a source that could not be read. Never fatal.
	ErrLoadFailure = errors.New("slide failed to load")
	// ErrInsufficientData is returned by solvers that lack enough
	// correspondences. Never fatal.
	ErrInsufficientData = errors.New("insufficient data to solve")
	// ErrSolver marks a collaborator failure. Never fatal.
	ErrSolver = errors.New("solver failed")

	// ErrConfiguration marks invalid run options.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrInsufficientInput means fewer than two slides loaded.
	ErrInsufficientInput = errors.New("fewer than two slides loaded")
	// ErrEmptyTissueRegion means the combined tissue mask is empty.
	ErrEmptyTissueRegion = errors.New("combined tissue mask is empty")
	// ErrUnsupportedStrategy means the solver cannot run the requested strategy.
	ErrUnsupportedStrategy = errors.New("non-rigid strategy not supported by solver")
)

// IsFatal reports whether err aborts a run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInsufficientInput) ||
		errors.Is(err, ErrEmptyTissueRegion) ||
		errors.Is(err, ErrUnsupportedStrategy)
}

// SlideError ties a per-slide failure to the stage that hit it.
type SlideError struct {
	Stage string
	Slide string
	Err   error
}

func (e *SlideError) Error() string {
	return fmt.Sprintf("%s: slide %s: %v", e.Stage, e.Slide, e.Err)
}

func (e *SlideError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
