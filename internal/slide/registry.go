package slide

import (
	"errors"
	"log/slog"
	"sync"

	"histalign/internal/geometry"
)

// Failure describes a slide that could not be loaded.
type Failure struct {
	ID     string
	Source string
	Reason string
}

// Registry owns every slide record of a run, keyed by identity. Slides that
// failed to load are tracked but never returned by Get.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		records: make(map[string]*Record),
	}
}

// Put stores the outcome of loading a slide. A non-nil loadErr marks the slide
// FailedToLoad and logs a single warning. Re-putting an identity replaces the
// previous record, with a warning, but keeps its discovery position.
func (r *Registry) Put(id, source string, h Handle, loadErr error) *Record {
	return r.put(id, source, h, loadErr, true)
}

// Recall records a slide that failed to load in an earlier run. Nothing is
// logged, since the failure was reported when it happened.
func (r *Registry) Recall(id, source, reason string) *Record {
	return r.put(id, source, nil, errors.New(reason), false)
}

func (r *Registry) put(id, source string, h Handle, loadErr error, report bool) *Record {
	rec := &Record{
		ID:     id,
		Source: source,
		Handle: h,
		Rigid:  geometry.Identity(),
		Rank:   -1,
	}
	if loadErr != nil || h == nil {
		rec.Status = FailedToLoad
		rec.Handle = nil
		if loadErr == nil {
			loadErr = errors.New("no handle returned")
		}
		rec.Reason = loadErr.Error()
		if h != nil {
			_ = h.Close()
		}
		if report {
			r.log.Warn("failed to load slide", "slide", id, "source", source, "error", rec.Reason)
		}
	}

	r.mu.Lock()
	prev, replaced := r.records[id]
	if replaced {
		if prev.Handle != nil {
			_ = prev.Handle.Close()
		}
	} else {
		r.order = append(r.order, id)
	}
	r.records[id] = rec
	r.mu.Unlock()

	if replaced {
		r.log.Warn("slide registered again, replacing previous record",
			"slide", id, "previous_source", prev.Source, "source", source)
	}
	return rec
}

// Get returns the record for id. Unknown identities and slides that failed to
// load both report false.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != Loaded {
		return nil, false
	}
	return rec, true
}

// AllLoaded returns the identities of loaded slides in discovery order.
func (r *Registry) AllLoaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.records[id].Status == Loaded {
			out = append(out, id)
		}
	}
	return out
}

// Known reports whether id was ever put, loaded or not.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Failures lists slides that failed to load in discovery order.
func (r *Registry) Failures() []Failure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Failure
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Status == FailedToLoad {
			out = append(out, Failure{ID: id, Source: rec.Source, Reason: rec.Reason})
		}
	}
	return out
}

// Len returns the number of identities, including failures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Close releases every open handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, rec := range r.records {
		if rec.Handle != nil {
			if err := rec.Handle.Close(); err != nil {
				errs = append(errs, err)
			}
			rec.Handle = nil
		}
	}
	return errors.Join(errs...)
}

// IDs returns every identity in discovery order, loaded or not.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
