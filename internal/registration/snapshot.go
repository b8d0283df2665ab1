package registration

import (
	"context"
	"fmt"
	"time"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

// SlideSnapshot is the persisted state of one slide.
type SlideSnapshot struct {
	ID          string
	Source      string
	Status      slide.Status
	Reason      string
	Rank        int
	Rigid       geometry.Affine
	MicroRigid  *geometry.Affine
	NonRigid    geometry.Transform
	Micro       geometry.Transform
	NoRigidFit  bool
	RigidFailed bool
}

// Snapshot is everything needed to warp a run again without re-solving.
type Snapshot struct {
	RunID     string
	CreatedAt time.Time
	Ordering  Ordering
	Frame     Frame
	BBox      geometry.Rect
	Slides    []SlideSnapshot
	Errors    []ErrorRow
	Skipped   []SkipEntry
}

// Snapshot captures the result for persistence.
func (res *Result) Snapshot() Snapshot {
	s := Snapshot{
		RunID:     res.RunID,
		CreatedAt: time.Now().UTC(),
		Ordering:  res.Ordering,
		Frame:     res.Frame,
		BBox:      res.BBox,
		Errors:    res.Errors.Rows(),
		Skipped:   res.Manifest.Skipped(),
	}
	failures := make(map[string]slide.Failure)
	for _, f := range res.Registry.Failures() {
		failures[f.ID] = f
	}
	for _, id := range res.Registry.IDs() {
		if f, failed := failures[id]; failed {
			s.Slides = append(s.Slides, SlideSnapshot{ID: id, Source: f.Source, Status: slide.FailedToLoad, Reason: f.Reason, Rank: -1})
			continue
		}
		rec, ok := res.Registry.Get(id)
		if !ok {
			continue
		}
		s.Slides = append(s.Slides, SlideSnapshot{
			ID:          id,
			Source:      rec.Source,
			Status:      slide.Loaded,
			Rank:        rec.Rank,
			Rigid:       rec.Rigid,
			MicroRigid:  rec.MicroRigid,
			NonRigid:    rec.NonRigid,
			Micro:       rec.Micro,
			NoRigidFit:  rec.NoRigidFit,
			RigidFailed: rec.RigidFailed,
		})
	}
	return s
}

// Restore reopens the slides of a snapshot and reattaches their transforms.
// Slides that fail to reopen are recorded as FailedToLoad and skipped later.
func (e *Engine) Restore(ctx context.Context, s Snapshot) (*Result, error) {
	if s.RunID == "" {
		return nil, configErrorf("snapshot has no run id")
	}
	r := e.newRun(s.RunID)
	for _, ss := range s.Slides {
		if err := ctx.Err(); err != nil {
			_ = r.reg.Close()
			return nil, err
		}
		if ss.Status != slide.Loaded {
			r.reg.Recall(ss.ID, ss.Source, ss.Reason)
			continue
		}
		h, err := e.c.Loader.Load(ctx, ss.Source)
		rec := r.reg.Put(ss.ID, ss.Source, h, err)
		if rec.Status != slide.Loaded {
			r.skipReported(stageIngest, ss.ID, fmt.Errorf("%w: %s", ErrLoadFailure, rec.Reason))
			continue
		}
		rec.Rank = ss.Rank
		rec.Rigid = ss.Rigid
		rec.MicroRigid = ss.MicroRigid
		rec.NonRigid = ss.NonRigid
		rec.Micro = ss.Micro
		rec.NoRigidFit = ss.NoRigidFit
		rec.RigidFailed = ss.RigidFailed
	}
	r.ordering = s.Ordering
	r.frame = s.Frame
	r.bbox = s.BBox
	r.errors = NewErrorTable(s.Errors)
	for _, sk := range s.Skipped {
		r.manifest.record(sk.Stage, sk.Slide, sk.Reason)
	}
	e.log.Info("run restored", "run_id", s.RunID, "loaded", len(r.reg.AllLoaded()))
	return r.result(), nil
}
