package storage

import (
	"errors"
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"histalign/internal/geometry"
	"histalign/internal/registration"
	"histalign/internal/slide"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "histalign.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot() registration.Snapshot {
	field := geometry.NewField(geometry.Rect{X: 10, Y: 20, Width: 40, Height: 30}, 10)
	field.Set(1, 1, 2.5, -1.5)
	micro := geometry.Translation(0.5, -0.25)
	return registration.Snapshot{
		RunID:     "run-1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Ordering:  registration.Ordering{IDs: []string{"a", "b", "c"}, RefIndex: 1},
		Frame:     registration.Frame{Reference: "b", Size: image.Pt(1000, 800), Width: 100, Height: 80, Step: 10},
		BBox:      geometry.Rect{X: 5, Y: 6, Width: 500, Height: 400},
		Slides: []registration.SlideSnapshot{
			{ID: "a", Source: "/s/a.tif", Status: slide.Loaded, Rank: 0, Rigid: geometry.Translation(12, -4), MicroRigid: &micro, NonRigid: field},
			{ID: "b", Source: "/s/b.tif", Status: slide.Loaded, Rank: 1, Rigid: geometry.Identity()},
			{ID: "c", Source: "/s/c.tif", Status: slide.Loaded, Rank: 2, Rigid: geometry.Identity(), NoRigidFit: true,
				NonRigid: geometry.Chain{field, geometry.Translation(1, 1)}},
			{ID: "d", Source: "/s/d.tif", Status: slide.FailedToLoad, Reason: "corrupt header", Rank: -1},
		},
		Errors: []registration.ErrorRow{
			{Slide: "a", Target: "b", Checkpoint: registration.CheckpointPre, Pairs: 12, Mean: 40, Median: 38, P90: 60, Device: "cpu"},
			{Slide: "b", Checkpoint: registration.CheckpointPre, Device: "cpu"},
			{Slide: "a", Target: "b", Checkpoint: registration.CheckpointRigid, Pairs: 12, Mean: 2, Median: 1.5, P90: 3, Device: "accelerator", Fallback: true},
		},
		Skipped: []registration.SkipEntry{{Stage: "ingest", Slide: "d", Reason: "load failure: corrupt header"}},
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	s := openStore(t)
	want := sampleSnapshot()
	require.NoError(t, s.SaveRun(want))

	got, err := s.LoadRun("run-1")
	require.NoError(t, err)
	require.Equal(t, want.RunID, got.RunID)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, want.Ordering, got.Ordering)
	require.Equal(t, want.Frame, got.Frame)
	require.Equal(t, want.BBox, got.BBox)
	require.Equal(t, want.Errors, got.Errors)
	require.Equal(t, want.Skipped, got.Skipped)

	require.Len(t, got.Slides, 4)
	a := got.Slides[0]
	require.Equal(t, "a", a.ID)
	require.Equal(t, want.Slides[0].Rigid, a.Rigid)
	require.NotNil(t, a.MicroRigid)
	require.Equal(t, *want.Slides[0].MicroRigid, *a.MicroRigid)
	p := geometry.Pt(30, 35)
	require.Equal(t, want.Slides[0].NonRigid.Apply(p), a.NonRigid.Apply(p))
	require.Nil(t, a.Micro)

	c := got.Slides[2]
	require.True(t, c.NoRigidFit)
	require.Equal(t, want.Slides[2].NonRigid.Apply(p), c.NonRigid.Apply(p))

	d := got.Slides[3]
	require.Equal(t, slide.FailedToLoad, d.Status)
	require.Equal(t, "corrupt header", d.Reason)
	require.Nil(t, d.NonRigid)
}

func TestSaveRunReplacesEarlierSave(t *testing.T) {
	s := openStore(t)
	snap := sampleSnapshot()
	require.NoError(t, s.SaveRun(snap))

	snap.Errors = snap.Errors[:1]
	snap.Skipped = nil
	require.NoError(t, s.SaveRun(snap))

	rows, err := s.ErrorRows("run-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	skipped, err := s.Skipped("run-1")
	require.NoError(t, err)
	require.Empty(t, skipped)
}

func TestLoadRunNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.LoadRun("missing")
	require.True(t, errors.Is(err, ErrRunNotFound))
}

func TestRecentRuns(t *testing.T) {
	s := openStore(t)
	first := sampleSnapshot()
	require.NoError(t, s.SaveRun(first))
	second := sampleSnapshot()
	second.RunID = "run-2"
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.Skipped = nil
	require.NoError(t, s.SaveRun(second))

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Equal(t, "b", runs[0].Reference)
	require.Equal(t, 4, runs[1].Slides)
	require.Equal(t, 1, runs[1].Failed)
	require.Equal(t, 1, runs[1].Skipped)
	require.Equal(t, 0, runs[0].Skipped)

	require.NoError(t, s.DeleteRun("run-1"))
	runs, err = s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "job-1", JobType: "register", Status: "queued", InputPath: "/in", OutputPath: "/out"}))
	require.NoError(t, s.RecordJobStart("job-1"))
	require.NoError(t, s.RecordJobResult("job-1", "completed", map[string]any{"run_id": "run-1"}, ""))

	jobs, err := s.RecentJobs(5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "completed", jobs[0].Status)
	require.NotNil(t, jobs[0].CompletedAt)

	meta, err := s.JobMeta("job-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", meta["run_id"])
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histalign.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(sampleSnapshot()))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.LoadRun("run-1")
	require.NoError(t, err)
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	require.NoError(t, s.SaveRun(sampleSnapshot()))
	require.NoError(t, s.RecordJobStart("x"))
	_, err := s.LoadRun("x")
	require.Error(t, err)
}
