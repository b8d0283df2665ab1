package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"histalign/internal/geometry"
	"histalign/internal/registration"
	"histalign/internal/slide"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Transform stages as stored in the transforms table.
const (
	transformRigid      = "rigid"
	transformMicroRigid = "micro-rigid"
	transformNonRigid   = "non-rigid"
	transformMicro      = "micro"
)

// RunSummary is a row of the runs listing.
type RunSummary struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Slides    int       `json:"slides"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveRun persists a snapshot, replacing any earlier save of the same run.
func (s *Store) SaveRun(snap registration.Snapshot) error {
	if s == nil {
		return nil
	}
	if snap.RunID == "" {
		return errors.New("snapshot has no run id")
	}
	order, err := json.Marshal(snap.Ordering.IDs)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(snap.Frame)
	if err != nil {
		return err
	}
	bbox, err := json.Marshal(snap.BBox)
	if err != nil {
		return err
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteRun(tx, snap.RunID); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO runs (id, reference, order_json, ref_index, frame_json, bbox_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		snap.RunID, snap.Ordering.Reference(), string(order), snap.Ordering.RefIndex, string(frame), string(bbox), created); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, sl := range snap.Slides {
		if _, err := tx.Exec(`INSERT INTO run_slides (run_id, slide_id, position, source, status, reason, rank, no_rigid_fit, rigid_failed) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			snap.RunID, sl.ID, i, sl.Source, sl.Status.String(), sl.Reason, sl.Rank, sl.NoRigidFit, sl.RigidFailed); err != nil {
			return fmt.Errorf("insert slide %s: %w", sl.ID, err)
		}
		if sl.Status != slide.Loaded {
			continue
		}
		stages := map[string]geometry.Transform{
			transformRigid:    sl.Rigid,
			transformNonRigid: sl.NonRigid,
			transformMicro:    sl.Micro,
		}
		if sl.MicroRigid != nil {
			stages[transformMicroRigid] = *sl.MicroRigid
		}
		for stage, t := range stages {
			if t == nil {
				continue
			}
			data, err := geometry.EncodeTransform(t)
			if err != nil {
				return fmt.Errorf("encode %s transform of %s: %w", stage, sl.ID, err)
			}
			if _, err := tx.Exec(`INSERT INTO transforms (run_id, slide_id, stage, data) VALUES (?, ?, ?, ?);`, snap.RunID, sl.ID, stage, data); err != nil {
				return fmt.Errorf("insert transform: %w", err)
			}
		}
	}
	for _, row := range snap.Errors {
		if _, err := tx.Exec(`INSERT INTO error_rows (run_id, slide_id, target, checkpoint, pairs, mean, median, p90, device, cpu_fallback, no_rigid_solution) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			snap.RunID, row.Slide, row.Target, string(row.Checkpoint), row.Pairs, row.Mean, row.Median, row.P90, row.Device, row.Fallback, row.NoRigidSolution); err != nil {
			return fmt.Errorf("insert error row: %w", err)
		}
	}
	for _, sk := range snap.Skipped {
		if _, err := tx.Exec(`INSERT INTO skipped_slides (run_id, stage, slide_id, reason) VALUES (?, ?, ?, ?);`, snap.RunID, sk.Stage, sk.Slide, sk.Reason); err != nil {
			return fmt.Errorf("insert skip: %w", err)
		}
	}
	return tx.Commit()
}

func deleteRun(tx *sql.Tx, id string) error {
	for _, table := range []string{"skipped_slides", "error_rows", "transforms", "run_slides"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE run_id=?;`, id); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	_, err := tx.Exec(`DELETE FROM runs WHERE id=?;`, id)
	return err
}

// DeleteRun removes a run and everything recorded for it.
func (s *Store) DeleteRun(id string) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteRun(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadRun reads a snapshot back.
func (s *Store) LoadRun(id string) (registration.Snapshot, error) {
	var snap registration.Snapshot
	if s == nil {
		return snap, errors.New("store not initialized")
	}
	var order, frame, bbox string
	err := s.DB.QueryRow(`SELECT id, order_json, ref_index, frame_json, bbox_json, created_at FROM runs WHERE id=?;`, id).
		Scan(&snap.RunID, &order, &snap.Ordering.RefIndex, &frame, &bbox, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(order), &snap.Ordering.IDs); err != nil {
		return snap, fmt.Errorf("decode order: %w", err)
	}
	if err := json.Unmarshal([]byte(frame), &snap.Frame); err != nil {
		return snap, fmt.Errorf("decode frame: %w", err)
	}
	if err := json.Unmarshal([]byte(bbox), &snap.BBox); err != nil {
		return snap, fmt.Errorf("decode bbox: %w", err)
	}

	if snap.Slides, err = s.loadSlides(id); err != nil {
		return snap, err
	}
	if snap.Errors, err = s.ErrorRows(id); err != nil {
		return snap, err
	}
	if snap.Skipped, err = s.Skipped(id); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *Store) loadSlides(runID string) ([]registration.SlideSnapshot, error) {
	rows, err := s.DB.Query(`SELECT slide_id, source, status, reason, rank, no_rigid_fit, rigid_failed FROM run_slides WHERE run_id=? ORDER BY position;`, runID)
	if err != nil {
		return nil, err
	}
	var slides []registration.SlideSnapshot
	for rows.Next() {
		var sl registration.SlideSnapshot
		var status string
		var reason sql.NullString
		if err := rows.Scan(&sl.ID, &sl.Source, &status, &reason, &sl.Rank, &sl.NoRigidFit, &sl.RigidFailed); err != nil {
			rows.Close()
			return nil, err
		}
		sl.Status = slide.ParseStatus(status)
		sl.Reason = reason.String
		sl.Rigid = geometry.Identity()
		slides = append(slides, sl)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(slides))
	for i, sl := range slides {
		index[sl.ID] = i
	}
	trows, err := s.DB.Query(`SELECT slide_id, stage, data FROM transforms WHERE run_id=?;`, runID)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var slideID, stage string
		var data []byte
		if err := trows.Scan(&slideID, &stage, &data); err != nil {
			return nil, err
		}
		i, ok := index[slideID]
		if !ok {
			continue
		}
		t, err := geometry.DecodeTransform(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s transform of %s: %w", stage, slideID, err)
		}
		sl := &slides[i]
		switch stage {
		case transformRigid, transformMicroRigid:
			a, ok := t.(geometry.Affine)
			if !ok {
				return nil, fmt.Errorf("%s transform of %s is %T, want affine", stage, slideID, t)
			}
			if stage == transformRigid {
				sl.Rigid = a
			} else {
				sl.MicroRigid = &a
			}
		case transformNonRigid:
			sl.NonRigid = t
		case transformMicro:
			sl.Micro = t
		}
	}
	return slides, trows.Err()
}

// ErrorRows returns the error table of a run in insertion order.
func (s *Store) ErrorRows(runID string) ([]registration.ErrorRow, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT slide_id, target, checkpoint, pairs, mean, median, p90, device, cpu_fallback, no_rigid_solution FROM error_rows WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registration.ErrorRow
	for rows.Next() {
		var row registration.ErrorRow
		var target, device sql.NullString
		var cp string
		if err := rows.Scan(&row.Slide, &target, &cp, &row.Pairs, &row.Mean, &row.Median, &row.P90, &device, &row.Fallback, &row.NoRigidSolution); err != nil {
			return nil, err
		}
		row.Target = target.String
		row.Device = device.String
		row.Checkpoint = registration.Checkpoint(cp)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Skipped returns the skip entries of a run in insertion order.
func (s *Store) Skipped(runID string) ([]registration.SkipEntry, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT stage, slide_id, reason FROM skipped_slides WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registration.SkipEntry
	for rows.Next() {
		var sk registration.SkipEntry
		if err := rows.Scan(&sk.Stage, &sk.Slide, &sk.Reason); err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// RecentRuns lists the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunSummary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT r.id, r.reference, r.created_at,
            (SELECT COUNT(*) FROM run_slides s WHERE s.run_id = r.id),
            (SELECT COUNT(*) FROM run_slides s WHERE s.run_id = r.id AND s.status != ?),
            (SELECT COUNT(DISTINCT k.slide_id) FROM skipped_slides k WHERE k.run_id = r.id)
        FROM runs r ORDER BY r.created_at DESC LIMIT ?;`, slide.Loaded.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.ID, &rs.Reference, &rs.CreatedAt, &rs.Slides, &rs.Failed, &rs.Skipped); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
