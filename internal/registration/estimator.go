package registration

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"histalign/internal/geometry"
	"histalign/internal/slide"
)

// Checkpoint names a point in the pipeline at which residual error is
// measured.
type Checkpoint string

const (
	CheckpointPre      Checkpoint = "pre"
	CheckpointRigid    Checkpoint = "rigid"
	CheckpointNonRigid Checkpoint = "non-rigid"
	CheckpointMicro    Checkpoint = "micro"
)

// ErrorRow summarizes residual distances between a slide and its target at
// one checkpoint. The reference gets a row with no target and no pairs.
type ErrorRow struct {
	Slide           string     `json:"slide" yaml:"slide"`
	Target          string     `json:"target,omitempty" yaml:"target,omitempty"`
	Checkpoint      Checkpoint `json:"checkpoint" yaml:"checkpoint"`
	Pairs           int        `json:"pairs" yaml:"pairs"`
	Mean            float64    `json:"mean" yaml:"mean"`
	Median          float64    `json:"median" yaml:"median"`
	P90             float64    `json:"p90" yaml:"p90"`
	Device          string     `json:"device" yaml:"device"`
	Fallback        bool       `json:"cpu_fallback" yaml:"cpu_fallback"`
	NoRigidSolution bool       `json:"no_rigid_solution" yaml:"no_rigid_solution"`
}

// ErrorTable collects rows across checkpoints.
type ErrorTable struct {
	mu   sync.Mutex
	rows []ErrorRow
}

func newErrorTable() *ErrorTable {
	return &ErrorTable{}
}

// NewErrorTable builds a table from persisted rows.
func NewErrorTable(rows []ErrorRow) *ErrorTable {
	return &ErrorTable{rows: append([]ErrorRow(nil), rows...)}
}

func (t *ErrorTable) add(row ErrorRow) {
	t.mu.Lock()
	t.rows = append(t.rows, row)
	t.mu.Unlock()
}

// Rows returns a copy of every row in insertion order.
func (t *ErrorTable) Rows() []ErrorRow {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ErrorRow(nil), t.rows...)
}

// At returns the rows recorded for checkpoint cp.
func (t *ErrorTable) At(cp Checkpoint) []ErrorRow {
	var out []ErrorRow
	for _, row := range t.Rows() {
		if row.Checkpoint == cp {
			out = append(out, row)
		}
	}
	return out
}

// Row finds the row for slide at cp.
func (t *ErrorTable) Row(slideID string, cp Checkpoint) (ErrorRow, bool) {
	for _, row := range t.Rows() {
		if row.Slide == slideID && row.Checkpoint == cp {
			return row, true
		}
	}
	return ErrorRow{}, false
}

// checkpointStages lists the stages whose CPU fallbacks show in a
// checkpoint's rows. Detection and matching run in the similarity stage and
// are charged to the pre-registration row.
var checkpointStages = map[Checkpoint][]string{
	CheckpointPre:      {stageGraph},
	CheckpointRigid:    {stageRigid, stageMicroRigid},
	CheckpointNonRigid: {stageNonRigid},
	CheckpointMicro:    {stageMicro},
}

// usedFallback reports whether any unit behind id's row at cp, including the
// matching of id against target, fell back to the CPU.
func (r *run) usedFallback(cp Checkpoint, id, target string) bool {
	units := []string{id, groupUnit}
	if target != "" {
		units = append(units, id+"/"+target, target+"/"+id)
	}
	for _, stage := range checkpointStages[cp] {
		for _, unit := range units {
			if r.fellBack(stage, unit) {
				return true
			}
		}
	}
	return false
}

var previousCheckpoint = map[Checkpoint]Checkpoint{
	CheckpointRigid:    CheckpointPre,
	CheckpointNonRigid: CheckpointRigid,
	CheckpointMicro:    CheckpointNonRigid,
}

// chainAt returns the part of rec's chain in effect at cp.
func chainAt(rec *slide.Record, cp Checkpoint) geometry.Chain {
	switch cp {
	case CheckpointPre:
		return nil
	case CheckpointRigid:
		return rec.RigidChain()
	case CheckpointNonRigid:
		c := rec.RigidChain()
		if rec.NonRigid != nil {
			c = append(c, rec.NonRigid)
		}
		return c
	default:
		return rec.Chain()
	}
}

// estimate measures residual distances for every slide at cp and warns when a
// stage made a pair worse.
func (r *run) estimate(cp Checkpoint) {
	o := r.ordering
	dev := deviceOf(r.accel).String()
	for i, id := range o.IDs {
		rec, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		row := ErrorRow{Slide: id, Checkpoint: cp, Device: dev, NoRigidSolution: rec.NoRigidFit}
		ti, hasTarget := o.Target(i)
		if !hasTarget {
			r.markFallback(&row, cp, "")
			r.errors.add(row)
			continue
		}
		trec, ok := r.reg.Get(o.IDs[ti])
		if !ok {
			continue
		}
		row.Target = trec.ID
		r.markFallback(&row, cp, trec.ID)
		d := residuals(r.pairs[id], chainAt(rec, cp), chainAt(trec, cp))
		row.Pairs = len(d)
		row.Mean, row.Median, row.P90 = summarize(d)
		r.errors.add(row)

		if prevCP, ok := previousCheckpoint[cp]; ok && row.Pairs > 0 {
			if prev, ok := r.errors.Row(id, prevCP); ok && row.Median > prev.Median+1e-9 {
				r.log.Warn("registration error increased", "slide", id, "checkpoint", cp, "previous", prev.Median, "current", row.Median)
				r.manifest.Note(string(cp), id, fmt.Sprintf("median error rose from %.2f to %.2f", prev.Median, row.Median))
			}
		}
	}
}

func (r *run) markFallback(row *ErrorRow, cp Checkpoint, target string) {
	if r.usedFallback(cp, row.Slide, target) {
		row.Fallback = true
		row.Device = CPU.String()
	}
}

func residuals(pairs []Correspondence, moving, fixed geometry.Chain) []float64 {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = moving.Apply(p.Moving).Distance(fixed.Apply(p.Fixed))
	}
	return out
}

// summarize returns mean, median and 90th percentile. Empty input is all
// zeros.
func summarize(d []float64) (mean, median, p90 float64) {
	if len(d) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), d...)
	sort.Float64s(sorted)
	mean = stat.Mean(sorted, nil)
	median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	p90 = stat.Quantile(0.9, stat.Empirical, sorted, nil)
	return mean, median, p90
}
