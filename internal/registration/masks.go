package registration

import (
	"fmt"

	"histalign/internal/geometry"
)

// combineMasks takes the union of the rigid-aligned tissue masks of every
// loaded slide whose rigid stage did not fail outright.
func (r *run) combineMasks() error {
	f := r.frame
	combined := geometry.NewMask(f.Width, f.Height, f.Step)
	used := 0
	for _, id := range r.reg.AllLoaded() {
		rec, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		if rec.RigidFailed {
			r.log.Warn("mask excluded from union", "slide", id, "reason", "rigid stage failed")
			continue
		}
		if rec.AlignedMask == nil {
			continue
		}
		if err := combined.Or(rec.AlignedMask); err != nil {
			r.skip(stageMask, id, err)
			continue
		}
		used++
	}
	bbox := combined.Bounds()
	if bbox.Empty() {
		return fmt.Errorf("%w: %d masks combined", ErrEmptyTissueRegion, used)
	}
	r.combined = combined
	r.bbox = bbox
	r.log.Info("tissue masks combined", "masks", used, "bbox", bbox)
	return nil
}
