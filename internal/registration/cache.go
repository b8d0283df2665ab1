package registration

import (
	"context"
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"histalign/internal/slide"
)

// featureCache memoizes detected features and pairwise matches for one run.
// Entries never expire; the cache is dropped with the run.
type featureCache struct {
	c *gocache.Cache
}

func newFeatureCache() *featureCache {
	return &featureCache{c: gocache.New(gocache.NoExpiration, 0)}
}

func (f *featureCache) features(id string) (Features, bool) {
	v, ok := f.c.Get("features/" + id)
	if !ok {
		return Features{}, false
	}
	return v.(Features), true
}

func (f *featureCache) putFeatures(id string, feats Features) {
	f.c.Set("features/"+id, feats, gocache.NoExpiration)
}

func pairKey(a, b string) (string, bool) {
	if a <= b {
		return "matches/" + a + "/" + b, false
	}
	return "matches/" + b + "/" + a, true
}

func (f *featureCache) matches(a, b string) ([]Match, bool) {
	key, swapped := pairKey(a, b)
	v, ok := f.c.Get(key)
	if !ok {
		return nil, false
	}
	m := v.([]Match)
	if !swapped {
		return m, true
	}
	out := make([]Match, len(m))
	for i, x := range m {
		out[i] = Match{A: x.B, B: x.A, Distance: x.Distance}
	}
	return out, true
}

func (f *featureCache) putMatches(a, b string, m []Match) {
	key, swapped := pairKey(a, b)
	if swapped {
		flipped := make([]Match, len(m))
		for i, x := range m {
			flipped[i] = Match{A: x.B, B: x.A, Distance: x.Distance}
		}
		m = flipped
	}
	f.c.Set(key, m, gocache.NoExpiration)
}

// features returns the cached features of rec, detecting them on first use.
func (r *run) features(ctx context.Context, rec *slide.Record) (Features, error) {
	if feats, ok := r.cache.features(rec.ID); ok {
		return feats, nil
	}
	if rec.Thumbnail == nil {
		return Features{}, fmt.Errorf("%w: no thumbnail", ErrInsufficientData)
	}
	var feats Features
	err := r.onDevice(ctx, stageGraph, rec.ID, func(dev Device) error {
		var err error
		feats, err = r.e.c.Detector.Detect(ctx, rec.Thumbnail, rec.Mask, dev)
		return err
	})
	if err != nil {
		return Features{}, fmt.Errorf("%w: %v", ErrSolver, err)
	}
	r.cache.putFeatures(rec.ID, feats)
	return feats, nil
}

// matches returns the cached matches from a to b, computing them on first
// use. Match.A indexes a's keypoints.
func (r *run) matches(ctx context.Context, a, b string) ([]Match, error) {
	if m, ok := r.cache.matches(a, b); ok {
		return m, nil
	}
	fa, okA := r.cache.features(a)
	fb, okB := r.cache.features(b)
	if !okA || !okB {
		return nil, fmt.Errorf("%w: missing features for %s or %s", ErrSolver, a, b)
	}
	var m []Match
	err := r.onDevice(ctx, stageGraph, a+"/"+b, func(dev Device) error {
		var err error
		m, err = r.e.c.Matcher.Match(ctx, fa, fb, dev)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolver, err)
	}
	r.cache.putMatches(a, b, m)
	return m, nil
}
