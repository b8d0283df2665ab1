package registration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/katalvlaran/lvlath/core"
	"github.com/katalvlaran/lvlath/dijkstra"
	"github.com/katalvlaran/lvlath/prim_kruskal"
	"github.com/katalvlaran/lvlath/tsp"
)

// distanceScale converts normalized distances to integer edge weights.
const distanceScale = 1_000_000

// SimilarityGraph holds pairwise similarity over loaded slides. Scores are
// match counts; higher is more similar.
type SimilarityGraph struct {
	IDs    []string
	Scores [][]float64
	index  map[string]int
}

func newSimilarityGraph(ids []string) *SimilarityGraph {
	g := &SimilarityGraph{
		IDs:    append([]string(nil), ids...),
		Scores: make([][]float64, len(ids)),
		index:  make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		g.Scores[i] = make([]float64, len(ids))
		g.index[id] = i
	}
	return g
}

// Score returns the similarity of a and b, zero if either is unknown.
func (g *SimilarityGraph) Score(a, b string) float64 {
	i, ok := g.index[a]
	j, ok2 := g.index[b]
	if !ok || !ok2 {
		return 0
	}
	return g.Scores[i][j]
}

func (g *SimilarityGraph) set(i, j int, score float64) {
	g.Scores[i][j] = score
	g.Scores[j][i] = score
}

// distances normalizes scores into [0, 1], zero on the diagonal.
func (g *SimilarityGraph) distances() [][]float64 {
	n := len(g.IDs)
	top := 0.0
	for i := range g.Scores {
		for j := range g.Scores[i] {
			if i != j {
				top = math.Max(top, g.Scores[i][j])
			}
		}
	}
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
		for j := range d[i] {
			switch {
			case i == j:
			case top == 0:
				d[i][j] = 1
			default:
				d[i][j] = 1 - g.Scores[i][j]/top
			}
		}
	}
	return d
}

func weight(d float64) int64 {
	return int64(math.Round(d*distanceScale)) + 1
}

// Ordering is a permutation of the loaded slides with the reference at
// RefIndex.
type Ordering struct {
	IDs      []string
	RefIndex int
}

// Reference returns the reference identity.
func (o Ordering) Reference() string {
	if len(o.IDs) == 0 {
		return ""
	}
	return o.IDs[o.RefIndex]
}

// Target returns the neighbor of position i one step toward the reference.
func (o Ordering) Target(i int) (int, bool) {
	switch {
	case i < o.RefIndex:
		return i + 1, true
	case i > o.RefIndex:
		return i - 1, true
	default:
		return i, false
	}
}

// TargetOf is Target keyed by identity.
func (o Ordering) TargetOf(id string) (string, bool) {
	for i, x := range o.IDs {
		if x == id {
			t, ok := o.Target(i)
			if !ok {
				return "", false
			}
			return o.IDs[t], true
		}
	}
	return "", false
}

// Outward lists positions starting at the reference and moving outward, so
// every position appears after its target.
func (o Ordering) Outward() []int {
	out := []int{o.RefIndex}
	for d := 1; d < len(o.IDs); d++ {
		if i := o.RefIndex + d; i < len(o.IDs) {
			out = append(out, i)
		}
		if i := o.RefIndex - d; i >= 0 {
			out = append(out, i)
		}
	}
	return out
}

// plan builds the similarity graph and resolves the ordering and reference.
func (r *run) plan(ctx context.Context) (*SimilarityGraph, Ordering, error) {
	ids := r.reg.AllLoaded()
	if len(ids) < 2 {
		return nil, Ordering{}, fmt.Errorf("%w: %d loaded", ErrInsufficientInput, len(ids))
	}
	if err := r.validateAgainstLoaded(ids); err != nil {
		return nil, Ordering{}, err
	}

	r.detectAll(ctx, ids)
	if err := ctx.Err(); err != nil {
		return nil, Ordering{}, err
	}
	g := r.similarity(ctx, ids)
	if err := ctx.Err(); err != nil {
		return nil, Ordering{}, err
	}

	order := r.e.opts.Order
	if len(order) == 0 {
		var err error
		order, err = orderSlides(g, r.e.opts.ExactOrderMax)
		if err != nil {
			return nil, Ordering{}, fmt.Errorf("order slides: %w", err)
		}
	}
	ref := r.e.opts.Reference
	if ref == "" {
		var err error
		ref, err = r.central(g, order)
		if err != nil {
			return nil, Ordering{}, fmt.Errorf("choose reference: %w", err)
		}
	}
	o := Ordering{IDs: append([]string(nil), order...)}
	for i, id := range o.IDs {
		if id == ref {
			o.RefIndex = i
		}
	}
	for i, id := range o.IDs {
		if rec, ok := r.reg.Get(id); ok {
			rec.Rank = i
		}
	}
	r.log.Info("slide order resolved", "run_id", r.id, "order", o.IDs, "reference", ref)
	return g, o, nil
}

// validateAgainstLoaded checks caller-supplied names against the loaded set.
func (r *run) validateAgainstLoaded(loaded []string) error {
	set := make(map[string]bool, len(loaded))
	for _, id := range loaded {
		set[id] = true
	}
	if ref := r.e.opts.Reference; ref != "" && !set[ref] {
		return configErrorf("reference %q is not among the loaded slides", ref)
	}
	if len(r.e.opts.Order) == 0 {
		return nil
	}
	for _, id := range r.e.opts.Order {
		if !set[id] {
			return configErrorf("ordered slide %q is not among the loaded slides", id)
		}
	}
	if len(r.e.opts.Order) != len(loaded) {
		return configErrorf("order names %d slides but %d are loaded", len(r.e.opts.Order), len(loaded))
	}
	return nil
}

func (r *run) detectAll(ctx context.Context, ids []string) {
	p := r.e.pool()
	for _, id := range ids {
		rec, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.features(ctx, rec); err != nil {
				r.skip(stageGraph, id, fmt.Errorf("feature detection: %w", err))
			}
		})
	}
	p.Wait()
}

func (r *run) similarity(ctx context.Context, ids []string) *SimilarityGraph {
	g := newSimilarityGraph(ids)
	var mu sync.Mutex
	p := r.e.pool()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			p.Go(func() {
				if ctx.Err() != nil {
					return
				}
				m, err := r.matches(ctx, ids[i], ids[j])
				if err != nil {
					r.log.Debug("pair not matched", "run_id", r.id, "a", ids[i], "b", ids[j], "error", err)
					return
				}
				mu.Lock()
				g.set(i, j, float64(len(m)))
				mu.Unlock()
			})
		}
	}
	p.Wait()
	return g
}

// orderSlides threads a path through the most similar neighbors. Small stacks
// use an exact tour cut at its weakest link; larger stacks walk a minimum
// spanning tree from one end of its diameter.
func orderSlides(g *SimilarityGraph, exactMax int) ([]string, error) {
	n := len(g.IDs)
	if n <= 2 {
		return append([]string(nil), g.IDs...), nil
	}
	dist := g.distances()
	if n <= exactMax {
		res, err := tsp.TSPExact(dist)
		if err != nil {
			return nil, err
		}
		return cutTour(g.IDs, dist, res.Tour), nil
	}
	return treeWalk(g.IDs, dist)
}

func cutTour(ids []string, dist [][]float64, tour []int) []string {
	n := len(ids)
	cycle := tour[:n]
	cut, worst := 0, -1.0
	for k := 0; k < n; k++ {
		d := dist[cycle[k]][cycle[(k+1)%n]]
		if d > worst {
			cut, worst = k, d
		}
	}
	path := make([]int, 0, n)
	for k := 1; k <= n; k++ {
		path = append(path, cycle[(cut+k)%n])
	}
	if path[0] > path[n-1] {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
	}
	out := make([]string, n)
	for i, idx := range path {
		out[i] = ids[idx]
	}
	return out
}

func completeGraph(ids []string, dist [][]float64) (*core.Graph, error) {
	g := core.NewGraph(core.WithWeighted())
	for _, id := range ids {
		if err := g.AddVertex(id); err != nil {
			return nil, err
		}
	}
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if _, err := g.AddEdge(ids[i], ids[j], weight(dist[i][j])); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func treeWalk(ids []string, dist [][]float64) ([]string, error) {
	full, err := completeGraph(ids, dist)
	if err != nil {
		return nil, err
	}
	edges, _, err := prim_kruskal.Kruskal(full)
	if err != nil {
		return nil, err
	}

	tree := core.NewGraph(core.WithWeighted())
	adj := make(map[string][]core.Edge, len(ids))
	for _, id := range ids {
		if err := tree.AddVertex(id); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if _, err := tree.AddEdge(e.From, e.To, e.Weight); err != nil {
			return nil, err
		}
		adj[e.From] = append(adj[e.From], e)
		adj[e.To] = append(adj[e.To], core.Edge{From: e.To, To: e.From, Weight: e.Weight})
	}

	far, err := farthest(tree, ids[0])
	if err != nil {
		return nil, err
	}
	start, err := farthest(tree, far)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	var walk func(id string)
	walk = func(id string) {
		seen[id] = true
		out = append(out, id)
		next := adj[id]
		sort.SliceStable(next, func(a, b int) bool {
			if next[a].Weight != next[b].Weight {
				return next[a].Weight < next[b].Weight
			}
			return next[a].To < next[b].To
		})
		for _, e := range next {
			if !seen[e.To] {
				walk(e.To)
			}
		}
	}
	walk(start)
	return out, nil
}

func farthest(g *core.Graph, from string) (string, error) {
	dist, _, err := dijkstra.Dijkstra(g, dijkstra.Source(from))
	if err != nil {
		return "", err
	}
	best, bestD := from, int64(-1)
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if d := dist[k]; d != math.MaxInt64 && d > bestD {
			best, bestD = k, d
		}
	}
	return best, nil
}

// central picks the slide with the smallest total shortest-path distance to
// every other slide. Ties go to the larger tissue footprint, then to the slide
// nearest the middle of order.
func (r *run) central(g *SimilarityGraph, order []string) (string, error) {
	full, err := completeGraph(g.IDs, g.distances())
	if err != nil {
		return "", err
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	mid := float64(len(order)-1) / 2

	type candidate struct {
		id        string
		total     int64
		offMiddle float64
		footprint float64
	}
	cands := make([]candidate, 0, len(order))
	for _, id := range order {
		dist, _, err := dijkstra.Dijkstra(full, dijkstra.Source(id))
		if err != nil {
			return "", err
		}
		var total int64
		for _, other := range order {
			total += dist[other]
		}
		c := candidate{id: id, total: total, offMiddle: math.Abs(float64(pos[id]) - mid)}
		if rec, ok := r.reg.Get(id); ok {
			c.footprint = rec.Footprint()
		}
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(a, b int) bool {
		x, y := cands[a], cands[b]
		if x.total != y.total {
			return x.total < y.total
		}
		if x.footprint != y.footprint {
			return x.footprint > y.footprint
		}
		return x.offMiddle < y.offMiddle
	})
	return cands[0].id, nil
}
