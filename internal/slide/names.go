package slide

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Names maps source paths to slide identities. Identities are the file base
// name without extension; sources that collide get an _N suffix in discovery
// order and the bare name becomes ambiguous.
type Names struct {
	bySource  map[string]string
	ambiguous map[string][]string
}

// BaseName strips the directory and every known slide extension.
func BaseName(source string) string {
	base := filepath.Base(source)
	lower := strings.ToLower(base)
	for _, ext := range []string{".ome.tiff", ".ome.tif", ".ome.zarr"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// AssignNames derives an identity for every source.
func AssignNames(sources []string) Names {
	groups := make(map[string][]string)
	var keys []string
	for _, src := range sources {
		b := BaseName(src)
		if _, ok := groups[b]; !ok {
			keys = append(keys, b)
		}
		groups[b] = append(groups[b], src)
	}

	n := Names{
		bySource:  make(map[string]string, len(sources)),
		ambiguous: make(map[string][]string),
	}
	for _, b := range keys {
		srcs := groups[b]
		if len(srcs) == 1 {
			n.bySource[srcs[0]] = b
			continue
		}
		for i, src := range srcs {
			id := fmt.Sprintf("%s_%d", b, i)
			n.bySource[src] = id
			n.ambiguous[b] = append(n.ambiguous[b], id)
		}
	}
	return n
}

// ID returns the identity assigned to source.
func (n Names) ID(source string) string {
	if id, ok := n.bySource[source]; ok {
		return id
	}
	return BaseName(source)
}

// Ambiguous returns the suffixed identities sharing name, or nil.
func (n Names) Ambiguous(name string) []string {
	return n.ambiguous[name]
}

// Has reports whether name is an identity of some source.
func (n Names) Has(name string) bool {
	for _, id := range n.bySource {
		if id == name {
			return true
		}
	}
	return false
}
