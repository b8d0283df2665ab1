package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// slideExts are the whole-slide and plain image formats the loader opens.
var slideExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".svs":  {},
	".ndpi": {},
	".scn":  {},
	".vms":  {},
	".mrxs": {},
	".bif":  {},
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// multiExts are compound extensions matched before the single extension.
var multiExts = []string{".ome.tiff", ".ome.tif"}

// ListSlides returns slide files under root in lexical order. When root is a
// single file it is returned as is.
func ListSlides(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSlideFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ExpandSources turns a mix of files and directories into slide paths,
// keeping argument order and dropping duplicates.
func ExpandSources(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, arg := range args {
		files, err := ListSlides(arg)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", arg, err)
		}
		for _, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				abs = f
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsSlideFile checks if a file has a supported slide extension.
func IsSlideFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range multiExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	_, ok := slideExts[filepath.Ext(lower)]
	return ok
}
