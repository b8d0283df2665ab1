package fsutil

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a directory must stay quiet before its slide set
// is reported.
const DefaultSettle = 30 * time.Second

// Watcher reports the slide files of a directory each time the set changes
// and then stays unchanged for the settle period.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	settle  time.Duration
	log     *slog.Logger
	// MinSlides is the smallest set worth reporting.
	MinSlides int

	Batches chan []string
}

// NewWatcher creates a watcher on dir.
func NewWatcher(dir string, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		watcher:   w,
		dir:       dir,
		settle:    settle,
		log:       logger,
		MinSlides: 2,
		Batches:   make(chan []string, 1),
	}, nil
}

// Run processes events until ctx is done. Slides already present count as a
// first change. Batches is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.Batches)
	defer w.watcher.Close()
	w.log.Info("watching directory", "dir", w.dir, "settle", w.settle)

	timer := time.NewTimer(w.settle)
	defer timer.Stop()
	var last []string
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !IsSlideFile(event.Name) {
				continue
			}
			w.log.Debug("slide directory changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.settle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("directory watch error", "dir", w.dir, "error", err)
		case <-timer.C:
			files, err := ListSlides(w.dir)
			if err != nil {
				w.log.Warn("cannot list watched directory", "dir", w.dir, "error", err)
				continue
			}
			if len(files) < w.MinSlides || slices.Equal(files, last) {
				continue
			}
			last = files
			select {
			case w.Batches <- files:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
