package registration

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"histalign/internal/logging"
)

// SkipEntry records a slide that a stage could not process.
type SkipEntry struct {
	Stage  string `json:"stage" yaml:"stage"`
	Slide  string `json:"slide" yaml:"slide"`
	Reason string `json:"reason" yaml:"reason"`
}

// NoteEntry is a non-fatal observation about a slide.
type NoteEntry struct {
	Stage string `json:"stage" yaml:"stage"`
	Slide string `json:"slide" yaml:"slide"`
	Note  string `json:"note" yaml:"note"`
}

// Manifest is the user-facing account of a run: what was skipped and why,
// stage timings and where outputs went. Every entry is recorded once.
type Manifest struct {
	runID string
	log   *slog.Logger

	mu      sync.Mutex
	seen    map[string]bool
	skipped []SkipEntry
	notes   []NoteEntry
	timings map[string]time.Duration
	outputs map[string]string
}

func newManifest(runID string, logger *slog.Logger) *Manifest {
	return &Manifest{
		runID:   runID,
		log:     logger,
		seen:    make(map[string]bool),
		timings: make(map[string]time.Duration),
		outputs: make(map[string]string),
	}
}

// Skip records that stage skipped slide. It logs a warning and returns true
// the first time a (stage, slide, reason) triple is seen.
func (m *Manifest) Skip(stage, slideID, reason string) bool {
	if !m.record(stage, slideID, reason) {
		return false
	}
	logging.LogSlideSkipped(m.log, m.runID, stage, slideID, reason)
	return true
}

// record adds a skip entry without logging it.
func (m *Manifest) record(stage, slideID, reason string) bool {
	key := "skip\x00" + stage + "\x00" + slideID + "\x00" + reason
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false
	}
	m.seen[key] = true
	m.skipped = append(m.skipped, SkipEntry{Stage: stage, Slide: slideID, Reason: reason})
	return true
}

// Note records an observation once.
func (m *Manifest) Note(stage, slideID, note string) {
	key := "note\x00" + stage + "\x00" + slideID + "\x00" + note
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return
	}
	m.seen[key] = true
	m.notes = append(m.notes, NoteEntry{Stage: stage, Slide: slideID, Note: note})
}

func (m *Manifest) addTiming(stage string, d time.Duration) {
	m.mu.Lock()
	m.timings[stage] += d
	m.mu.Unlock()
}

func (m *Manifest) addOutput(id, path string) {
	m.mu.Lock()
	m.outputs[id] = path
	m.mu.Unlock()
}

// Skipped returns the skip entries in the order they were recorded.
func (m *Manifest) Skipped() []SkipEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SkipEntry(nil), m.skipped...)
}

// Notes returns the notes in the order they were recorded.
func (m *Manifest) Notes() []NoteEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NoteEntry(nil), m.notes...)
}

// Outputs maps slide identity to written file.
func (m *Manifest) Outputs() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.outputs))
	for k, v := range m.outputs {
		out[k] = v
	}
	return out
}

// Timings returns accumulated stage durations.
func (m *Manifest) Timings() map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Duration, len(m.timings))
	for k, v := range m.timings {
		out[k] = v
	}
	return out
}

// SkippedSlide reports whether slide has any skip entry.
func (m *Manifest) SkippedSlide(slideID string) bool {
	for _, s := range m.Skipped() {
		if s.Slide == slideID {
			return true
		}
	}
	return false
}

type manifestDocument struct {
	RunID     string             `yaml:"run_id"`
	Reference string             `yaml:"reference"`
	Order     []string           `yaml:"order"`
	Loaded    []string           `yaml:"loaded"`
	Skipped   []SkipEntry        `yaml:"skipped"`
	Notes     []NoteEntry        `yaml:"notes,omitempty"`
	Outputs   map[string]string  `yaml:"outputs,omitempty"`
	Timings   map[string]float64 `yaml:"timings_seconds"`
	Errors    []ErrorRow         `yaml:"errors"`
}

// EncodeManifest writes the run manifest as YAML.
func (res *Result) EncodeManifest(w io.Writer) error {
	m := res.Manifest
	doc := manifestDocument{
		RunID:     res.RunID,
		Reference: res.Ordering.Reference(),
		Order:     res.Ordering.IDs,
		Loaded:    res.Registry.AllLoaded(),
		Skipped:   m.Skipped(),
		Notes:     m.Notes(),
		Outputs:   m.Outputs(),
		Timings:   make(map[string]float64),
		Errors:    res.Errors.Rows(),
	}
	timings := m.Timings()
	stages := make([]string, 0, len(timings))
	for s := range timings {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	for _, s := range stages {
		doc.Timings[s] = timings[s].Seconds()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return enc.Close()
}

// WriteManifest writes manifest.yaml into dir.
func (res *Result) WriteManifest(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create manifest dir: %w", err)
	}
	path := filepath.Join(dir, "manifest.yaml")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := res.EncodeManifest(f); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
