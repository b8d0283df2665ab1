package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	EventStageStarted  = "stage_started"
	EventStageFinished = "stage_finished"
	EventSlideSkipped  = "slide_skipped"
	EventFallback      = "cpu_fallback"
)

// Event is one stage progress notification.
type Event struct {
	Kind    string    `json:"kind"`
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage"`
	Slide   string    `json:"slide,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Seconds float64   `json:"seconds,omitempty"`
	At      time.Time `json:"at"`
}

// EventHub is a registration.Observer that fans events out to subscribers.
// Slow subscribers drop events rather than stall the engine.
type EventHub struct {
	log    *slog.Logger
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and its unsubscribe function.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, 32)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
}

// Close ends every subscription.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *EventHub) publish(ev Event) {
	ev.At = time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Debug("event channel full", "subscriber", id, "run_id", ev.RunID)
		}
	}
}

func (h *EventHub) StageStarted(runID, stage string) {
	h.publish(Event{Kind: EventStageStarted, RunID: runID, Stage: stage})
}

func (h *EventHub) StageFinished(runID, stage string, err error, seconds float64) {
	ev := Event{Kind: EventStageFinished, RunID: runID, Stage: stage, Seconds: seconds}
	if err != nil {
		ev.Detail = err.Error()
	}
	h.publish(ev)
}

func (h *EventHub) SlideSkipped(runID, stage, slideID, reason string) {
	h.publish(Event{Kind: EventSlideSkipped, RunID: runID, Stage: stage, Slide: slideID, Detail: reason})
}

func (h *EventHub) DeviceFallback(runID, stage, slideID string) {
	h.publish(Event{Kind: EventFallback, RunID: runID, Stage: stage, Slide: slideID})
}
