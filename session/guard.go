package session

import (
	"sync"
	"time"
)

// SlidingWindow counts events over the last window and reports when more
// than limit of them happened.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window}
}

// Record adds an event at now and returns true once the limit is exceeded.
func (w *SlidingWindow) Record(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = append(kept, now)
	return len(w.events) > w.limit
}

func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}
