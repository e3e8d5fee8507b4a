package usecase

import (
	"sync"
	"time"
)

// RateWindow enforces the per-principal submission rate with a sliding
// window. Check and record happen in one critical section so concurrent
// submissions cannot both pass on the last slot.
type RateWindow struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

// NewRateWindow builds a window allowing max events per window per key.
func NewRateWindow(max int, window time.Duration) *RateWindow {
	return &RateWindow{
		max:     max,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an event for key if the window has room. When the window is
// full it returns false and the duration after which the oldest recorded
// event leaves the window.
func (w *RateWindow) Allow(key string) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.entries[key][:0]
	for _, ts := range w.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.entries[key] = kept

	if len(kept) >= w.max {
		retry := kept[0].Add(w.window).Sub(now) + time.Second
		return false, retry
	}
	w.entries[key] = append(kept, now)
	return true, 0
}

// Refund removes key's most recent event, releasing the slot a submission
// took before a later pipeline step rejected it.
func (w *RateWindow) Refund(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.entries[key]); n > 0 {
		w.entries[key] = w.entries[key][:n-1]
	}
}

// Count returns the number of events currently inside key's window.
func (w *RateWindow) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	n := 0
	for _, ts := range w.entries[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
