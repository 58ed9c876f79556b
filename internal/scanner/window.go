package scanner

import "time"

const (
	// MinWindow is the smallest block span ever requested, and the cold-start floor.
	MinWindow int64 = 500
	// MaxWindow caps window growth.
	MaxWindow int64 = 50_000

	growFactor   = 1.5
	shrinkFactor = 0.5

	// emptyShrinkAfter shrinks the window once this many consecutive ranges
	// come back with no events.
	emptyShrinkAfter = 3

	// growEventsPerSec is the throughput above which the window widens.
	growEventsPerSec = 10.0
)

// Window tracks the adaptive block-range width for one oracle instance.
// Single-flight execution per instance means no locking is needed here.
type Window struct {
	size             int64
	consecutiveEmpty int
}

// NewWindow starts a tracker at the given width, clamped to [MinWindow, MaxWindow].
func NewWindow(initial int64) *Window {
	return &Window{size: clampWindow(initial)}
}

// Size returns the current width.
func (w *Window) Size() int64 {
	return w.size
}

// RecordFailure halves the window after a failed range.
func (w *Window) RecordFailure() {
	w.size = clampWindow(int64(float64(w.size) * shrinkFactor))
	w.consecutiveEmpty = 0
}

// RecordSuccess adjusts the window after a completed range: repeated empty
// ranges shrink it, high event throughput grows it.
func (w *Window) RecordSuccess(events int, elapsed time.Duration) {
	if events == 0 {
		w.consecutiveEmpty++
		if w.consecutiveEmpty >= emptyShrinkAfter {
			w.size = clampWindow(int64(float64(w.size) * shrinkFactor))
			w.consecutiveEmpty = 0
		}
		return
	}

	w.consecutiveEmpty = 0
	if elapsed > 0 && float64(events)/elapsed.Seconds() > growEventsPerSec {
		w.size = clampWindow(int64(float64(w.size) * growFactor))
	}
}

func clampWindow(size int64) int64 {
	if size < MinWindow {
		return MinWindow
	}
	if size > MaxWindow {
		return MaxWindow
	}
	return size
}
