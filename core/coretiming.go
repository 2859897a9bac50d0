package core

import "sync/atomic"

// CoreTiming is the downcount the executing slice burns through. Compiled
// blocks charge their cycle estimate against it; when it runs out the code
// returns to the dispatcher so pending events (and queued CPU-thread jobs)
// get serviced.
type CoreTiming struct {
	downcount atomic.Int32
}

// Downcount returns the cycles remaining in the current slice.
func (t *CoreTiming) Downcount() int32 { return t.downcount.Load() }

// ResetSlice starts a fresh slice of the given length.
func (t *CoreTiming) ResetSlice(cycles int32) { t.downcount.Store(cycles) }

// Advance charges cycles against the slice and reports whether the slice is
// exhausted.
func (t *CoreTiming) Advance(cycles int32) bool {
	return t.downcount.Add(-cycles) <= 0
}

// ForceExceptionCheck clamps the downcount so the currently executing block
// is the last one before control returns to the dispatcher. Clamping only
// (never raising) keeps an already-expired slice expired.
func (t *CoreTiming) ForceExceptionCheck(cycles int32) {
	for {
		cur := t.downcount.Load()
		if cur <= cycles {
			return
		}
		if t.downcount.CompareAndSwap(cur, cycles) {
			return
		}
	}
}
