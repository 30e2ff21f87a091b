package channel

// windowSize is how far behind the highest counter a late message may be.
const windowSize = 64

// window tracks the counters opened from one sender. bitmap bit i records
// counter max-1-i.
type window struct {
	max    uint64
	bitmap uint64
	init   bool
}

// seen reports whether counter was already opened or is too old to tell.
func (w *window) seen(counter uint64) bool {
	if !w.init || counter > w.max {
		return false
	}
	if counter == w.max {
		return true
	}
	offset := w.max - counter - 1
	if offset >= windowSize {
		return true
	}
	return w.bitmap&(1<<offset) != 0
}

// accept records counter. The caller checks seen first.
func (w *window) accept(counter uint64) {
	if !w.init {
		w.max, w.bitmap, w.init = counter, 0, true
		return
	}
	if counter > w.max {
		shift := counter - w.max
		if shift > windowSize {
			w.bitmap = 0
		} else {
			// A shift of windowSize clears every bit before the old max is set.
			w.bitmap = w.bitmap<<shift | 1<<(shift-1)
		}
		w.max = counter
		return
	}
	w.bitmap |= 1 << (w.max - counter - 1)
}
