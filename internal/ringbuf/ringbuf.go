// Package ringbuf provides a fixed-size rolling window of float64 values.
// Indicators use it to keep the trailing `period` inputs with O(1) pushes and
// no per-update allocation.
package ringbuf

// Window holds the most recent size values pushed into it.
// It is not safe for concurrent use; each indicator owns its window.
type Window struct {
	buf   []float64
	head  int // next write position
	count int
}

// New creates a window that keeps the last size values. size must be > 0.
func New(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{buf: make([]float64, size)}
}

// Push appends v, overwriting the oldest value once the window is full.
func (w *Window) Push(v float64) {
	if w.count < len(w.buf) {
		w.count++
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
}

// Len returns the number of values currently held.
func (w *Window) Len() int { return w.count }

// Full reports whether the window holds size values.
func (w *Window) Full() bool { return w.count == len(w.buf) }

// Do calls fn for every held value, oldest first.
func (w *Window) Do(fn func(v float64)) {
	start := w.head - w.count
	if start < 0 {
		start += len(w.buf)
	}
	for i := 0; i < w.count; i++ {
		fn(w.buf[(start+i)%len(w.buf)])
	}
}
