package membership

import "sync"

// coalescer implements the per-source pending-message slot of §4.3/§9: an
// (in-flight, pending) pair per source, guarded by the coalescer's own
// mutex rather than by a separate queue type. At most
// one handler runs per source at a time; at most one newer message is
// stashed while it runs, replacing any previously stashed one.
type coalescer[T any] struct {
	mu      sync.Mutex
	inFlush map[Addr]bool
	pending map[Addr]T
	hasPend map[Addr]bool
}

func newCoalescer[T any]() *coalescer[T] {
	return &coalescer[T]{
		inFlush: make(map[Addr]bool),
		pending: make(map[Addr]T),
		hasPend: make(map[Addr]bool),
	}
}

// Submit offers msg for processing from source. If no handler is currently
// running for source, it returns (msg, true) and the caller must process it
// and then call Drain in a loop until it returns false. If a handler is
// already running, msg replaces whatever was previously stashed and the
// function returns (zero, false) — the running handler's Drain loop will
// pick it up.
func (c *coalescer[T]) Submit(source Addr, msg T) (toProcess T, shouldRun bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlush[source] {
		c.pending[source] = msg
		c.hasPend[source] = true
		var zero T
		return zero, false
	}
	c.inFlush[source] = true
	return msg, true
}

// Drain is called by the running handler after it finishes processing one
// message. It returns the next stashed message (if any) and whether the
// caller should keep looping; when it returns false the in-flight marker
// is cleared and a future Submit will start a fresh run.
func (c *coalescer[T]) Drain(source Addr) (next T, more bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasPend[source] {
		msg := c.pending[source]
		delete(c.pending, source)
		c.hasPend[source] = false
		return msg, true
	}
	delete(c.inFlush, source)
	var zero T
	return zero, false
}
