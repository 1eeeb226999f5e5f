// ABOUTME: Tracks in-flight background revalidations to prevent duplicates.
// ABOUTME: One refresh per fingerprint at a time; later callers are dropped.

package strategy

import "sync"

// coalescer tracks fingerprints with a revalidation already in flight.
type coalescer struct {
	mu      sync.Mutex
	pending map[string]bool
}

func newCoalescer() *coalescer {
	return &coalescer{pending: make(map[string]bool)}
}

// begin marks a fingerprint as in flight. Returns false if a refresh for the
// same fingerprint is already running.
func (c *coalescer) begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[key] {
		return false
	}
	c.pending[key] = true
	return true
}

// end clears the in-flight mark for a fingerprint.
func (c *coalescer) end(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}
