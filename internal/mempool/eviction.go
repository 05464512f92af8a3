package mempool

import "time"

// Evict removes extrinsics queued for longer than maxAge. Returns the number removed.
func (p *Pool) Evict(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for h, e := range p.entries {
		if e.added.Before(cutoff) {
			delete(p.entries, h)
			evicted++
		}
	}
	return evicted
}
