// Package mempool holds the backlog of encoded extrinsics waiting for
// block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("extrinsic already in mempool")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("extrinsic failed validation")
)

// DefaultMaxSize is the backlog capacity used when none is configured.
const DefaultMaxSize = 5000

// Validator checks an encoded extrinsic before it is accepted.
type Validator func(ext []byte) error

// entry wraps an extrinsic with its admission order.
type entry struct {
	ext   []byte
	hash  types.Hash
	seq   uint64
	added time.Time
}

// Pool holds unincluded extrinsics in arrival order.
type Pool struct {
	mu       sync.RWMutex
	entries  map[types.Hash]*entry
	nextSeq  uint64
	maxSize  int
	policy   *Policy
	validate Validator

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// New creates a new mempool with the given validator and max size.
// A nil validator accepts anything the policy allows.
func New(validate Validator, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		entries:  make(map[types.Hash]*entry),
		maxSize:  maxSize,
		policy:   DefaultPolicy(),
		validate: validate,
		subs:     make(map[chan struct{}]struct{}),
	}
}

// SetPolicy replaces the acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// Add validates and queues an extrinsic. Returns its hash.
func (p *Pool) Add(ext []byte) (types.Hash, error) {
	hash := block.ExtrinsicHash(ext)

	p.mu.Lock()
	if _, exists := p.entries[hash]; exists {
		p.mu.Unlock()
		return hash, ErrAlreadyExists
	}
	if p.policy != nil {
		if err := p.policy.Check(ext); err != nil {
			p.mu.Unlock()
			return hash, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if p.validate != nil {
		if err := p.validate(ext); err != nil {
			p.mu.Unlock()
			return hash, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if len(p.entries) >= p.maxSize {
		p.mu.Unlock()
		return hash, ErrPoolFull
	}
	p.entries[hash] = &entry{
		ext:   append([]byte(nil), ext...),
		hash:  hash,
		seq:   p.nextSeq,
		added: time.Now(),
	}
	p.nextSeq++
	p.mu.Unlock()

	p.notify()
	return hash, nil
}

// Remove removes an extrinsic from the mempool by hash.
func (p *Pool) Remove(hash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, hash)
}

// RemoveIncluded removes every extrinsic that was included in a block.
// Returns how many were in the pool.
func (p *Pool) RemoveIncluded(exts [][]byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, ext := range exts {
		hash := block.ExtrinsicHash(ext)
		if _, ok := p.entries[hash]; ok {
			delete(p.entries, hash)
			removed++
		}
	}
	return removed
}

// Has checks if an extrinsic exists in the mempool.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.entries[hash]
	return exists
}

// Count returns the number of extrinsics in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Hashes returns the hashes of all queued extrinsics, oldest first.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ordered := p.orderedLocked()
	hashes := make([]types.Hash, len(ordered))
	for i, e := range ordered {
		hashes[i] = e.hash
	}
	return hashes
}

// Select returns up to limit extrinsics, oldest first. limit <= 0 returns all.
// The returned slices must not be modified.
func (p *Pool) Select(limit int) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ordered := p.orderedLocked()
	if limit <= 0 || limit > len(ordered) {
		limit = len(ordered)
	}
	result := make([][]byte, limit)
	for i := 0; i < limit; i++ {
		result[i] = ordered[i].ext
	}
	return result
}

// Subscribe returns a channel that receives a signal whenever an extrinsic
// is added. Signals coalesce. Call the returned func to unsubscribe.
func (p *Pool) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.subsMu.Lock()
	p.subs[ch] = struct{}{}
	p.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, ch)
			p.subsMu.Unlock()
		})
	}
}

func (p *Pool) notify() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// orderedLocked returns entries sorted by admission order. Must be called with p.mu held.
func (p *Pool) orderedLocked() []*entry {
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}
