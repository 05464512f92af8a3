// Package chain implements the block store and importer. It is the single
// owner of canonical-chain state; every mutation goes through ImportBlock
// or InitGenesis under the chain mutex.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/metachain/internal/log"
)

// blockCacheSize bounds the decoded-block cache.
const blockCacheSize = 256

// Verifier checks a block against its parent before it is stored.
type Verifier interface {
	Verify(parent *block.Header, blk *block.Block) error
}

// Verifiers runs each verifier in order and returns the first error.
type Verifiers []Verifier

// Verify implements Verifier.
func (vs Verifiers) Verify(parent *block.Header, blk *block.Block) error {
	for _, v := range vs {
		if err := v.Verify(parent, blk); err != nil {
			return err
		}
	}
	return nil
}

// ImportHandler is called after a block is committed, outside the chain lock.
type ImportHandler func(Notification)

// Chain is the block store and importer.
type Chain struct {
	mu       sync.RWMutex // Protects state and serializes imports.
	state    State
	blocks   *BlockStore
	verifier Verifier
	cache    *lru.Cache[types.Hash, *block.SignedBlock]
	logger   zerolog.Logger

	handlersMu sync.RWMutex
	handlers   []ImportHandler
}

// New creates a chain over db and recovers its heads from the store.
func New(db storage.DB, verifier Verifier) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if verifier == nil {
		verifier = Verifiers{}
	}
	blocks := NewBlockStore(db)
	st, err := blocks.LoadState()
	if err != nil {
		return nil, fmt.Errorf("recover state: %w", err)
	}
	cache, err := lru.New[types.Hash, *block.SignedBlock](blockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	return &Chain{
		state:    st,
		blocks:   blocks,
		verifier: verifier,
		cache:    cache,
		logger:   klog.Chain,
	}, nil
}

// InitGenesis stores genesis as the best and finalized block of an empty
// chain. On a non-empty chain it only checks that genesis matches.
func (c *Chain) InitGenesis(genesis *block.Block) error {
	if genesis.Header == nil || genesis.Header.Number != 0 {
		return fmt.Errorf("genesis must have number 0")
	}
	hash := genesis.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsEmpty() {
		if c.state.Genesis != hash {
			return fmt.Errorf("genesis mismatch: stored %s, configured %s", c.state.Genesis, hash)
		}
		return nil
	}

	info := BlockInfo{Hash: hash, Number: 0}
	b := c.blocks.NewBatch()
	if err := c.blocks.PutBlock(b, &block.SignedBlock{Block: *genesis}); err != nil {
		return err
	}
	if err := c.blocks.SetCanonical(b, 0, hash); err != nil {
		return err
	}
	if err := c.blocks.SetGenesis(b, hash); err != nil {
		return err
	}
	if err := c.blocks.SetBest(b, info); err != nil {
		return err
	}
	if err := c.blocks.SetFinalized(b, info); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	c.state = State{Best: info, Finalized: info, Genesis: hash}
	c.logger.Info().Str("hash", hash.Short()).Msg("Genesis block initialized")
	return nil
}

// OnImport registers a handler for committed imports.
func (c *Chain) OnImport(fn ImportHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *Chain) notify(n Notification) {
	c.handlersMu.RLock()
	handlers := append([]ImportHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(n)
	}
}

// State returns a snapshot of the chain heads.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BestBlock returns the current best block.
func (c *Chain) BestBlock() BlockInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Best
}

// FinalizedBlock returns the last finalized block.
func (c *Chain) FinalizedBlock() BlockInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Finalized
}

// GenesisHash returns the genesis hash, or the zero hash before InitGenesis.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Genesis
}

// HashAt returns the canonical hash at number.
func (c *Chain) HashAt(number types.BlockNumber) (types.Hash, error) {
	return c.blocks.CanonicalHash(number)
}

// BlockAt returns the canonical block at number.
func (c *Chain) BlockAt(number types.BlockNumber) (*block.SignedBlock, error) {
	hash, err := c.blocks.CanonicalHash(number)
	if err != nil {
		return nil, err
	}
	return c.BlockByHash(hash)
}

// BlockByHash returns any stored block with body, canonical or not.
// The returned block is shared with the cache and must not be modified.
func (c *Chain) BlockByHash(hash types.Hash) (*block.SignedBlock, error) {
	if sb, ok := c.cache.Get(hash); ok {
		return sb, nil
	}
	sb, err := c.blocks.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	c.cache.Add(hash, sb)
	return sb, nil
}

// HeaderByHash returns any known header, including header-only imports.
func (c *Chain) HeaderByHash(hash types.Hash) (*block.Header, error) {
	if sb, ok := c.cache.Get(hash); ok {
		return sb.Header, nil
	}
	return c.blocks.GetHeader(hash)
}

// HasBlock reports whether a block with body is stored.
func (c *Chain) HasBlock(hash types.Hash) bool {
	ok, err := c.blocks.HasBlock(hash)
	return err == nil && ok
}

// IsNotFound reports whether err means a block was missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlockNotFound)
}
