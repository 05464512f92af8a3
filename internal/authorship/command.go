// Package authorship builds blocks on command. A single Engine consumes a
// bounded Channel of Commands; every command carries a ReplySlot that the
// engine fulfills exactly once.
package authorship

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/metachain/internal/chain"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Authorship errors.
var (
	ErrChannelClosed = errors.New("authorship channel closed")
	ErrReplyDropped  = errors.New("reply dropped before fulfillment")
	ErrReplyObserved = errors.New("reply already observed")
	ErrEmptyBacklog  = errors.New("backlog empty and empty blocks not requested")
	ErrBlockExists   = errors.New("built block is already in the chain")
)

// Command is an instruction for the authorship engine.
type Command interface {
	// drop releases the command without running it.
	drop()
}

// SealNewBlock asks the engine to build, import and report one block.
type SealNewBlock struct {
	// ParentHash names the parent. Nil means the current best block.
	ParentHash  *types.Hash
	CreateEmpty bool
	Finalize    bool
	Reply       *ReplySlot
}

func (c *SealNewBlock) drop() {
	if c.Reply != nil {
		c.Reply.Drop()
	}
}

// CreatedBlock describes a block the engine built and imported.
type CreatedBlock struct {
	Hash   types.Hash        `json:"hash"`
	Number types.BlockNumber `json:"number"`
	Aux    chain.ImportedAux `json:"aux"`
}

type reply struct {
	block CreatedBlock
	err   error
}

// ReplySlot is a single-use slot from the engine to one waiting caller.
type ReplySlot struct {
	ch        chan reply
	once      sync.Once
	abandoned atomic.Bool
	observed  atomic.Bool
}

// NewReplySlot returns an empty slot.
func NewReplySlot() *ReplySlot {
	return &ReplySlot{ch: make(chan reply, 1)}
}

// Fulfill stores the result. Only the first Fulfill or Drop takes effect,
// and fulfilling an abandoned slot does nothing. Reports whether the result
// was stored.
func (s *ReplySlot) Fulfill(blk CreatedBlock, err error) bool {
	stored := false
	s.once.Do(func() {
		if s.abandoned.Load() {
			close(s.ch)
			return
		}
		s.ch <- reply{block: blk, err: err}
		stored = true
	})
	return stored
}

// Drop releases the slot unfulfilled. A waiting caller gets ErrReplyDropped.
func (s *ReplySlot) Drop() {
	s.once.Do(func() { close(s.ch) })
}

// Abandon marks that nobody will wait on the slot.
func (s *ReplySlot) Abandon() {
	s.abandoned.Store(true)
}

// Wait blocks until the slot is fulfilled or dropped, or ctx is done.
// A slot may be observed once; giving up on ctx abandons it.
func (s *ReplySlot) Wait(ctx context.Context) (CreatedBlock, error) {
	if !s.observed.CompareAndSwap(false, true) {
		return CreatedBlock{}, ErrReplyObserved
	}
	select {
	case r, ok := <-s.ch:
		if !ok {
			return CreatedBlock{}, ErrReplyDropped
		}
		return r.block, r.err
	case <-ctx.Done():
		s.Abandon()
		return CreatedBlock{}, ctx.Err()
	}
}
