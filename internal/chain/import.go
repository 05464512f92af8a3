package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/rs/zerolog"
)

// MaxReorgDepth bounds how far back the importer walks to find the fork point.
const MaxReorgDepth = 1000

// Validity errors recorded as import reasons.
var (
	ErrNoGenesis         = errors.New("chain has no genesis")
	ErrBadNumber         = errors.New("block number does not follow parent")
	ErrRevertsFinalized  = errors.New("block conflicts with finalized chain")
	ErrReorgTooDeep      = errors.New("reorg exceeds maximum depth")
	ErrFinalizeNoBody    = errors.New("cannot finalize a header-only import")
	ErrParentBodyMissing = errors.New("parent body unknown")
)

// ImportBlock validates and stores a block, applying the fork choice and
// finality flag in params. Rejections are reported in the outcome; the
// method never panics on caller input.
func (c *Chain) ImportBlock(params ImportParams) ImportOutcome {
	if params.Header == nil {
		return ImportOutcome{Status: StatusError, Reason: block.ErrNilHeader.Error()}
	}
	hash := params.Header.Hash()

	c.mu.Lock()
	out, note := c.importLocked(hash, params)
	c.mu.Unlock()

	lvl := zerolog.WarnLevel
	switch out.Status {
	case StatusImported:
		lvl = zerolog.InfoLevel
	case StatusAlreadyInChain:
		lvl = zerolog.DebugLevel
	}
	c.logger.WithLevel(lvl).
		Uint32("number", uint32(out.Number)).
		Str("hash", hash.Short()).
		Str("origin", params.Origin.String()).
		Str("outcome", out.Status.String()).
		Bool("best", out.Aux.IsNewBest).
		Bool("finalized", params.Finalized && out.Status == StatusImported).
		Str("reason", out.Reason).
		Msg("Block import")

	if note != nil {
		c.notify(*note)
	}
	return out
}

func (c *Chain) importLocked(hash types.Hash, params ImportParams) (ImportOutcome, *Notification) {
	header := params.Header
	out := ImportOutcome{Hash: hash, Number: header.Number}
	reject := func(status ImportStatus, err error) (ImportOutcome, *Notification) {
		out.Status = status
		out.Reason = err.Error()
		return out, nil
	}

	if c.state.IsEmpty() {
		return reject(StatusError, ErrNoGenesis)
	}
	if ok, err := c.blocks.HasBlock(hash); err != nil {
		return reject(StatusError, fmt.Errorf("storage: %w", err))
	} else if ok {
		return reject(StatusAlreadyInChain, fmt.Errorf("block %s already in chain", hash))
	}
	if reason, bad := c.blocks.BadReason(hash); bad {
		return reject(StatusKnownBad, errors.New(reason))
	}

	if reason, bad := c.blocks.BadReason(header.ParentHash); bad {
		c.markBad(hash, "parent is known bad: "+reason)
		return reject(StatusKnownBad, fmt.Errorf("parent %s is known bad: %s", header.ParentHash, reason))
	}
	parent, err := c.blocks.GetHeader(header.ParentHash)
	if IsNotFound(err) {
		return reject(StatusUnknownParent, fmt.Errorf("parent %s not found", header.ParentHash))
	}
	if err != nil {
		return reject(StatusError, fmt.Errorf("storage: %w", err))
	}
	if header.Number != parent.Number+1 {
		err := fmt.Errorf("%w: parent #%d, block #%d", ErrBadNumber, parent.Number, header.Number)
		c.markBad(hash, err.Error())
		return reject(StatusError, err)
	}

	if params.Body == nil {
		return c.importHeaderOnly(hash, params, out)
	}
	if ok, err := c.blocks.HasBlock(header.ParentHash); err != nil || !ok {
		return reject(StatusUnknownParent, fmt.Errorf("%w: %s", ErrParentBodyMissing, header.ParentHash))
	}

	blk := block.NewBlock(header, *params.Body)
	// A body that does not match the header says nothing about the header
	// itself, so it is rejected without marking the hash bad.
	if root := block.ExtrinsicsRoot(blk.Extrinsics); root != header.ExtrinsicsRoot {
		return reject(StatusError, fmt.Errorf("%w: header=%s body=%s", block.ErrBadExtrinsicsRoot, header.ExtrinsicsRoot, root))
	}
	if err := blk.Validate(); err != nil {
		c.markBad(hash, err.Error())
		return reject(StatusError, err)
	}
	if err := c.verifier.Verify(parent, blk); err != nil {
		c.markBad(hash, err.Error())
		return reject(StatusError, err)
	}

	r, err := c.findRoute(parent)
	if err != nil {
		return reject(StatusError, err)
	}

	setBest := header.Number > c.state.Best.Number
	if params.ForkChoice.Kind == ForkChoiceCustom {
		setBest = params.ForkChoice.SetBest
	}
	if params.Finalized {
		// A finalized block always becomes the head of the canonical chain.
		setBest = true
	}

	info := BlockInfo{Hash: hash, Number: header.Number}
	sb := &block.SignedBlock{Block: *blk, Justifications: params.Justifications}

	b := c.blocks.NewBatch()
	if err := c.blocks.PutBlock(b, sb); err != nil {
		return reject(StatusError, fmt.Errorf("storage: %w", err))
	}
	var retracted []types.Hash
	if setBest {
		if retracted, err = c.writeCanonical(b, r, info); err != nil {
			return reject(StatusError, fmt.Errorf("storage: %w", err))
		}
		if err := c.blocks.SetBest(b, info); err != nil {
			return reject(StatusError, fmt.Errorf("storage: %w", err))
		}
	}
	if params.Finalized {
		if err := c.blocks.SetFinalized(b, info); err != nil {
			return reject(StatusError, fmt.Errorf("storage: %w", err))
		}
	}
	if err := b.Commit(); err != nil {
		return reject(StatusError, fmt.Errorf("storage: %w", err))
	}

	if len(retracted) > 0 {
		c.logger.Warn().
			Int("depth", len(retracted)).
			Uint32("fork_point", uint32(r.forkNumber)).
			Str("new_best", hash.Short()).
			Msg("Chain reorganization")
	}
	if setBest {
		c.state.Best = info
	}
	if params.Finalized {
		c.state.Finalized = info
	}
	c.cache.Add(hash, sb)

	out.Status = StatusImported
	out.Aux = ImportedAux{IsNewBest: setBest}
	return out, &Notification{
		Hash:      hash,
		Number:    header.Number,
		Origin:    params.Origin,
		IsNewBest: setBest,
		Finalized: params.Finalized,
		Block:     sb,
		Retracted: retracted,
	}
}

func (c *Chain) importHeaderOnly(hash types.Hash, params ImportParams, out ImportOutcome) (ImportOutcome, *Notification) {
	if params.Finalized {
		out.Status = StatusError
		out.Reason = ErrFinalizeNoBody.Error()
		return out, nil
	}
	if ok, _ := c.blocks.HasHeader(hash); ok {
		out.Status = StatusAlreadyInChain
		out.Reason = fmt.Sprintf("header %s already known", hash)
		return out, nil
	}
	b := c.blocks.NewBatch()
	if err := c.blocks.PutHeader(b, params.Header); err != nil {
		out.Status = StatusError
		out.Reason = err.Error()
		return out, nil
	}
	if err := b.Commit(); err != nil {
		out.Status = StatusError
		out.Reason = fmt.Sprintf("storage: %v", err)
		return out, nil
	}
	out.Status = StatusImported
	out.Aux = ImportedAux{HeaderOnly: true}
	return out, nil
}

func (c *Chain) markBad(hash types.Hash, reason string) {
	if err := c.blocks.MarkBad(hash, reason); err != nil {
		c.logger.Error().Err(err).Str("hash", hash.Short()).Msg("Failed to record bad block")
	}
}
