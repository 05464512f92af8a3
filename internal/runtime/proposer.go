package runtime

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/metachain/internal/consensus"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Candidate is a sealed block that has not been imported yet.
type Candidate struct {
	Block *block.Block
	// Rejected holds backlog extrinsics that failed validity and should be
	// dropped from the pool.
	Rejected [][]byte
}

// Proposer builds block candidates from the backlog.
type Proposer struct {
	engine        consensus.Engine
	maxExtrinsics int
}

// NewProposer creates a proposer. maxExtrinsics <= 0 means block.MaxBlockExtrinsics.
func NewProposer(engine consensus.Engine, maxExtrinsics int) *Proposer {
	if maxExtrinsics <= 0 || maxExtrinsics > block.MaxBlockExtrinsics {
		maxExtrinsics = block.MaxBlockExtrinsics
	}
	return &Proposer{engine: engine, maxExtrinsics: maxExtrinsics}
}

// Propose builds, prepares and seals a child of parent. Backlog order is
// kept; invalid and duplicate extrinsics are skipped.
func (p *Proposer) Propose(ctx context.Context, parent *block.Header, backlog [][]byte) (*Candidate, error) {
	if parent == nil {
		return nil, fmt.Errorf("propose: nil parent")
	}

	cand := &Candidate{}
	exts := make([][]byte, 0, len(backlog))
	seen := make(map[types.Hash]struct{}, len(backlog))
	size := 0
	for _, ext := range backlog {
		if len(exts) == p.maxExtrinsics {
			break
		}
		if _, err := DecodeExtrinsic(ext); err != nil {
			cand.Rejected = append(cand.Rejected, ext)
			continue
		}
		h := block.ExtrinsicHash(ext)
		if _, dup := seen[h]; dup {
			continue
		}
		// Leave room for the header.
		if size+len(ext) > block.MaxBlockSize-1024 {
			break
		}
		seen[h] = struct{}{}
		size += len(ext)
		exts = append(exts, ext)
	}

	extRoot := block.ExtrinsicsRoot(exts)
	header := &block.Header{
		ParentHash:     parent.Hash(),
		Number:         parent.Number + 1,
		StateRoot:      StateRoot(parent.StateRoot, extRoot),
		ExtrinsicsRoot: extRoot,
	}
	if err := p.engine.Prepare(parent, header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.engine.Seal(header); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	cand.Block = block.NewBlock(header, exts)
	return cand, nil
}
