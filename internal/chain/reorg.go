package chain

import (
	"fmt"

	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// route is the path from the canonical chain to a new block's parent.
type route struct {
	forkNumber types.BlockNumber
	// enacted holds the non-canonical ancestors of the new block, oldest first.
	enacted []BlockInfo
}

// findRoute walks back from parent until it reaches a canonical block.
// The fork point must not be below the finalized block.
func (c *Chain) findRoute(parent *block.Header) (route, error) {
	var branch []BlockInfo
	h := parent
	for {
		hash := h.Hash()
		canon, err := c.blocks.CanonicalHash(h.Number)
		if err == nil && canon == hash {
			break
		}
		if err != nil && !IsNotFound(err) {
			return route{}, fmt.Errorf("storage: %w", err)
		}
		if len(branch) >= MaxReorgDepth {
			return route{}, fmt.Errorf("%w: more than %d blocks", ErrReorgTooDeep, MaxReorgDepth)
		}
		branch = append(branch, BlockInfo{Hash: hash, Number: h.Number})
		if h.Number == 0 {
			return route{}, fmt.Errorf("%w: branch does not reach genesis", ErrRevertsFinalized)
		}
		if h, err = c.blocks.GetHeader(h.ParentHash); err != nil {
			return route{}, fmt.Errorf("walk ancestry: %w", err)
		}
	}

	if h.Number < c.state.Finalized.Number {
		return route{}, fmt.Errorf("%w: fork at #%d, finalized #%d",
			ErrRevertsFinalized, h.Number, c.state.Finalized.Number)
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return route{forkNumber: h.Number, enacted: branch}, nil
}

// writeCanonical points the number index at the new branch ending in tip and
// clears entries above it. Returns the hashes that left the canonical chain.
func (c *Chain) writeCanonical(b storage.Batch, r route, tip BlockInfo) ([]types.Hash, error) {
	var retracted []types.Hash
	for n := r.forkNumber + 1; n <= c.state.Best.Number; n++ {
		hash, err := c.blocks.CanonicalHash(n)
		if err != nil {
			return nil, err
		}
		retracted = append(retracted, hash)
	}

	for _, info := range r.enacted {
		if err := c.blocks.SetCanonical(b, info.Number, info.Hash); err != nil {
			return nil, err
		}
	}
	if err := c.blocks.SetCanonical(b, tip.Number, tip.Hash); err != nil {
		return nil, err
	}
	for n := tip.Number + 1; n <= c.state.Best.Number; n++ {
		if err := c.blocks.ClearCanonical(b, n); err != nil {
			return nil, err
		}
	}
	return retracted, nil
}
