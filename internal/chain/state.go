package chain

import (
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/types"
)

// BlockInfo identifies a block by hash and number.
type BlockInfo struct {
	Hash   types.Hash        `json:"hash"`
	Number types.BlockNumber `json:"number"`
}

func (b BlockInfo) String() string {
	return fmt.Sprintf("#%d (%s)", b.Number, b.Hash.Short())
}

// State holds the in-memory view of the chain heads.
type State struct {
	Best      BlockInfo
	Finalized BlockInfo
	Genesis   types.Hash
}

// IsEmpty returns true before a genesis block has been stored.
func (s *State) IsEmpty() bool {
	return s.Genesis.IsZero()
}
