package bridge

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/internal/mempool"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Backlog accepts encoded extrinsics.
type Backlog interface {
	Add(ext []byte) (types.Hash, error)
}

// SubmitExternal encodes txs and adds them to the backlog in order.
// Transfers already queued are skipped.
func SubmitExternal(pool Backlog, txs []block.ExternalTx) error {
	for i, tx := range txs {
		ext, err := runtime.EncodeExtrinsic(tx)
		if err != nil {
			return fmt.Errorf("external tx %d: %w", i, err)
		}
		if _, err := pool.Add(ext); err != nil && !errors.Is(err, mempool.ErrAlreadyExists) {
			return fmt.Errorf("external tx %d: %w", i, err)
		}
	}
	return nil
}
