package block

import (
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/crypto"
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// ExternalTx is a transfer record exchanged with the external controller.
// Encoded extrinsics in a block are SCALE-encoded ExternalTx values.
type ExternalTx struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// ExtrinsicHash returns the identifier of an opaque extrinsic.
func ExtrinsicHash(ext []byte) types.Hash {
	return crypto.Hash(ext)
}

// EncodeExternalTx returns the SCALE encoding of tx:
// compact-prefixed from | compact-prefixed to | amount(i64 LE).
func EncodeExternalTx(tx ExternalTx) ([]byte, error) {
	b, err := codec.Encode(tx)
	if err != nil {
		return nil, fmt.Errorf("encode external tx: %w", err)
	}
	return b, nil
}

// DecodeExternalTx decodes a SCALE-encoded ExternalTx.
func DecodeExternalTx(ext []byte) (ExternalTx, error) {
	var tx ExternalTx
	if err := codec.Decode(ext, &tx); err != nil {
		return ExternalTx{}, fmt.Errorf("%w: external tx: %v", ErrMalformed, err)
	}
	// codec.Decode ignores trailing input; re-encode to reject it.
	again, err := codec.Encode(tx)
	if err != nil || len(again) != len(ext) {
		return ExternalTx{}, fmt.Errorf("%w: external tx has trailing bytes", ErrMalformed)
	}
	return tx, nil
}
