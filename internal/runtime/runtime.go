// Package runtime implements the state transition of the metachain: it
// validates extrinsics as ExternalTx transfers, derives state roots, builds
// block candidates and extracts the side-channel transfer list from blocks.
package runtime

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/crypto"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Runtime validity errors.
var (
	ErrInvalidExtrinsic = errors.New("invalid extrinsic")
	ErrBadStateRoot     = errors.New("state root mismatch")
)

// MaxPartyLength bounds the From and To fields of a transfer.
const MaxPartyLength = 256

// ValidateExternalTx checks the fields of a transfer.
func ValidateExternalTx(tx block.ExternalTx) error {
	switch {
	case tx.From == "":
		return fmt.Errorf("%w: empty sender", ErrInvalidExtrinsic)
	case tx.To == "":
		return fmt.Errorf("%w: empty recipient", ErrInvalidExtrinsic)
	case len(tx.From) > MaxPartyLength || len(tx.To) > MaxPartyLength:
		return fmt.Errorf("%w: party longer than %d bytes", ErrInvalidExtrinsic, MaxPartyLength)
	case tx.Amount <= 0:
		return fmt.Errorf("%w: amount %d must be positive", ErrInvalidExtrinsic, tx.Amount)
	}
	return nil
}

// DecodeExtrinsic decodes and validates one encoded extrinsic.
func DecodeExtrinsic(ext []byte) (block.ExternalTx, error) {
	tx, err := block.DecodeExternalTx(ext)
	if err != nil {
		return block.ExternalTx{}, fmt.Errorf("%w: %v", ErrInvalidExtrinsic, err)
	}
	if err := ValidateExternalTx(tx); err != nil {
		return block.ExternalTx{}, err
	}
	return tx, nil
}

// EncodeExtrinsic validates tx and returns its encoding.
func EncodeExtrinsic(tx block.ExternalTx) ([]byte, error) {
	if err := ValidateExternalTx(tx); err != nil {
		return nil, err
	}
	return block.EncodeExternalTx(tx)
}

// StateRoot derives the state commitment of a child block.
func StateRoot(parentState, extrinsicsRoot types.Hash) types.Hash {
	return crypto.HashConcat(parentState, extrinsicsRoot)
}

// ExtractExternal returns the transfers of blk in block order.
func ExtractExternal(blk *block.Block) ([]block.ExternalTx, error) {
	out := make([]block.ExternalTx, 0, len(blk.Extrinsics))
	for i, ext := range blk.Extrinsics {
		tx, err := DecodeExtrinsic(ext)
		if err != nil {
			return nil, fmt.Errorf("extrinsic %d: %w", i, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// Runtime checks the state transition of imported blocks.
type Runtime struct{}

// New returns the runtime.
func New() *Runtime { return &Runtime{} }

// Verify implements chain.Verifier. Every extrinsic must decode to a valid
// transfer and the header must commit to the derived state root.
func (rt *Runtime) Verify(parent *block.Header, blk *block.Block) error {
	for i, ext := range blk.Extrinsics {
		if _, err := DecodeExtrinsic(ext); err != nil {
			return fmt.Errorf("extrinsic %d: %w", i, err)
		}
	}
	want := StateRoot(parent.StateRoot, blk.Header.ExtrinsicsRoot)
	if blk.Header.StateRoot != want {
		return fmt.Errorf("%w: header=%s derived=%s", ErrBadStateRoot, blk.Header.StateRoot, want)
	}
	return nil
}

// GenesisBlock builds the genesis block for chainID. Its state root is the
// hash of chainID.
func GenesisBlock(chainID string, timestampMs uint64, extra []byte) *block.Block {
	digest := block.Digest{block.NewTimestampDigest(timestampMs)}
	if len(extra) > 0 {
		digest = append(digest, block.DigestItem{Kind: block.DigestOther, Data: extra})
	}
	header := &block.Header{
		Number:         0,
		StateRoot:      crypto.Hash([]byte(chainID)),
		ExtrinsicsRoot: block.ExtrinsicsRoot(nil),
		Digest:         digest,
	}
	return block.NewBlock(header, nil)
}
