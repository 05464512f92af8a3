package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader          = errors.New("block has nil header")
	ErrBadExtrinsicsRoot  = errors.New("extrinsics root mismatch")
	ErrTooManyExtrinsics  = errors.New("too many extrinsics in block")
	ErrBlockTooLarge      = errors.New("block too large")
	ErrEmptyExtrinsic     = errors.New("empty extrinsic")
	ErrDuplicateExtrinsic = errors.New("duplicate extrinsic in block")
)

// Structural limits.
const (
	MaxBlockExtrinsics = 10_000
	MaxBlockSize       = 5 << 20
)

// Validate checks block structure and internal consistency.
// Runtime validity and consensus rules are checked by the importer.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if len(b.Extrinsics) > MaxBlockExtrinsics {
		return fmt.Errorf("%w: %d, max %d", ErrTooManyExtrinsics, len(b.Extrinsics), MaxBlockExtrinsics)
	}

	size := len(b.Header.Bytes())
	seen := make(map[types.Hash]struct{}, len(b.Extrinsics))
	for i, ext := range b.Extrinsics {
		if len(ext) == 0 {
			return fmt.Errorf("extrinsic %d: %w", i, ErrEmptyExtrinsic)
		}
		h := ExtrinsicHash(ext)
		if _, dup := seen[h]; dup {
			return fmt.Errorf("extrinsic %d: %w", i, ErrDuplicateExtrinsic)
		}
		seen[h] = struct{}{}
		size += len(ext)
	}
	if size > MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, MaxBlockSize)
	}

	if root := ExtrinsicsRoot(b.Extrinsics); root != b.Header.ExtrinsicsRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadExtrinsicsRoot, b.Header.ExtrinsicsRoot, root)
	}
	return nil
}
