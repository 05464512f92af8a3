package mempool

import (
	"errors"
	"fmt"
)

// DefaultMaxExtrinsicSize is the maximum encoded extrinsic size in bytes.
const DefaultMaxExtrinsicSize = 64 * 1024

// ErrEmptyExtrinsic is returned by Policy.Check for a zero-length extrinsic.
var ErrEmptyExtrinsic = errors.New("empty extrinsic")

// Policy defines extrinsic acceptance rules.
type Policy struct {
	MaxExtrinsicSize int // Maximum encoded size in bytes.
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxExtrinsicSize: DefaultMaxExtrinsicSize,
	}
}

// Check validates an extrinsic against policy rules.
// Policy rules are local to the node and separate from runtime validity.
func (p *Policy) Check(ext []byte) error {
	if len(ext) == 0 {
		return ErrEmptyExtrinsic
	}
	if p.MaxExtrinsicSize > 0 && len(ext) > p.MaxExtrinsicSize {
		return fmt.Errorf("extrinsic too large: %d bytes, max %d", len(ext), p.MaxExtrinsicSize)
	}
	return nil
}
