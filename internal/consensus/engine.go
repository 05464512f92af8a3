// Package consensus defines the block authoring rules used by the node.
package consensus

import "github.com/Klingon-tech/metachain/pkg/block"

// Engine is the interface for consensus implementations.
type Engine interface {
	// Prepare fills the consensus digest items of a header built on parent.
	Prepare(parent, header *block.Header) error
	// Seal finalizes a prepared header. The header hash changes.
	Seal(header *block.Header) error
	// Verify checks a block against its parent. It satisfies chain.Verifier.
	Verify(parent *block.Header, blk *block.Block) error
}
