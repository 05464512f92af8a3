package p2p

import (
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/block"
)

// BroadcastBlock publishes the SCALE encoding of a sealed block.
func (n *Node) BroadcastBlock(sb *block.SignedBlock) error {
	if n.topicBlock == nil {
		return ErrNotStarted
	}
	data, err := block.EncodeSignedBlock(sb)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if len(data) > maxMessageSize {
		return fmt.Errorf("block of %d bytes exceeds gossip limit", len(data))
	}
	return n.topicBlock.Publish(n.ctx, data)
}
