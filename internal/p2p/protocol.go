package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicBlocks = "/metachain/block/1.0.0"
)

// Stream protocol IDs.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/metachain/handshake/1.0.0")

	// SyncProtocol serves canonical blocks by number.
	SyncProtocol = protocol.ID("/metachain/sync/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// maxMessageSize bounds a single gossip message (one encoded signed block).
const maxMessageSize = 4 << 20

// NetworkTopic scopes a base topic to a genesis so that nodes of different
// chains sharing a DHT never exchange blocks.
func NetworkTopic(base, genesisHex string) string {
	if genesisHex == "" {
		return base
	}
	if len(genesisHex) > 16 {
		genesisHex = genesisHex[:16]
	}
	return fmt.Sprintf("%s/%s", base, genesisHex)
}
