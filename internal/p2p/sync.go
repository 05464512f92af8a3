package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	syncReadTimeout      = 30 * time.Second
	maxSyncResponseBytes = 64 << 20

	// MaxSyncBlocks caps how many blocks one request may return.
	MaxSyncBlocks = 128
)

// SyncRequest asks a peer for canonical blocks starting at a number.
type SyncRequest struct {
	From uint64 `json:"from"`
	Max  uint32 `json:"max"`
}

// SyncResponse carries SCALE-encoded signed blocks in ascending order.
type SyncResponse struct {
	Blocks [][]byte `json:"blocks"`
}

// BlockProvider returns up to max encoded canonical blocks starting at from.
type BlockProvider func(from uint64, max uint32) [][]byte

// Syncer serves and requests canonical blocks over a stream protocol.
type Syncer struct {
	node *Node
}

// NewSyncer creates a syncer attached to a started node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{node: node}
}

// RegisterHandler serves sync requests from provider.
func (s *Syncer) RegisterHandler(provider BlockProvider) {
	s.node.host.SetStreamHandler(SyncProtocol, func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

		var req SyncRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&req); err != nil {
			return
		}
		if req.Max == 0 || req.Max > MaxSyncBlocks {
			req.Max = MaxSyncBlocks
		}

		resp := SyncResponse{Blocks: provider(req.From, req.Max)}
		if err := json.NewEncoder(stream).Encode(&resp); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(stream.Conn().RemotePeer())).Msg("Sync response failed")
		}
	})
}

// RequestBlocks asks a peer for blocks starting at from and decodes them.
func (s *Syncer) RequestBlocks(ctx context.Context, id peer.ID, from uint64, max uint32) ([]*block.SignedBlock, error) {
	if s.node.host == nil {
		return nil, ErrNotStarted
	}
	stream, err := s.node.host.NewStream(ctx, id, SyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()

	req := SyncRequest{From: from, Max: max}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send sync request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp SyncResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}

	blocks := make([]*block.SignedBlock, 0, len(resp.Blocks))
	for i, raw := range resp.Blocks {
		sb, err := block.DecodeSignedBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("decode synced block %d: %w", i, err)
		}
		blocks = append(blocks, sb)
	}
	return blocks, nil
}
