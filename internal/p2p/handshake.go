package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify they follow the same chain.
type HandshakeMessage struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	BestNumber      uint64     `json:"best_number"`
}

func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()

		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake read failed")
			return
		}

		ourMsg := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake write failed")
			return
		}

		n.finishHandshake(remote, peerMsg)
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	stream, err := n.host.NewStream(n.ctx, id, HandshakeProtocol)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake stream failed")
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var peerMsg HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake response read failed")
		return
	}

	n.finishHandshake(id, peerMsg)
}

// finishHandshake drops incompatible peers and reports peers that are ahead.
func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		klog.P2P.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, disconnecting")
		n.DisconnectPeer(id)
		return
	}

	n.setPeerBest(id, msg.BestNumber)
	var ours uint64
	if n.bestNumberFn != nil {
		ours = n.bestNumberFn()
	}
	if msg.BestNumber > ours && n.onPeerAhead != nil {
		n.onPeerAhead(id, msg.BestNumber)
	}
}

// validateHandshake returns an empty string when the peer is compatible.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s",
			msg.GenesisHash.Short(), n.genesisHash.Short())
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
	}
	if n.bestNumberFn != nil {
		msg.BestNumber = n.bestNumberFn()
	}
	return msg
}
