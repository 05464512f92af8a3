package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/metachain/internal/chain"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/metrics"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// ConnectConfig is the fixed import policy for connected blocks.
type ConnectConfig struct {
	// TrustFinality imports every connected block as finalized.
	TrustFinality bool
}

// DefaultConnectConfig trusts the caller's finality.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{TrustFinality: true}
}

// ConnectResult reports the import of a connected block.
type ConnectResult struct {
	Status string            `json:"status"`
	Hash   types.Hash        `json:"hash"`
	Number types.BlockNumber `json:"number"`
	Aux    chain.ImportedAux `json:"aux"`
	Reason string            `json:"reason,omitempty"`
	// External lists the transfers carried by the block.
	External []block.ExternalTx `json:"external"`
}

// Connector decodes blocks produced elsewhere and imports them directly.
type Connector struct {
	chain  Chain
	cfg    ConnectConfig
	logger zerolog.Logger
}

// NewConnector creates a connector.
func NewConnector(ch Chain, cfg ConnectConfig) *Connector {
	c := &Connector{chain: ch, cfg: cfg, logger: klog.Bridge}
	if cfg.TrustFinality {
		c.logger.Warn().Msg("Connected blocks are imported as finalized; the caller is trusted for finality")
	}
	return c
}

// Connect decodes payload and imports it as a network block under the
// longest-chain rule. AlreadyInChain is a success. Any other rejection is
// returned as a *chain.ImportRejectedError alongside the result.
func (c *Connector) Connect(ctx context.Context, payload []byte) (ConnectResult, error) {
	return c.ConnectWithExternal(ctx, payload, nil, nil)
}

// ConnectWithExternal is Connect with txs added to pool between decoding and
// import. Nothing is queued when the payload does not decode.
func (c *Connector) ConnectWithExternal(ctx context.Context, payload []byte, pool Backlog, txs []block.ExternalTx) (ConnectResult, error) {
	if err := ctx.Err(); err != nil {
		return ConnectResult{}, err
	}
	sb, err := block.DecodeSignedBlock(payload)
	if err != nil {
		metrics.RecordConnect("decode_error")
		c.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("Rejected undecodable block")
		return ConnectResult{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(txs) > 0 {
		if pool == nil {
			return ConnectResult{}, fmt.Errorf("no backlog for %d extra transfers", len(txs))
		}
		if err := SubmitExternal(pool, txs); err != nil {
			return ConnectResult{}, err
		}
	}

	params := chain.NewImportParams(chain.OriginNetworkBroadcast, &sb.Block, chain.LongestChain(), c.cfg.TrustFinality)
	params.Justifications = sb.Justifications
	out := c.chain.ImportBlock(params)
	metrics.RecordConnect(out.Status.String())

	res := ConnectResult{
		Status: out.Status.String(),
		Hash:   out.Hash,
		Number: out.Number,
		Aux:    out.Aux,
		Reason: out.Reason,
	}
	if err := out.Err(); err != nil {
		return res, err
	}
	// AlreadyInChain is matched on the header, so the body may still be junk.
	res.External, _ = runtime.ExtractExternal(&sb.Block)
	return res, nil
}
