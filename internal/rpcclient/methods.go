package rpcclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/Klingon-tech/metachain/internal/bridge"
	"github.com/Klingon-tech/metachain/internal/rpc"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// BlockHash returns the canonical hash at number, or the best hash when
// number is nil.
func (c *Client) BlockHash(ctx context.Context, number *types.BlockNumber) (types.Hash, error) {
	var params interface{}
	if number != nil {
		params = rpc.AtParam{At: number}
	}
	var hex string
	if err := c.CallContext(ctx, "metaConsensus_getBlockHash", params, &hex); err != nil {
		return types.Hash{}, err
	}
	return types.HexToHash(hex)
}

// Block returns the SCALE-encoded block with hash, or the best block when
// hash is zero.
func (c *Client) Block(ctx context.Context, hash types.Hash) ([]byte, error) {
	var params interface{}
	if !hash.IsZero() {
		params = rpc.HashParam{Hash: hash.Hex()}
	}
	var hex string
	if err := c.CallContext(ctx, "metaConsensus_getBlock", params, &hex); err != nil {
		return nil, err
	}
	return codec.HexDecodeString(hex)
}

// MintBlock asks the node to author a finalized block carrying txs.
func (c *Client) MintBlock(ctx context.Context, txs []block.ExternalTx) (*rpc.MintResult, error) {
	var res rpc.MintResult
	if err := c.CallContext(ctx, "metaConsensus_mintBlock", rpc.MintParam{Txs: txs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ConnectBlock hands an encoded block to the node. Rejections are returned
// as *RPCError carrying the import result in Data.
func (c *Client) ConnectBlock(ctx context.Context, payload []byte, txs []block.ExternalTx) (*bridge.ConnectResult, error) {
	params := rpc.ConnectParam{Payload: codec.HexEncodeToString(payload), Txs: txs}
	var res bridge.ConnectResult
	if err := c.CallContext(ctx, "metaConsensus_connectBlock", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ImportReport extracts the import result from a rejected ConnectBlock.
func ImportReport(err error) (*bridge.ConnectResult, bool) {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeRuntimeError {
		return nil, false
	}
	var res bridge.ConnectResult
	if rpcErr.DecodeData(&res) != nil || res.Status == "" {
		return nil, false
	}
	return &res, true
}

// Header returns the header with hash, or the best header when hash is zero.
func (c *Client) Header(ctx context.Context, hash types.Hash) (*rpc.HeaderResult, error) {
	var params interface{}
	if !hash.IsZero() {
		params = rpc.HashParam{Hash: hash.Hex()}
	}
	var res rpc.HeaderResult
	if err := c.CallContext(ctx, "chain_getHeader", params, &res); err != nil {
		return nil, err
	}
	if res.Header == nil {
		return nil, fmt.Errorf("empty header result")
	}
	return &res, nil
}

// FinalizedHead returns the hash of the last finalized block.
func (c *Client) FinalizedHead(ctx context.Context) (types.Hash, error) {
	var hex string
	if err := c.CallContext(ctx, "chain_getFinalizedHead", nil, &hex); err != nil {
		return types.Hash{}, err
	}
	return types.HexToHash(hex)
}

// SubmitTx queues a transfer for the next block and returns its hash.
func (c *Client) SubmitTx(ctx context.Context, tx block.ExternalTx) (types.Hash, error) {
	var hex string
	if err := c.CallContext(ctx, "author_submitExtrinsic", rpc.SubmitParam{Tx: &tx}, &hex); err != nil {
		return types.Hash{}, err
	}
	return types.HexToHash(hex)
}

// Health returns the node health summary.
func (c *Client) Health(ctx context.Context) (*rpc.HealthResult, error) {
	var res rpc.HealthResult
	if err := c.CallContext(ctx, "system_health", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
