package rpc

import (
	"github.com/Klingon-tech/metachain/internal/chain"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000

	// CodeRuntimeError reports a failure inside block authoring or import.
	// The reason is carried in Error.Data.
	CodeRuntimeError = 1
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func runtimeError(data interface{}) *Error {
	return &Error{Code: CodeRuntimeError, Message: "Runtime error", Data: data}
}

// ── Param types ─────────────────────────────────────────────────────────

// AtParam selects a canonical block by number. A nil At means the best block.
type AtParam struct {
	At *types.BlockNumber `json:"at,omitempty"`
}

// HashParam selects a block by hash. An empty Hash means the best block.
type HashParam struct {
	Hash string `json:"hash,omitempty"`
}

// MintParam is used by metaConsensus_mintBlock.
type MintParam struct {
	Txs []block.ExternalTx `json:"txs,omitempty"`
}

// ConnectParam is used by metaConsensus_connectBlock.
type ConnectParam struct {
	Payload string             `json:"payload"` // 0x-prefixed SCALE block
	Txs     []block.ExternalTx `json:"txs,omitempty"`
}

// SubmitParam is used by author_submitExtrinsic. Exactly one field is set.
type SubmitParam struct {
	Tx        *block.ExternalTx `json:"tx,omitempty"`
	Extrinsic string            `json:"extrinsic,omitempty"` // 0x-prefixed encoded extrinsic
}

// ── Result types ────────────────────────────────────────────────────────

// MintResult is returned by metaConsensus_mintBlock.
type MintResult struct {
	Hash     types.Hash         `json:"hash"`
	Number   types.BlockNumber  `json:"number"`
	Block    string             `json:"block"` // 0x-prefixed SCALE block
	External []block.ExternalTx `json:"external"`
}

// HeaderResult wraps a header with its hash.
type HeaderResult struct {
	Hash types.Hash `json:"hash"`
	*block.Header
}

// HealthResult is returned by system_health.
type HealthResult struct {
	Peers           int             `json:"peers"`
	IsSyncing       bool            `json:"isSyncing"`
	ShouldHavePeers bool            `json:"shouldHavePeers"`
	Pending         int             `json:"pending"`
	Best            chain.BlockInfo `json:"best"`
	Finalized       chain.BlockInfo `json:"finalized"`
	Genesis         types.Hash      `json:"genesis"`
}
