package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/Klingon-tech/metachain/internal/bridge"
	"github.com/Klingon-tech/metachain/internal/chain"
	"github.com/Klingon-tech/metachain/internal/mempool"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// ── metaConsensus endpoints ─────────────────────────────────────────────

func (s *Server) handleGetBlockHash(req *Request) (interface{}, *Error) {
	var params AtParam
	if err := parseOptionalParams(req, &params); err != nil {
		return nil, err
	}
	if params.At == nil {
		return s.chain.BestBlock().Hash.Hex(), nil
	}
	hash, err := s.chain.HashAt(*params.At)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no canonical block at %d", *params.At)}
	}
	return hash.Hex(), nil
}

func (s *Server) handleGetBlock(req *Request) (interface{}, *Error) {
	hash, rpcErr := s.resolveHash(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sb, err := s.chain.BlockByHash(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	data, err := block.EncodeSignedBlock(sb)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return codec.HexEncodeToString(data), nil
}

func (s *Server) handleMintBlock(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.minter == nil {
		return nil, &Error{Code: CodeMethodNotFound, Message: "block authoring not enabled"}
	}
	var params MintParam
	if err := parseOptionalParams(req, &params); err != nil {
		return nil, err
	}

	payload, external, err := s.minter.Mint(ctx, params.Txs)
	if err != nil {
		return nil, runtimeError(err.Error())
	}
	sb, err := block.DecodeSignedBlock(payload)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("minted block does not decode: %v", err)}
	}
	if external == nil {
		external = []block.ExternalTx{}
	}
	return &MintResult{
		Hash:     sb.Hash(),
		Number:   sb.Header.Number,
		Block:    codec.HexEncodeToString(payload),
		External: external,
	}, nil
}

func (s *Server) handleConnectBlock(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.connector == nil {
		return nil, &Error{Code: CodeMethodNotFound, Message: "block import not enabled"}
	}
	var params ConnectParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	payload, err := codec.HexDecodeString(params.Payload)
	if err != nil || len(payload) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "payload must be 0x-prefixed hex"}
	}
	res, err := s.connector.ConnectWithExternal(ctx, payload, s.pool, params.Txs)
	switch {
	case err == nil:
		if res.External == nil {
			res.External = []block.ExternalTx{}
		}
		return &res, nil
	case errors.Is(err, bridge.ErrDecode):
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid block payload", Data: err.Error()}
	default:
		var rejected *chain.ImportRejectedError
		if errors.As(err, &rejected) {
			return nil, runtimeError(&res)
		}
		return nil, runtimeError(err.Error())
	}
}

// ── chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetHeader(req *Request) (interface{}, *Error) {
	hash, rpcErr := s.resolveHash(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	header, err := s.chain.HeaderByHash(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("header not found: %v", err)}
	}
	return &HeaderResult{Hash: hash, Header: header}, nil
}

// resolveHash reads an optional hash param, defaulting to the best block.
func (s *Server) resolveHash(req *Request) (types.Hash, *Error) {
	var params HashParam
	if err := parseOptionalParams(req, &params); err != nil {
		return types.Hash{}, err
	}
	if params.Hash == "" {
		return s.chain.BestBlock().Hash, nil
	}
	hash, err := types.HexToHash(params.Hash)
	if err != nil {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}
	return hash, nil
}

// ── author / system endpoints ───────────────────────────────────────────

func (s *Server) handleSubmitExtrinsic(req *Request) (interface{}, *Error) {
	var params SubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	var ext []byte
	switch {
	case params.Tx != nil && params.Extrinsic != "":
		return nil, &Error{Code: CodeInvalidParams, Message: "set either tx or extrinsic"}
	case params.Tx != nil:
		encoded, err := runtime.EncodeExtrinsic(*params.Tx)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		ext = encoded
	case params.Extrinsic != "":
		decoded, err := codec.HexDecodeString(params.Extrinsic)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "extrinsic must be 0x-prefixed hex"}
		}
		ext = decoded
	default:
		return nil, &Error{Code: CodeInvalidParams, Message: "tx or extrinsic is required"}
	}

	hash, err := s.pool.Add(ext)
	if err != nil {
		if errors.Is(err, mempool.ErrAlreadyExists) {
			return nil, &Error{Code: CodeInvalidParams, Message: "extrinsic already pending", Data: hash.Hex()}
		}
		return nil, runtimeError(err.Error())
	}
	return hash.Hex(), nil
}

func (s *Server) handleSystemHealth() (interface{}, *Error) {
	peers := 0
	if s.peers != nil {
		peers = s.peers.PeerCount()
	}
	return &HealthResult{
		Peers:           peers,
		ShouldHavePeers: s.peers != nil,
		Pending:         s.pool.Count(),
		Best:            s.chain.BestBlock(),
		Finalized:       s.chain.FinalizedBlock(),
		Genesis:         s.chain.GenesisHash(),
	}, nil
}
