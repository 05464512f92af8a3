package block

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/metachain/pkg/crypto"
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// Header contains block metadata.
type Header struct {
	ParentHash     types.Hash        `json:"parentHash"`
	Number         types.BlockNumber `json:"number"`
	StateRoot      types.Hash        `json:"stateRoot"`
	ExtrinsicsRoot types.Hash        `json:"extrinsicsRoot"`
	Digest         Digest            `json:"digest"`
}

// Encode writes the header in SCALE form:
// parent_hash(32) | compact(number) | state_root(32) | extrinsics_root(32) | digest.
func (h *Header) Encode(enc scale.Encoder) error {
	if err := enc.Write(h.ParentHash[:]); err != nil {
		return err
	}
	if err := enc.EncodeUintCompact(*big.NewInt(int64(h.Number))); err != nil {
		return err
	}
	if err := enc.Write(h.StateRoot[:]); err != nil {
		return err
	}
	if err := enc.Write(h.ExtrinsicsRoot[:]); err != nil {
		return err
	}
	return h.Digest.Encode(enc)
}

func decodeHeader(dec *reader) (*Header, error) {
	h := &Header{}
	if err := dec.hash(h.ParentHash[:]); err != nil {
		return nil, fmt.Errorf("parent hash: %w", err)
	}
	n, err := dec.DecodeUintCompact()
	if err != nil {
		return nil, fmt.Errorf("%w: number: %v", ErrMalformed, err)
	}
	if !n.IsUint64() || n.Uint64() > uint64(^types.BlockNumber(0)) {
		return nil, fmt.Errorf("%w: block number overflows", ErrMalformed)
	}
	h.Number = types.BlockNumber(n.Uint64())
	if err := dec.hash(h.StateRoot[:]); err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}
	if err := dec.hash(h.ExtrinsicsRoot[:]); err != nil {
		return nil, fmt.Errorf("extrinsics root: %w", err)
	}
	if h.Digest, err = decodeDigest(dec); err != nil {
		return nil, err
	}
	return h, nil
}

// Bytes returns the SCALE encoding of the header.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail and every digest kind we
	// construct is encodable.
	_ = h.Encode(*scale.NewEncoder(&buf))
	return buf.Bytes()
}

// Hash returns the BLAKE2b-256 hash of the SCALE-encoded header.
func (h *Header) Hash() types.Hash {
	return crypto.BlakeTwo256(h.Bytes())
}

// PreSealHash returns the hash of the header with seal items stripped.
// This is the message signed by the sealing engine.
func (h *Header) PreSealHash() types.Hash {
	bare := *h
	bare.Digest = h.Digest.WithoutSeals()
	return bare.Hash()
}

// Timestamp returns the millisecond timestamp carried in the digest, or 0.
func (h *Header) Timestamp() uint64 {
	ts, _ := h.Digest.Timestamp()
	return ts
}

// DecodeHeader decodes a standalone SCALE-encoded header.
func DecodeHeader(data []byte) (*Header, error) {
	dec := newReader(data)
	h, err := decodeHeader(dec)
	if err != nil {
		return nil, err
	}
	if dec.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, dec.remaining())
	}
	return h, nil
}
