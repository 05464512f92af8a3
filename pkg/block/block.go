// Package block defines block types, their SCALE wire format and structural validation.
package block

import (
	"bytes"
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// Block is a header plus its opaque extrinsics.
type Block struct {
	Header     *Header  `json:"header"`
	Extrinsics [][]byte `json:"extrinsics"`
}

// Justification is an engine-specific finality proof.
type Justification struct {
	Engine EngineID `json:"engine"`
	Data   []byte   `json:"data"`
}

// Justifications is the set of finality proofs attached to a block.
type Justifications []Justification

// SignedBlock is a block plus optional justifications.
type SignedBlock struct {
	Block
	Justifications Justifications `json:"justifications,omitempty"`
}

// NewBlock creates a new block with the given header and extrinsics.
func NewBlock(header *Header, extrinsics [][]byte) *Block {
	return &Block{Header: header, Extrinsics: extrinsics}
}

// Hash returns the header hash.
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

// Encode writes the block as header followed by a compact-prefixed list of
// length-prefixed extrinsics.
func (b *Block) Encode(enc scale.Encoder) error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if err := b.Header.Encode(enc); err != nil {
		return err
	}
	if err := encodeLen(enc, len(b.Extrinsics)); err != nil {
		return err
	}
	for _, ext := range b.Extrinsics {
		if err := encodeBytes(enc, ext); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes the block followed by Option<Justifications>.
func (sb *SignedBlock) Encode(enc scale.Encoder) error {
	if err := sb.Block.Encode(enc); err != nil {
		return err
	}
	if sb.Justifications == nil {
		return enc.PushByte(0)
	}
	if err := enc.PushByte(1); err != nil {
		return err
	}
	if err := encodeLen(enc, len(sb.Justifications)); err != nil {
		return err
	}
	for _, j := range sb.Justifications {
		if err := enc.Write(j.Engine[:]); err != nil {
			return err
		}
		if err := encodeBytes(enc, j.Data); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBlock returns the SCALE encoding of a block (header + extrinsics).
// This is the payload exchanged with the external controller.
func EncodeBlock(b *Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Encode(*scale.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encode block: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeSignedBlock returns the SCALE encoding of a signed block, used for storage.
func EncodeSignedBlock(sb *SignedBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := sb.Encode(*scale.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encode signed block: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBlock(dec *reader) (*Block, error) {
	header, err := decodeHeader(dec)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	n, err := dec.length(1)
	if err != nil {
		return nil, fmt.Errorf("extrinsics: %w", err)
	}
	exts := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		ext, err := dec.bytes()
		if err != nil {
			return nil, fmt.Errorf("extrinsic %d: %w", i, err)
		}
		exts = append(exts, ext)
	}
	return &Block{Header: header, Extrinsics: exts}, nil
}

func decodeJustifications(dec *reader) (Justifications, error) {
	n, err := dec.length(5)
	if err != nil {
		return nil, err
	}
	out := make(Justifications, 0, n)
	for i := 0; i < n; i++ {
		var j Justification
		if err := dec.hash(j.Engine[:]); err != nil {
			return nil, fmt.Errorf("justification %d: %w", i, err)
		}
		if j.Data, err = dec.bytes(); err != nil {
			return nil, fmt.Errorf("justification %d: %w", i, err)
		}
		out = append(out, j)
	}
	return out, nil
}

// DecodeSignedBlock decodes either a bare block encoding or a block followed
// by Option<Justifications>. All input must be consumed.
func DecodeSignedBlock(data []byte) (*SignedBlock, error) {
	dec := newReader(data)
	b, err := decodeBlock(dec)
	if err != nil {
		return nil, err
	}
	sb := &SignedBlock{Block: *b}
	if dec.remaining() == 0 {
		return sb, nil
	}

	flag, err := dec.ReadOneByte()
	if err != nil {
		return nil, fmt.Errorf("%w: justifications flag: %v", ErrMalformed, err)
	}
	switch flag {
	case 0:
	case 1:
		if sb.Justifications, err = decodeJustifications(dec); err != nil {
			return nil, fmt.Errorf("justifications: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: bad option flag %d", ErrMalformed, flag)
	}
	if dec.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, dec.remaining())
	}
	return sb, nil
}
