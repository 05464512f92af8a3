package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// DigestKind tags a digest item. Values follow the Substrate wire format.
type DigestKind byte

// Digest item kinds.
const (
	DigestOther      DigestKind = 0
	DigestConsensus  DigestKind = 4
	DigestSeal       DigestKind = 5
	DigestPreRuntime DigestKind = 6
)

// EngineID is the 4-byte identifier of the engine that owns a digest item.
type EngineID [4]byte

// Well-known engine IDs.
var (
	// TimestampEngine tags the pre-runtime item carrying the block timestamp.
	TimestampEngine = EngineID{'t', 'm', 's', 'p'}
	// SealEngine tags the seal item appended by the manual-seal engine.
	SealEngine = EngineID{'m', 's', 'e', 'l'}
)

func (e EngineID) String() string { return string(e[:]) }

// DigestItem is a single header digest entry.
// Engine is ignored for DigestOther.
type DigestItem struct {
	Kind   DigestKind
	Engine EngineID
	Data   []byte
}

// Digest is the ordered list of digest items in a header.
type Digest []DigestItem

// NewTimestampDigest returns a pre-runtime item carrying a millisecond timestamp.
func NewTimestampDigest(ms uint64) DigestItem {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, ms)
	return DigestItem{Kind: DigestPreRuntime, Engine: TimestampEngine, Data: data}
}

// NewSealDigest returns a seal item carrying a signature.
func NewSealDigest(sig []byte) DigestItem {
	return DigestItem{Kind: DigestSeal, Engine: SealEngine, Data: append([]byte(nil), sig...)}
}

// Encode writes the item in SCALE form.
func (d DigestItem) Encode(enc scale.Encoder) error {
	switch d.Kind {
	case DigestOther:
		if err := enc.PushByte(byte(d.Kind)); err != nil {
			return err
		}
		return encodeBytes(enc, d.Data)
	case DigestConsensus, DigestSeal, DigestPreRuntime:
		if err := enc.PushByte(byte(d.Kind)); err != nil {
			return err
		}
		if err := enc.Write(d.Engine[:]); err != nil {
			return err
		}
		return encodeBytes(enc, d.Data)
	default:
		return fmt.Errorf("%w: unknown digest kind %d", ErrMalformed, d.Kind)
	}
}

func decodeDigestItem(dec *reader) (DigestItem, error) {
	kind, err := dec.ReadOneByte()
	if err != nil {
		return DigestItem{}, err
	}
	item := DigestItem{Kind: DigestKind(kind)}
	switch item.Kind {
	case DigestOther:
	case DigestConsensus, DigestSeal, DigestPreRuntime:
		if err := dec.Read(item.Engine[:]); err != nil {
			return DigestItem{}, err
		}
	default:
		return DigestItem{}, fmt.Errorf("%w: unknown digest kind %d", ErrMalformed, kind)
	}
	if item.Data, err = dec.bytes(); err != nil {
		return DigestItem{}, err
	}
	return item, nil
}

// Encode writes the digest as a compact-length-prefixed list.
func (d Digest) Encode(enc scale.Encoder) error {
	if err := encodeLen(enc, len(d)); err != nil {
		return err
	}
	for _, item := range d {
		if err := item.Encode(enc); err != nil {
			return err
		}
	}
	return nil
}

func decodeDigest(dec *reader) (Digest, error) {
	n, err := dec.length(2)
	if err != nil {
		return nil, err
	}
	d := make(Digest, 0, n)
	for i := 0; i < n; i++ {
		item, err := decodeDigestItem(dec)
		if err != nil {
			return nil, fmt.Errorf("digest item %d: %w", i, err)
		}
		d = append(d, item)
	}
	return d, nil
}

// Find returns the first item of the given kind and engine.
func (d Digest) Find(kind DigestKind, engine EngineID) (DigestItem, bool) {
	for _, item := range d {
		if item.Kind == kind && item.Engine == engine {
			return item, true
		}
	}
	return DigestItem{}, false
}

// Timestamp returns the millisecond timestamp from the pre-runtime item.
func (d Digest) Timestamp() (uint64, bool) {
	item, ok := d.Find(DigestPreRuntime, TimestampEngine)
	if !ok || len(item.Data) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(item.Data), true
}

// Seal returns the signature from the seal item, if present.
func (d Digest) Seal() ([]byte, bool) {
	item, ok := d.Find(DigestSeal, SealEngine)
	if !ok {
		return nil, false
	}
	return item.Data, true
}

// WithoutSeals returns a copy of the digest with every seal item removed.
func (d Digest) WithoutSeals() Digest {
	out := make(Digest, 0, len(d))
	for _, item := range d {
		if item.Kind != DigestSeal {
			out = append(out, item)
		}
	}
	return out
}

type digestItemJSON struct {
	Kind   DigestKind `json:"kind"`
	Engine string     `json:"engine,omitempty"`
	Data   string     `json:"data"`
}

// MarshalJSON encodes the item with hex data.
func (d DigestItem) MarshalJSON() ([]byte, error) {
	j := digestItemJSON{Kind: d.Kind, Data: "0x" + hex.EncodeToString(d.Data)}
	if d.Kind != DigestOther {
		j.Engine = d.Engine.String()
	}
	return json.Marshal(j)
}
