package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> SCALE signed block
	prefixHeader = []byte("h/") // h/<hash(32)> -> SCALE header (every known header)
	prefixNumber = []byte("n/") // n/<number(4)> -> canonical hash(32)
	prefixBad    = []byte("x/") // x/<hash(32)> -> rejection reason
	keyBest      = []byte("s/best")
	keyFinalized = []byte("s/final")
	keyGenesis   = []byte("s/genesis")
)

// ErrBlockNotFound is returned when a block is not in the store.
var ErrBlockNotFound = errors.New("block not found")

// BlockStore persists blocks and chain metadata to a storage.DB.
// Writes go through a storage.Batch so that a block and the index
// updates it causes are committed together.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// NewBatch starts an atomic write.
func (bs *BlockStore) NewBatch() storage.Batch {
	return storage.NewBatch(bs.db)
}

// PutBlock writes a block and its header into the batch.
func (bs *BlockStore) PutBlock(b storage.Batch, sb *block.SignedBlock) error {
	data, err := block.EncodeSignedBlock(sb)
	if err != nil {
		return err
	}
	hash := sb.Hash()
	if err := b.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return bs.PutHeader(b, sb.Header)
}

// PutHeader writes a header into the batch.
func (bs *BlockStore) PutHeader(b storage.Batch, h *block.Header) error {
	if err := b.Put(headerKey(h.Hash()), h.Bytes()); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	return nil
}

// GetBlock returns a block with body by hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.SignedBlock, error) {
	data, err := bs.db.Get(blockKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	sb, err := block.DecodeSignedBlock(data)
	if err != nil {
		return nil, fmt.Errorf("stored block %s: %w", hash, err)
	}
	return sb, nil
}

// GetHeader returns any known header by hash.
func (bs *BlockStore) GetHeader(hash types.Hash) (*block.Header, error) {
	data, err := bs.db.Get(headerKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("header get: %w", err)
	}
	return block.DecodeHeader(data)
}

// HasBlock reports whether a block with body is stored.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// HasHeader reports whether a header is stored.
func (bs *BlockStore) HasHeader(hash types.Hash) (bool, error) {
	return bs.db.Has(headerKey(hash))
}

// SetCanonical records hash as the canonical block at number.
func (bs *BlockStore) SetCanonical(b storage.Batch, number types.BlockNumber, hash types.Hash) error {
	return b.Put(numberKey(number), hash[:])
}

// ClearCanonical removes the canonical entry at number.
func (bs *BlockStore) ClearCanonical(b storage.Batch, number types.BlockNumber) error {
	return b.Delete(numberKey(number))
}

// CanonicalHash returns the canonical hash at number.
func (bs *BlockStore) CanonicalHash(number types.BlockNumber) (types.Hash, error) {
	data, err := bs.db.Get(numberKey(number))
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, fmt.Errorf("%w: number %d", ErrBlockNotFound, number)
	}
	if err != nil {
		return types.Hash{}, fmt.Errorf("canonical get: %w", err)
	}
	return types.BytesToHash(data)
}

// MarkBad records that hash failed validation.
func (bs *BlockStore) MarkBad(hash types.Hash, reason string) error {
	return bs.db.Put(badKey(hash), []byte(reason))
}

// BadReason returns the recorded reason when hash is known bad.
func (bs *BlockStore) BadReason(hash types.Hash) (string, bool) {
	data, err := bs.db.Get(badKey(hash))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// SetBest records the best block in the batch.
func (bs *BlockStore) SetBest(b storage.Batch, info BlockInfo) error {
	return b.Put(keyBest, encodeInfo(info))
}

// SetFinalized records the last finalized block in the batch.
func (bs *BlockStore) SetFinalized(b storage.Batch, info BlockInfo) error {
	return b.Put(keyFinalized, encodeInfo(info))
}

// SetGenesis records the genesis hash in the batch.
func (bs *BlockStore) SetGenesis(b storage.Batch, hash types.Hash) error {
	return b.Put(keyGenesis, hash[:])
}

// LoadState reads the persisted heads. An empty store yields an empty State.
func (bs *BlockStore) LoadState() (State, error) {
	var st State
	genesis, err := bs.db.Get(keyGenesis)
	if errors.Is(err, storage.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load genesis: %w", err)
	}
	if st.Genesis, err = types.BytesToHash(genesis); err != nil {
		return st, fmt.Errorf("load genesis: %w", err)
	}
	if st.Best, err = bs.loadInfo(keyBest); err != nil {
		return st, fmt.Errorf("load best: %w", err)
	}
	if st.Finalized, err = bs.loadInfo(keyFinalized); err != nil {
		return st, fmt.Errorf("load finalized: %w", err)
	}
	return st, nil
}

func (bs *BlockStore) loadInfo(key []byte) (BlockInfo, error) {
	data, err := bs.db.Get(key)
	if err != nil {
		return BlockInfo{}, err
	}
	if len(data) != 4+types.HashSize {
		return BlockInfo{}, fmt.Errorf("corrupt entry: %d bytes", len(data))
	}
	var info BlockInfo
	info.Number = types.BlockNumber(binary.BigEndian.Uint32(data[:4]))
	copy(info.Hash[:], data[4:])
	return info, nil
}

func encodeInfo(info BlockInfo) []byte {
	buf := make([]byte, 4+types.HashSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(info.Number))
	copy(buf[4:], info.Hash[:])
	return buf
}

func blockKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func headerKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixHeader...), hash[:]...)
}

func badKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBad...), hash[:]...)
}

func numberKey(number types.BlockNumber) []byte {
	key := make([]byte, len(prefixNumber)+4)
	copy(key, prefixNumber)
	binary.BigEndian.PutUint32(key[len(prefixNumber):], uint32(number))
	return key
}
