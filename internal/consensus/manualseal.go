package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/crypto"
)

// DefaultSlotDuration is the gap between mock timestamps of consecutive blocks.
const DefaultSlotDuration = 6 * time.Second

// Manual seal errors.
var (
	ErrNotAuthority      = errors.New("signer is not an authorized author")
	ErrMissingTimestamp  = errors.New("block missing timestamp digest")
	ErrTimestampTooEarly = errors.New("block timestamp does not increase")
	ErrMissingSeal       = errors.New("block missing seal")
	ErrInvalidSeal       = errors.New("invalid block seal")
)

// ManualSealConfig configures a ManualSeal engine.
type ManualSealConfig struct {
	// SlotDuration is added to the parent timestamp. Zero means DefaultSlotDuration.
	SlotDuration time.Duration
	// Authorities are the compressed public keys allowed to seal blocks.
	// With an empty set seals are carried but not checked.
	Authorities [][]byte
	// RequireSeal rejects imported blocks that carry no seal.
	RequireSeal bool
}

// ManualSeal authors blocks on command. Every header carries a mock
// timestamp one slot after its parent and, when a signer is set, a Schnorr
// seal over the pre-seal header hash.
type ManualSeal struct {
	mu sync.RWMutex

	authorities [][]byte
	slotMillis  uint64
	requireSeal bool
	signer      crypto.Signer
}

// NewManualSeal creates a manual seal engine.
func NewManualSeal(cfg ManualSealConfig) *ManualSeal {
	slot := cfg.SlotDuration
	if slot <= 0 {
		slot = DefaultSlotDuration
	}
	authorities := make([][]byte, len(cfg.Authorities))
	copy(authorities, cfg.Authorities)
	return &ManualSeal{
		authorities: authorities,
		slotMillis:  uint64(slot.Milliseconds()),
		requireSeal: cfg.RequireSeal,
	}
}

// SetSigner sets the local author key used by Seal.
func (m *ManualSeal) SetSigner(key crypto.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.authorities) > 0 && !m.isAuthority(key.PublicKey()) {
		return ErrNotAuthority
	}
	m.signer = key
	return nil
}

// HasSigner reports whether Seal will sign headers.
func (m *ManualSeal) HasSigner() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signer != nil
}

// NextTimestamp returns the mock timestamp for a child of parent.
func (m *ManualSeal) NextTimestamp(parent *block.Header) uint64 {
	return parent.Timestamp() + m.slotMillis
}

// Prepare replaces any timestamp item in header with the mock timestamp.
func (m *ManualSeal) Prepare(parent, header *block.Header) error {
	if parent == nil {
		return fmt.Errorf("prepare: nil parent")
	}
	digest := make(block.Digest, 0, len(header.Digest)+1)
	digest = append(digest, block.NewTimestampDigest(m.NextTimestamp(parent)))
	for _, item := range header.Digest {
		if item.Kind == block.DigestPreRuntime && item.Engine == block.TimestampEngine {
			continue
		}
		digest = append(digest, item)
	}
	header.Digest = digest
	return nil
}

// Seal appends a seal digest signed by the local author. Without a signer
// the header is left unsealed.
func (m *ManualSeal) Seal(header *block.Header) error {
	m.mu.RLock()
	signer := m.signer
	m.mu.RUnlock()
	if signer == nil {
		return nil
	}

	header.Digest = header.Digest.WithoutSeals()
	hash := header.PreSealHash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("seal block: %w", err)
	}
	header.Digest = append(header.Digest, block.NewSealDigest(sig))
	return nil
}

// Verify checks the timestamp and seal of blk against parent.
func (m *ManualSeal) Verify(parent *block.Header, blk *block.Block) error {
	header := blk.Header
	ts, ok := header.Digest.Timestamp()
	if !ok {
		return ErrMissingTimestamp
	}
	if ts <= parent.Timestamp() {
		return fmt.Errorf("%w: parent %d, block %d", ErrTimestampTooEarly, parent.Timestamp(), ts)
	}

	if _, sealed := header.Digest.Seal(); !sealed {
		if m.requireSeal {
			return ErrMissingSeal
		}
		return nil
	}
	m.mu.RLock()
	unchecked := len(m.authorities) == 0
	m.mu.RUnlock()
	if !unchecked && m.IdentifySigner(header) == nil {
		return ErrInvalidSeal
	}
	return nil
}

// IdentifySigner returns the authority key that sealed header, or nil.
// Schnorr signatures do not recover keys, so every authority is tried.
func (m *ManualSeal) IdentifySigner(header *block.Header) []byte {
	m.mu.RLock()
	authorities := append([][]byte(nil), m.authorities...)
	m.mu.RUnlock()

	sig, ok := header.Digest.Seal()
	if !ok {
		return nil
	}
	hash := header.PreSealHash()
	for _, pub := range authorities {
		if crypto.VerifySignature(hash[:], sig, pub) {
			return pub
		}
	}
	return nil
}

// IsAuthority reports whether pubKey is in the authority set.
func (m *ManualSeal) IsAuthority(pubKey []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAuthority(pubKey)
}

// AddAuthority adds a public key to the authority set.
func (m *ManualSeal) AddAuthority(pubKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isAuthority(pubKey) {
		m.authorities = append(m.authorities, pubKey)
	}
}

func (m *ManualSeal) isAuthority(pubKey []byte) bool {
	for _, a := range m.authorities {
		if bytes.Equal(a, pubKey) {
			return true
		}
	}
	return false
}
