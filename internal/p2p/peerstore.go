package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	peerKeyPrefix     = "peer/"
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// AddrInfo parses the record into a dialable address set.
func (r PeerRecord) AddrInfo() (peer.AddrInfo, bool) {
	id, err := peer.Decode(r.ID)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, ma)
	}
	return info, len(info.Addrs) > 0
}

// PeerStore persists peer records in the node database.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore creates a PeerStore backed by db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(id string) []byte {
	return []byte(peerKeyPrefix + id)
}

// Save persists a record. New peers beyond maxPersistedPeers are skipped.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := peerKey(rec.ID)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load retrieves a single record.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get(peerKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every readable record. Corrupt entries are skipped.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) == nil {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return records, nil
}

// Delete removes a record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete(peerKey(id.String()))
}

// PruneStale removes records not seen within threshold, plus corrupt ones,
// in a single batch. Returns the number removed.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	batch := storage.NewBatch(ps.db)
	pruned := 0

	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) == nil && rec.LastSeen >= cutoff {
			return nil
		}
		pruned++
		return batch.Delete(append([]byte(nil), key...))
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("delete stale peers: %w", err)
	}
	return pruned, nil
}

// Count returns the number of persisted records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}
