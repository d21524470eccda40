// Package controlstore persists operator-plane state — identity-cache
// refresh requests and per-shard status — across restarts. It is the one
// place in this system that takes a traditional transactional lock path
// (badger.Txn), deliberately isolated from the lock-free/mmap hot paths
// (Identity Map, Tombstone Lattice, Archive indices) so operator writes
// never contend with the data plane.
//
// Grounded on the teacher's disk_eject example's Badger usage
// (examples/disk_eject/main.go), generalized from an L2 value cache to a
// small durable operator log.
//
// © 2025 firehose authors. MIT License.
package controlstore

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	refreshPrefix = "refresh/"
	shardPrefix   = "shard/"
)

// RefreshRequest records that a DID's signing key could not be resolved
// from the Identity Map and should be re-fetched from the PLC directory
// out of band, per spec.md §7's identity-cache-miss handling.
type RefreshRequest struct {
	DID         string    `json:"did"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// ShardStatus records an archive shard's durable operational state,
// surviving process restarts even though the in-memory read-only flag
// (internal/archive.ShardWriter.readOnly) does not.
type ShardStatus struct {
	Shard     uint8     `json:"shard"`
	ReadOnly  bool      `json:"read_only"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Store wraps a Badger instance with the narrow set of operations this
// system needs.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("controlstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying Badger database.
func (s *Store) Close() error { return s.db.Close() }

func refreshKey(did string) []byte { return []byte(refreshPrefix + did) }
func shardKey(shard uint8) []byte  { return []byte(fmt.Sprintf("%s%d", shardPrefix, shard)) }

// EnqueueRefresh records req, overwriting any prior pending request for
// the same DID.
func (s *Store) EnqueueRefresh(req RefreshRequest) error {
	val, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(refreshKey(req.DID), val)
	})
}

// ListRefreshRequests returns every pending refresh request.
func (s *Store) ListRefreshRequests() ([]RefreshRequest, error) {
	var out []RefreshRequest
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(refreshPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(v []byte) error {
				var req RefreshRequest
				if err := json.Unmarshal(v, &req); err != nil {
					return err
				}
				out = append(out, req)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// ClearRefreshRequest removes the pending refresh request for did, once
// its key has been successfully re-resolved.
func (s *Store) ClearRefreshRequest(did string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(refreshKey(did))
	})
}

// SetShardStatus persists status, stamping UpdatedAt with the current
// time.
func (s *Store) SetShardStatus(status ShardStatus) error {
	status.UpdatedAt = time.Now()
	val, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardKey(status.Shard), val)
	})
}

// GetShardStatus returns the persisted status for shard, or
// (ShardStatus{}, false, nil) if none has ever been recorded.
func (s *Store) GetShardStatus(shard uint8) (ShardStatus, bool, error) {
	var status ShardStatus
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey(shard))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &status)
		})
	})
	return status, found, err
}
