package coordinator

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/partition"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketServers = []byte("servers")
	bucketMeta    = []byte("meta")
	keyTable      = []byte("table")
)

// BoltStore persists the registry in a bbolt file. Servers are stored one
// JSON document per key; the partition table is a single snapshot document.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the registry file at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open registry file %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketServers, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not initialize registry file")
	}
	return &BoltStore{db: db}, nil
}

// Load returns the persisted servers and table. The table is nil when the
// cluster has never been bootstrapped.
func (b *BoltStore) Load() ([]cluster.StorageServer, *partition.Snapshot, error) {
	var (
		servers []cluster.StorageServer
		snap    *partition.Snapshot
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var s cluster.StorageServer
			if err := json.Unmarshal(v, &s); err != nil {
				return errors.Wrapf(err, "server %q", k)
			}
			servers = append(servers, s)
			return nil
		})
		if err != nil {
			return err
		}
		if raw := tx.Bucket(bucketMeta).Get(keyTable); raw != nil {
			snap = &partition.Snapshot{}
			if err := json.Unmarshal(raw, snap); err != nil {
				return errors.Wrap(err, "partition table")
			}
		}
		return nil
	})
	return servers, snap, err
}

// SaveServer stores a server and the table in one transaction
func (b *BoltStore) SaveServer(s cluster.StorageServer, table partition.Snapshot) error {
	sv, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tv, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketServers).Put([]byte(s.ID), sv); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyTable, tv)
	})
}

// SaveTable replaces the stored table
func (b *BoltStore) SaveTable(table partition.Snapshot) error {
	tv, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyTable, tv)
	})
}

// Close closes the underlying file
func (b *BoltStore) Close() error {
	return b.db.Close()
}
