// Package storage implements the node-local Record Store: namespaced,
// versioned and checksummed key/value records on top of a pluggable
// ordered byte engine.
//
// # Overview
//
// Every storage node keeps exactly one Store. The store knows nothing about
// partitions or migrations; it offers per-namespace point operations, ordered
// listing and a small partition-agnostic surface (Scan, Import,
// DeleteMatching, Observer) that the migration machinery is built from.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Store (namespaces, versions, crc) │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        Engine (ordered bytes)       │
//	└─────────────────────────────────────┘
//	        │                      │
//	        ▼                      ▼
//	┌──────────────┐      ┌──────────────┐
//	│ MemoryEngine │      │ PebbleEngine │
//	│  (B-trees)   │      │    (LSM)     │
//	└──────────────┘      └──────────────┘
//
// # Records
//
// A record is stored as a single engine value:
//
//	crc(4) | version(4) | creation unix nanos(8) | value
//
// all big endian. Because the header and the value travel in one write, a
// reader never sees a value paired with someone else's version or crc.
// Every decode re-verifies the crc and refuses to return a corrupt record.
//
// Versions start at 1 and grow by exactly one per successful overwrite.
// Only the latest version is retained; asking for any other version yields
// ErrVersionNotRetained.
//
// # Concurrency and Thread Safety
//
// Locking Strategy:
//   - Same-key writes serialize on a striped mutex (256 stripes)
//   - Different keys only share the namespace's read lock
//   - DeleteNamespace holds the namespace lock exclusively, so no write
//     lands in a namespace that is being deleted
//
// The Observer hook runs inside the key lock, which lets callers build a
// per-key ordered log of accepted writes without extra coordination.
//
// # Error Handling
//
//   - ErrNamespaceNotFound: namespace missing or deleted
//   - ErrKeyNotFound: key absent
//   - ErrChecksumMismatch: caller crc disagrees with the value, nothing written
//   - ErrVersionNotRetained: a non-current version was requested
//   - ErrCorruptRecord: stored bytes fail their checksum
//
// # Usage Examples
//
//	engine, _ := storage.OpenPebble(storage.PebbleConfig{Path: "/var/lib/tessera"})
//	store, _ := storage.New(storage.Config{Engine: engine, Logger: logger})
//	defer store.Close()
//
//	_ = store.CreateNamespace("orders")
//	md, err := store.Put("orders", []byte("o-42"), []byte("pending"), nil)
//	rec, err := store.Get("orders", []byte("o-42"), nil)
//
// # Testing
//
//	go test ./internal/storage/... -race
package storage
