package partition

import (
	"hash/crc32"
)

// DefaultCount is the partition count of a new cluster. It never changes
// for the lifetime of a cluster.
const DefaultCount uint32 = 4096

// ID maps a key of a namespace to its partition.
//
// The partition is crc32 (IEEE) over the namespace bytes followed by the key
// bytes, modulo count. It depends on nothing but its arguments, so every
// router and node agrees on it without coordination.
//
// Parameters:
//   - ns: namespace name
//   - key: raw key bytes
//   - count: partition count (must be > 0)
//
// Example:
//
//	pid := partition.ID("orders", []byte("o-42"), partition.DefaultCount)
func ID(ns string, key []byte, count uint32) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(ns))
	h.Write(key)
	return h.Sum32() % count
}
