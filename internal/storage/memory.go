package storage

import (
	"bytes"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/btree"
)

const (
	memoryStripes   = 16
	memoryScanBatch = 64
	btreeDegree     = 32
)

type memoryItem struct {
	key   []byte
	value []byte
}

func lessItem(a, b memoryItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memoryStripe is one independently locked ordered tree.
type memoryStripe struct {
	mu    sync.RWMutex // Protects tree and bytes
	tree  *btree.BTreeG[memoryItem]
	bytes int
}

// MemoryEngine implements Engine with in-memory B-trees.
// Keys are spread over several independently locked stripes so writers of
// different keys rarely contend; scans merge the stripes in key order.
type MemoryEngine struct {
	stripes [memoryStripes]*memoryStripe
	mu      sync.RWMutex // Guards closed
	closed  bool
}

var _ Engine = (*MemoryEngine)(nil)

// NewMemoryEngine creates a new in-memory engine
func NewMemoryEngine() *MemoryEngine {
	m := &MemoryEngine{}
	for i := range m.stripes {
		m.stripes[i] = &memoryStripe{tree: btree.NewG[memoryItem](btreeDegree, lessItem)}
	}
	return m
}

func (m *MemoryEngine) stripe(key []byte) *memoryStripe {
	h := fnv.New32a()
	h.Write(key)
	return m.stripes[h.Sum32()%memoryStripes]
}

func (m *MemoryEngine) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryEngine) Get(key []byte) ([]byte, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	s := m.stripe(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.tree.Get(memoryItem{key: key})
	if !ok {
		return nil, ErrEngineKeyNotFound
	}
	return append([]byte{}, it.value...), nil
}

// Set stores a value with the given key
// Makes a copy of key and value to prevent external modification
func (m *MemoryEngine) Set(key, value []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	s := m.stripe(key)
	it := memoryItem{
		key:   append([]byte(nil), key...),
		value: append([]byte{}, value...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, replaced := s.tree.ReplaceOrInsert(it); replaced {
		s.bytes -= len(old.value)
	}
	s.bytes += len(it.value)
	return nil
}

// Delete removes a key
// No error if key doesn't exist (idempotent)
func (m *MemoryEngine) Delete(key []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	s := m.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tree.Delete(memoryItem{key: key}); ok {
		s.bytes -= len(old.value)
	}
	return nil
}

// DeletePrefix removes all keys beginning with prefix from every stripe
func (m *MemoryEngine) DeletePrefix(prefix []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	end := prefixEnd(prefix)
	for _, s := range m.stripes {
		s.mu.Lock()
		var doomed []memoryItem
		visit := func(it memoryItem) bool {
			doomed = append(doomed, it)
			return true
		}
		if end == nil {
			s.tree.AscendGreaterOrEqual(memoryItem{key: prefix}, visit)
		} else {
			s.tree.AscendRange(memoryItem{key: prefix}, memoryItem{key: end}, visit)
		}
		for _, it := range doomed {
			s.tree.Delete(it)
			s.bytes -= len(it.value)
		}
		s.mu.Unlock()
	}
	return nil
}

// Scan implements Engine.Scan by pulling bounded batches from each stripe
// and emitting the merged items that are known to be globally ordered.
func (m *MemoryEngine) Scan(prefix, after []byte, fn func(key, value []byte) bool) error {
	if m.isClosed() {
		return ErrClosed
	}
	end := prefixEnd(prefix)
	start := scanStart(prefix, after)

	for {
		var merged []memoryItem
		var bound []byte // smallest last key among stripes that filled a batch
		for _, s := range m.stripes {
			batch := s.collect(start, end, memoryScanBatch)
			if len(batch) == memoryScanBatch {
				last := batch[len(batch)-1].key
				if bound == nil || bytes.Compare(last, bound) < 0 {
					bound = last
				}
			}
			merged = append(merged, batch...)
		}
		sort.Slice(merged, func(i, j int) bool { return lessItem(merged[i], merged[j]) })

		for _, it := range merged {
			if bound != nil && bytes.Compare(it.key, bound) > 0 {
				break
			}
			if !fn(it.key, it.value) {
				return nil
			}
		}
		if bound == nil {
			return nil
		}
		start = append(append([]byte(nil), bound...), 0)
	}
}

// collect copies up to limit items in [start, end) out of the stripe.
func (s *memoryStripe) collect(start, end []byte, limit int) []memoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]memoryItem, 0, limit)
	visit := func(it memoryItem) bool {
		out = append(out, memoryItem{
			key:   append([]byte(nil), it.key...),
			value: append([]byte{}, it.value...),
		})
		return len(out) < limit
	}
	if end == nil {
		s.tree.AscendGreaterOrEqual(memoryItem{key: start}, visit)
	} else {
		s.tree.AscendRange(memoryItem{key: start}, memoryItem{key: end}, visit)
	}
	return out
}

// Stats returns storage statistics
func (m *MemoryEngine) Stats() EngineStats {
	var stats EngineStats
	for _, s := range m.stripes {
		s.mu.RLock()
		stats.Keys += s.tree.Len()
		stats.Bytes += s.bytes
		s.mu.RUnlock()
	}
	return stats
}

// Close marks the engine closed. Subsequent calls return ErrClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
