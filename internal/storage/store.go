package storage

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// DefaultListLimit is the page size used when ListKeys gets no limit
	DefaultListLimit = 50
	// MaxListLimit caps the page size of ListKeys and Scan
	MaxListLimit = 1000

	keyLockStripes = 256
)

// Op identifies the kind of a Mutation
type Op string

const (
	// OpPut stores a record
	OpPut Op = "put"
	// OpDelete removes a key
	OpDelete Op = "delete"
)

// Mutation is a single accepted write. Deletes only carry Record.Key.
type Mutation struct {
	Op        Op     `json:"op"`
	Namespace string `json:"namespace"`
	Record    Record `json:"record"`
}

// Observer is notified of every accepted Put, Import and Delete while the
// key's lock is still held, so notifications for one key arrive in the
// order the writes were applied.
type Observer func(m Mutation)

// ListOptions controls ListKeys and Scan pagination.
type ListOptions struct {
	// StartKey is an exclusive lower bound. Nil starts at the first key.
	StartKey []byte
	// Limit caps the number of results. Zero means DefaultListLimit.
	Limit int
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// KeyPage is one page of ListKeys results.
type KeyPage struct {
	Keys []KeyMetadata `json:"keys"`
	// LastKey is the last key seen; pass it as StartKey to continue.
	LastKey []byte `json:"last_key,omitempty"`
}

// ScanPage is one page of Scan results.
type ScanPage struct {
	Records []Record
	// LastKey is the last key examined, matched or not.
	LastKey []byte
	// Done reports that the namespace has no keys after LastKey.
	Done bool
}

// Config configures a Store.
type Config struct {
	Engine Engine
	Logger *zap.Logger
	// Clock supplies record creation times. Defaults to time.Now.
	Clock func() time.Time
}

// namespace tracks the lifecycle of one namespace. Key operations hold mu
// shared for their whole duration; deletion holds it exclusively.
type namespace struct {
	name    string
	mu      sync.RWMutex
	deleted atomic.Bool
}

// Store is the node-local Record Store: namespaced, versioned, checksummed
// records over an Engine. It knows nothing about partitions.
//
// Concurrency:
//   - Operations on the same key serialize on one of keyLockStripes mutexes,
//     which makes the version read-modify-write atomic.
//   - Operations on different keys only share the namespace's read lock.
//   - DeleteNamespace excludes all key operations on that namespace.
type Store struct {
	engine   Engine
	logger   *zap.Logger
	clock    func() time.Time
	observer atomic.Pointer[Observer]

	mu         sync.RWMutex // Protects namespaces
	namespaces map[string]*namespace

	keyLocks [keyLockStripes]sync.Mutex
}

// New creates a Store and loads the namespace catalog from the engine.
func New(cfg Config) (*Store, error) {
	if cfg.Engine == nil {
		return nil, errors.New("storage: engine is required")
	}
	s := &Store{
		engine:     cfg.Engine,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		namespaces: make(map[string]*namespace),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	prefix := catalogPrefix()
	err := s.engine.Scan(prefix, nil, func(key, _ []byte) bool {
		name := string(key[len(prefix):])
		s.namespaces[name] = &namespace{name: name}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not load namespace catalog")
	}
	s.logger.Debug("record store opened", zap.Int("namespaces", len(s.namespaces)))
	return s, nil
}

// SetObserver installs the write observer. Passing nil removes it.
func (s *Store) SetObserver(o Observer) {
	if o == nil {
		s.observer.Store(nil)
		return
	}
	s.observer.Store(&o)
}

func (s *Store) notify(m Mutation) {
	if o := s.observer.Load(); o != nil {
		(*o)(m)
	}
}

// acquire pins a live namespace for a key operation.
func (s *Store) acquire(name string) (func(), error) {
	s.mu.RLock()
	ns := s.namespaces[name]
	s.mu.RUnlock()
	if ns == nil {
		return nil, errors.Wrapf(ErrNamespaceNotFound, "namespace %q", name)
	}
	ns.mu.RLock()
	if ns.deleted.Load() {
		ns.mu.RUnlock()
		return nil, errors.Wrapf(ErrNamespaceNotFound, "namespace %q", name)
	}
	return ns.mu.RUnlock, nil
}

func (s *Store) lockKey(ns string, key []byte) func() {
	h := fnv.New32a()
	h.Write([]byte(ns))
	h.Write([]byte{0})
	h.Write(key)
	mu := &s.keyLocks[h.Sum32()%keyLockStripes]
	mu.Lock()
	return mu.Unlock
}

// CreateNamespace creates a namespace. Creating an existing namespace is a
// no-op. If the namespace is being deleted, it waits for the deletion to
// finish and creates a fresh one.
func (s *Store) CreateNamespace(name string) error {
	if name == "" {
		return errors.New("namespace name cannot be empty")
	}
	for {
		s.mu.Lock()
		existing := s.namespaces[name]
		if existing == nil {
			if err := s.engine.Set(catalogKey(name), nil); err != nil {
				s.mu.Unlock()
				return errors.Wrapf(err, "could not create namespace %q", name)
			}
			s.namespaces[name] = &namespace{name: name}
			s.mu.Unlock()
			s.logger.Info("namespace created", zap.String("namespace", name))
			return nil
		}
		if !existing.deleted.Load() {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		// wait for the in-flight deletion, which removes the map entry
		existing.mu.Lock()
		existing.mu.Unlock() //nolint:staticcheck
	}
}

// DeleteNamespace removes a namespace and every record in it. It waits for
// in-flight key operations on the namespace and rejects new ones with
// ErrNamespaceNotFound from the moment it starts.
func (s *Store) DeleteNamespace(name string) error {
	s.mu.RLock()
	ns := s.namespaces[name]
	s.mu.RUnlock()
	if ns == nil {
		return errors.Wrapf(ErrNamespaceNotFound, "namespace %q", name)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.deleted.Load() {
		return errors.Wrapf(ErrNamespaceNotFound, "namespace %q", name)
	}
	ns.deleted.Store(true)

	if err := s.engine.DeletePrefix(recordPrefix(name)); err != nil {
		ns.deleted.Store(false)
		return errors.Wrapf(err, "could not delete records of namespace %q", name)
	}
	if err := s.engine.Delete(catalogKey(name)); err != nil {
		ns.deleted.Store(false)
		return errors.Wrapf(err, "could not delete namespace %q", name)
	}

	s.mu.Lock()
	if s.namespaces[name] == ns {
		delete(s.namespaces, name)
	}
	s.mu.Unlock()

	s.logger.Info("namespace deleted", zap.String("namespace", name))
	return nil
}

// Namespaces returns the names of all live namespaces in ascending order
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.namespaces))
	for name, ns := range s.namespaces {
		if !ns.deleted.Load() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Put stores value under key, returning the new record's metadata.
//
// The crc is computed over value. If expectedCRC is given and differs, Put
// fails with ErrChecksumMismatch before touching the store. Otherwise the
// record gets version 1 if the key is new, or the previous version plus one.
func (s *Store) Put(ns string, key, value []byte, expectedCRC *uint32) (Metadata, error) {
	crc := Checksum(value)
	if expectedCRC != nil && *expectedCRC != crc {
		return Metadata{}, errors.Wrapf(ErrChecksumMismatch, "expected crc %d, computed %d", *expectedCRC, crc)
	}

	release, err := s.acquire(ns)
	if err != nil {
		return Metadata{}, err
	}
	defer release()

	unlock := s.lockKey(ns, key)
	defer unlock()

	rk := recordKey(ns, key)
	version := uint32(1)
	buf, err := s.engine.Get(rk)
	switch {
	case err == nil:
		md, err := decodeMetadata(key, buf)
		if err != nil {
			return Metadata{}, err
		}
		if md.Version == math.MaxUint32 {
			return Metadata{}, errors.Wrapf(ErrVersionOverflow, "key %q", key)
		}
		version = md.Version + 1
	case !errors.Is(err, ErrEngineKeyNotFound):
		return Metadata{}, errors.Wrapf(err, "could not read key %q", key)
	}

	rec := Record{
		Key:          append([]byte(nil), key...),
		Value:        append([]byte{}, value...),
		CreationTime: s.clock().Round(0).UTC(),
		Version:      version,
		CRC:          crc,
	}
	if err := s.engine.Set(rk, encodeRecord(rec)); err != nil {
		return Metadata{}, errors.Wrapf(err, "could not write key %q", key)
	}
	s.notify(Mutation{Op: OpPut, Namespace: ns, Record: rec})
	return rec.Metadata(), nil
}

// Get returns the current record for key. If version is given it must
// match the current version, otherwise ErrVersionNotRetained is returned.
func (s *Store) Get(ns string, key []byte, version *uint32) (Record, error) {
	release, err := s.acquire(ns)
	if err != nil {
		return Record{}, err
	}
	defer release()

	buf, err := s.engine.Get(recordKey(ns, key))
	if err != nil {
		if errors.Is(err, ErrEngineKeyNotFound) {
			return Record{}, errors.Wrapf(ErrKeyNotFound, "key %q", key)
		}
		return Record{}, errors.Wrapf(err, "could not read key %q", key)
	}
	rec, err := decodeRecord(key, buf)
	if err != nil {
		return Record{}, err
	}
	if version != nil && *version != rec.Version {
		return Record{}, errors.Wrapf(ErrVersionNotRetained,
			"key %q: requested version %d, current version %d", key, *version, rec.Version)
	}
	return rec, nil
}

// GetMetadata returns the metadata of the current record for key
func (s *Store) GetMetadata(ns string, key []byte) (Metadata, error) {
	rec, err := s.Get(ns, key, nil)
	if err != nil {
		return Metadata{}, err
	}
	return rec.Metadata(), nil
}

// Delete removes key from the namespace. Deleting an absent key succeeds.
func (s *Store) Delete(ns string, key []byte) error {
	release, err := s.acquire(ns)
	if err != nil {
		return err
	}
	defer release()

	unlock := s.lockKey(ns, key)
	defer unlock()

	rk := recordKey(ns, key)
	if _, err := s.engine.Get(rk); err != nil {
		if errors.Is(err, ErrEngineKeyNotFound) {
			return nil
		}
		return errors.Wrapf(err, "could not read key %q", key)
	}
	if err := s.engine.Delete(rk); err != nil {
		return errors.Wrapf(err, "could not delete key %q", key)
	}
	s.notify(Mutation{Op: OpDelete, Namespace: ns, Record: Record{Key: append([]byte(nil), key...)}})
	return nil
}

// ListKeys returns keys with their metadata in ascending byte order,
// starting strictly after opts.StartKey.
func (s *Store) ListKeys(ns string, opts ListOptions) (KeyPage, error) {
	release, err := s.acquire(ns)
	if err != nil {
		return KeyPage{}, err
	}
	defer release()

	limit := opts.limit()
	prefix := recordPrefix(ns)
	page := KeyPage{Keys: make([]KeyMetadata, 0, min(limit, 64))}
	var decodeErr error
	err = s.engine.Scan(prefix, startBound(prefix, opts.StartKey), func(k, v []byte) bool {
		key := k[len(prefix):]
		md, err := decodeMetadata(key, v)
		if err != nil {
			decodeErr = err
			return false
		}
		page.Keys = append(page.Keys, KeyMetadata{Key: append([]byte(nil), key...), Metadata: md})
		return len(page.Keys) < limit
	})
	if err != nil {
		return KeyPage{}, errors.Wrapf(err, "could not list namespace %q", ns)
	}
	if decodeErr != nil {
		return KeyPage{}, decodeErr
	}
	if n := len(page.Keys); n > 0 {
		page.LastKey = page.Keys[n-1].Key
	}
	return page, nil
}

// Scan returns up to opts.Limit full records whose key satisfies match,
// walking keys after opts.StartKey in ascending order.
func (s *Store) Scan(ns string, opts ListOptions, match func(key []byte) bool) (ScanPage, error) {
	release, err := s.acquire(ns)
	if err != nil {
		return ScanPage{}, err
	}
	defer release()

	limit := opts.limit()
	prefix := recordPrefix(ns)
	page := ScanPage{Done: true}
	var decodeErr error
	err = s.engine.Scan(prefix, startBound(prefix, opts.StartKey), func(k, v []byte) bool {
		key := k[len(prefix):]
		page.LastKey = append(page.LastKey[:0], key...)
		if match != nil && !match(key) {
			return true
		}
		rec, err := decodeRecord(key, v)
		if err != nil {
			decodeErr = err
			return false
		}
		page.Records = append(page.Records, rec)
		if len(page.Records) >= limit {
			page.Done = false
			return false
		}
		return true
	})
	if err != nil {
		return ScanPage{}, errors.Wrapf(err, "could not scan namespace %q", ns)
	}
	if decodeErr != nil {
		return ScanPage{}, decodeErr
	}
	return page, nil
}

// Import writes a record exactly as given, keeping its version, crc and
// creation time. It is used to copy records between nodes and is
// idempotent for identical records.
func (s *Store) Import(ns string, rec Record) error {
	if Checksum(rec.Value) != rec.CRC {
		return errors.Wrapf(ErrChecksumMismatch, "import of key %q", rec.Key)
	}

	release, err := s.acquire(ns)
	if err != nil {
		return err
	}
	defer release()

	unlock := s.lockKey(ns, rec.Key)
	defer unlock()

	rec.Key = append([]byte(nil), rec.Key...)
	rec.Value = append([]byte{}, rec.Value...)
	rec.CreationTime = rec.CreationTime.Round(0).UTC()
	if err := s.engine.Set(recordKey(ns, rec.Key), encodeRecord(rec)); err != nil {
		return errors.Wrapf(err, "could not import key %q", rec.Key)
	}
	s.notify(Mutation{Op: OpPut, Namespace: ns, Record: rec})
	return nil
}

// Apply applies a mutation received from another node.
func (s *Store) Apply(m Mutation) error {
	switch m.Op {
	case OpPut:
		return s.Import(m.Namespace, m.Record)
	case OpDelete:
		return s.Delete(m.Namespace, m.Record.Key)
	default:
		return errors.Newf("unknown mutation op %q", m.Op)
	}
}

// DeleteMatching removes every key of the namespace that satisfies match.
// Observers are not notified; this is a maintenance operation used when a
// node gives up or discards data it does not own.
func (s *Store) DeleteMatching(ns string, match func(key []byte) bool) (int, error) {
	deleted := 0
	var after []byte
	for {
		page, err := s.keysMatching(ns, after, match)
		if err != nil {
			return deleted, err
		}
		for _, key := range page.keys {
			if err := s.deleteQuiet(ns, key); err != nil {
				return deleted, err
			}
			deleted++
		}
		if page.done {
			return deleted, nil
		}
		after = page.last
	}
}

type keyBatch struct {
	keys [][]byte
	last []byte
	done bool
}

func (s *Store) keysMatching(ns string, after []byte, match func(key []byte) bool) (keyBatch, error) {
	release, err := s.acquire(ns)
	if err != nil {
		return keyBatch{}, err
	}
	defer release()

	prefix := recordPrefix(ns)
	batch := keyBatch{done: true}
	err = s.engine.Scan(prefix, startBound(prefix, after), func(k, _ []byte) bool {
		key := append([]byte(nil), k[len(prefix):]...)
		batch.last = key
		if match(key) {
			batch.keys = append(batch.keys, key)
		}
		if len(batch.keys) >= MaxListLimit {
			batch.done = false
			return false
		}
		return true
	})
	return batch, err
}

func (s *Store) deleteQuiet(ns string, key []byte) error {
	release, err := s.acquire(ns)
	if err != nil {
		return err
	}
	defer release()

	unlock := s.lockKey(ns, key)
	defer unlock()
	return s.engine.Delete(recordKey(ns, key))
}

// Stats returns engine statistics
func (s *Store) Stats() EngineStats {
	return s.engine.Stats()
}

// Close closes the underlying engine
func (s *Store) Close() error {
	return s.engine.Close()
}

// startBound converts a namespace-relative exclusive start key into an
// engine key.
func startBound(prefix, start []byte) []byte {
	if start == nil {
		return nil
	}
	out := make([]byte, 0, len(prefix)+len(start))
	out = append(out, prefix...)
	return append(out, start...)
}
