package storage

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleConfig configures a PebbleEngine.
type PebbleConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all files in a memory-backed filesystem (tests).
	InMemory bool
	// NoSync skips fsync on every write. Only for tests and benchmarks.
	NoSync bool
}

// PebbleEngine implements Engine on top of a Pebble LSM.
type PebbleEngine struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

var _ Engine = (*PebbleEngine)(nil)

// OpenPebble opens (creating if missing) a Pebble database
func OpenPebble(cfg PebbleConfig) (*PebbleEngine, error) {
	opts := &pebble.Options{}
	path := cfg.Path
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = ""
	} else if path == "" {
		return nil, errors.New("pebble: data path is required")
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open pebble store at %q", path)
	}

	writeOpts := pebble.Sync
	if cfg.NoSync {
		writeOpts = pebble.NoSync
	}
	return &PebbleEngine{db: db, writeOpts: writeOpts}, nil
}

// Get retrieves a copy of the value stored under key
func (e *PebbleEngine) Get(key []byte) ([]byte, error) {
	val, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrEngineKeyNotFound
		}
		return nil, mapPebbleError(err)
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

// Set stores value under key
func (e *PebbleEngine) Set(key, value []byte) error {
	return mapPebbleError(e.db.Set(key, value, e.writeOpts))
}

// Delete removes key
func (e *PebbleEngine) Delete(key []byte) error {
	return mapPebbleError(e.db.Delete(key, e.writeOpts))
}

// DeletePrefix removes every key under prefix with a single range tombstone
func (e *PebbleEngine) DeletePrefix(prefix []byte) error {
	end := prefixEnd(prefix)
	if end == nil {
		return errors.Newf("pebble: cannot delete unbounded prefix %x", prefix)
	}
	return mapPebbleError(e.db.DeleteRange(prefix, end, e.writeOpts))
}

// Scan implements Engine.Scan with a bounded Pebble iterator
func (e *PebbleEngine) Scan(prefix, after []byte, fn func(key, value []byte) bool) error {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return mapPebbleError(err)
	}
	defer iter.Close()

	for ok := iter.SeekGE(scanStart(prefix, after)); ok; ok = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return mapPebbleError(iter.Error())
}

// Stats walks the whole keyspace. It is meant for diagnostics endpoints.
func (e *PebbleEngine) Stats() EngineStats {
	var stats EngineStats
	iter, err := e.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return stats
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		stats.Keys++
		stats.Bytes += len(iter.Value())
	}
	return stats
}

// Close flushes and closes the database
func (e *PebbleEngine) Close() error {
	return e.db.Close()
}

func mapPebbleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pebble.ErrClosed) {
		return ErrClosed
	}
	return errors.Wrap(err, "pebble")
}
