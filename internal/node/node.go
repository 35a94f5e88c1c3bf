// Package node implements a storage node: the node-side router that resolves
// key operations to partitions, and the node's half of the migration
// protocol.
package node

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/storage"
	"go.uber.org/zap"
)

// errNoTable is returned until the node has received a partition table.
var errNoTable = errors.Wrap(cluster.ErrNoAvailableServer, "node has not received a partition table")

// Config configures a Node.
type Config struct {
	ID      string
	Store   *storage.Store
	Logger  *zap.Logger
	Metrics *metrics.Storage
}

// Node represents a storage node in the cluster. It owns one record store
// holding the data of every partition it serves, and a Shard per partition
// that it serves or is handing off.
//
// Routing model:
//   - Each request takes the current table (an immutable snapshot)
//   - The partition is computed from namespace and key
//   - A local shard, if present, decides (serve or redirect)
//   - Otherwise the table decides: served when the node owns the partition,
//     redirected to the owner when it does not
//
// Concurrency model:
//   - The table is swapped atomically, never mutated
//   - The shard map is guarded by an RWMutex; shards synchronize themselves
//   - Store operations never hold node locks
type Node struct {
	id      string
	store   *storage.Store
	logger  *zap.Logger
	metrics *metrics.Storage

	table   atomic.Pointer[partition.Table]
	tableMu sync.Mutex // Serializes ApplyTable

	mu     sync.RWMutex // Protects shards
	shards map[uint32]*shard.Shard
}

// New creates a node and hooks it into the store's write observer so writes
// to migrating partitions are recorded in their backlog.
func New(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("node id cannot be empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("node requires a record store")
	}
	n := &Node{
		id:      cfg.ID,
		store:   cfg.Store,
		logger:  logging.OrNop(cfg.Logger).With(zap.String("node", cfg.ID)),
		metrics: cfg.Metrics,
		shards:  make(map[uint32]*shard.Shard),
	}
	n.store.SetObserver(n.observe)
	return n, nil
}

// ID returns the node id
func (n *Node) ID() string { return n.id }

// Store returns the node's record store
func (n *Node) Store() *storage.Store { return n.store }

// Table returns the current partition table, or nil before the first one
// arrives.
func (n *Node) Table() *partition.Table { return n.table.Load() }

func (n *Node) observe(m storage.Mutation) {
	t := n.table.Load()
	if t == nil {
		return
	}
	pid := partition.ID(m.Namespace, m.Record.Key, t.Count())
	n.mu.RLock()
	sh := n.shards[pid]
	n.mu.RUnlock()
	if sh != nil {
		sh.Record(m)
	}
}

func (n *Node) lookupShard(pid uint32) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[pid]
}

// ownedShard returns the shard of a partition the table assigns to this
// node, creating it on first use.
func (n *Node) ownedShard(pid uint32) *shard.Shard {
	n.mu.Lock()
	defer n.mu.Unlock()
	sh := n.shards[pid]
	if sh == nil {
		sh = shard.New(pid)
		n.shards[pid] = sh
	}
	return sh
}

// route resolves a key to the shard that must handle it.
func (n *Node) route(ns string, key []byte, given *uint32) (*shard.Shard, error) {
	t := n.table.Load()
	if t == nil {
		return nil, errNoTable
	}
	pid := partition.ID(ns, key, t.Count())
	if given != nil && *given != pid {
		return nil, errors.Wrapf(cluster.ErrWrongPartition, "got %d, key belongs to %d", *given, pid)
	}
	if sh := n.lookupShard(pid); sh != nil {
		return sh, nil
	}
	if owner := t.Owner(pid); owner != n.id {
		return nil, cluster.Redirect(pid, owner)
	}
	return n.ownedShard(pid), nil
}

// serves reports whether reads for pid are answered locally.
func (n *Node) serves(t *partition.Table, pid uint32) bool {
	if sh := n.lookupShard(pid); sh != nil {
		state, _ := sh.State()
		return state != partition.StateDraining
	}
	return t.Owner(pid) == n.id
}

func (n *Node) instrument(op string, started time.Time, err error) {
	result := metrics.ResultOK
	if _, ok := cluster.AsRedirect(err); ok {
		result = metrics.ResultRedirect
	} else if err != nil {
		result = metrics.ResultError
	}
	n.metrics.Observe(op, result, started)
}

// CreateNamespace creates a namespace on this node. Idempotent.
func (n *Node) CreateNamespace(_ context.Context, name string) error {
	return n.store.CreateNamespace(name)
}

// DeleteNamespace deletes a namespace and all its records on this node
func (n *Node) DeleteNamespace(_ context.Context, name string) error {
	return n.store.DeleteNamespace(name)
}

// Namespaces lists the namespaces present on this node
func (n *Node) Namespaces(_ context.Context) ([]string, error) {
	return n.store.Namespaces(), nil
}

// Put stores a value if this node accepts writes for the key's partition.
//
// Returns:
//   - the new record metadata on success
//   - *cluster.RedirectError when another node owns the partition or the
//     partition is frozen for cutover
//   - storage errors unmodified
func (n *Node) Put(ctx context.Context, req cluster.PutRequest) (storage.Metadata, error) {
	started := time.Now()
	md, err := n.put(req)
	n.instrument("put", started, err)
	if err != nil {
		logging.WithContext(ctx, n.logger).Debug("put failed", zap.String("namespace", req.NamespaceID), zap.Error(err))
	}
	return md, err
}

func (n *Node) put(req cluster.PutRequest) (storage.Metadata, error) {
	sh, err := n.route(req.NamespaceID, req.Key, req.PartitionID)
	if err != nil {
		return storage.Metadata{}, err
	}
	done, err := sh.BeginWrite(storage.OpPut)
	if err != nil {
		return storage.Metadata{}, err
	}
	defer done()
	return n.store.Put(req.NamespaceID, req.Key, req.Value, req.CRC)
}

// Get returns the current record of a key
func (n *Node) Get(_ context.Context, req cluster.GetRequest) (storage.Record, error) {
	started := time.Now()
	rec, err := n.get(req)
	n.instrument("get", started, err)
	return rec, err
}

func (n *Node) get(req cluster.GetRequest) (storage.Record, error) {
	sh, err := n.route(req.NamespaceID, req.Key, req.PartitionID)
	if err != nil {
		return storage.Record{}, err
	}
	if err := sh.BeginRead(); err != nil {
		return storage.Record{}, err
	}
	return n.store.Get(req.NamespaceID, req.Key, req.Version)
}

// GetMetadata returns the metadata of a key's current record. A requested
// version must match the current one.
func (n *Node) GetMetadata(ctx context.Context, req cluster.GetRequest) (storage.Metadata, error) {
	rec, err := n.Get(ctx, req)
	if err != nil {
		return storage.Metadata{}, err
	}
	return rec.Metadata(), nil
}

// Delete removes a key. Deleting an absent key succeeds.
func (n *Node) Delete(_ context.Context, req cluster.DeleteRequest) error {
	started := time.Now()
	err := n.delete(req)
	n.instrument("delete", started, err)
	return err
}

func (n *Node) delete(req cluster.DeleteRequest) error {
	sh, err := n.route(req.NamespaceID, req.Key, req.PartitionID)
	if err != nil {
		return err
	}
	done, err := sh.BeginWrite(storage.OpDelete)
	if err != nil {
		return err
	}
	defer done()
	return n.store.Delete(req.NamespaceID, req.Key)
}

// ListKeys lists keys of the partitions this node serves, in ascending byte
// order. Records of partitions being received or handed off are skipped.
func (n *Node) ListKeys(_ context.Context, ns string, opts storage.ListOptions) (storage.KeyPage, error) {
	t := n.table.Load()
	if t == nil {
		return storage.KeyPage{}, errNoTable
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	limit = min(limit, storage.MaxListLimit)

	out := storage.KeyPage{Keys: []storage.KeyMetadata{}}
	start := opts.StartKey
	for len(out.Keys) < limit {
		page, err := n.store.ListKeys(ns, storage.ListOptions{StartKey: start, Limit: limit})
		if err != nil {
			return storage.KeyPage{}, err
		}
		for _, km := range page.Keys {
			if n.serves(t, partition.ID(ns, km.Key, t.Count())) {
				out.Keys = append(out.Keys, km)
				if len(out.Keys) == limit {
					break
				}
			}
		}
		if len(page.Keys) < limit {
			break
		}
		start = page.LastKey
	}
	if k := len(out.Keys); k > 0 {
		out.LastKey = out.Keys[k-1].Key
	}
	return out, nil
}

// ApplyTable installs a newer partition table. Tables whose epoch is not
// newer than the current one are ignored. Draining shards of partitions
// the new table assigns elsewhere are forgotten; their requests now follow
// the table.
func (n *Node) ApplyTable(_ context.Context, snap partition.Snapshot) error {
	t, err := partition.FromSnapshot(snap)
	if err != nil {
		return errors.Mark(err, cluster.ErrBadRequest)
	}

	n.tableMu.Lock()
	defer n.tableMu.Unlock()
	if cur := n.table.Load(); cur != nil && cur.Epoch() >= t.Epoch() {
		return nil
	}
	n.table.Store(t)
	if n.metrics != nil {
		n.metrics.TableEpoch.Set(float64(t.Epoch()))
	}

	n.mu.Lock()
	for pid, sh := range n.shards {
		if state, _ := sh.State(); state == partition.StateDraining && t.Owner(pid) != n.id {
			delete(n.shards, pid)
		}
	}
	n.mu.Unlock()

	n.logger.Info("partition table applied",
		zap.Uint64("epoch", t.Epoch()),
		zap.Int("owned", len(t.OwnedBy(n.id))))
	return nil
}

// Shards returns the state of every shard the node tracks, by partition
func (n *Node) Shards() []shard.ShardInfo {
	n.mu.RLock()
	out := make([]shard.ShardInfo, 0, len(n.shards))
	for _, sh := range n.shards {
		out = append(out, sh.Info())
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
