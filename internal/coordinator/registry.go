package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/partition"
	"go.uber.org/zap"
)

// Persister stores registry state durably. Implementations must make each
// call atomic.
type Persister interface {
	Load() ([]cluster.StorageServer, *partition.Snapshot, error)
	SaveServer(s cluster.StorageServer, table partition.Snapshot) error
	SaveTable(table partition.Snapshot) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Count is the partition count used when the cluster is bootstrapped.
	// A persisted table keeps its own count.
	Count     uint32
	Persister Persister
	Logger    *zap.Logger
	Metrics   *metrics.Admin
	Clock     func() time.Time
}

// Registry is the authoritative set of storage servers and the owner of the
// live partition table.
//
// Two locks give the ordering guarantees:
//   - mu serializes "register + recompute", the single ordering point of
//     membership changes
//   - tableMu serializes table replacements so epochs are linearizable
//
// Readers never take either lock: the server list and the table are
// immutable values behind atomic pointers.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Registry struct {
	count   uint32
	persist Persister
	logger  *zap.Logger
	metrics *metrics.Admin
	clock   func() time.Time

	mu      sync.Mutex // Serializes membership changes
	servers atomic.Pointer[[]cluster.StorageServer]
	desired atomic.Pointer[[]string]

	tableMu sync.Mutex // Serializes table replacements
	table   atomic.Pointer[partition.Table]

	onMoves func([]partition.Move)
}

// NewRegistry creates a registry, restoring persisted state if any.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		count:   cfg.Count,
		persist: cfg.Persister,
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	if r.count == 0 {
		r.count = partition.DefaultCount
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	empty := []cluster.StorageServer{}
	r.servers.Store(&empty)

	if r.persist == nil {
		return r, nil
	}
	servers, snap, err := r.persist.Load()
	if err != nil {
		return nil, errors.Wrap(err, "could not load registry state")
	}
	sort.Slice(servers, func(i, j int) bool { return lessServer(servers[i], servers[j]) })
	r.servers.Store(&servers)
	if snap != nil {
		t, err := partition.FromSnapshot(*snap)
		if err != nil {
			return nil, errors.Wrap(err, "persisted partition table is invalid")
		}
		r.table.Store(t)
		r.count = t.Count()
	}
	if len(servers) > 0 {
		desired, err := partition.Assign(members(servers), r.count)
		if err != nil {
			return nil, err
		}
		r.desired.Store(&desired)
	}
	r.updateGauges()
	r.logger.Info("registry restored", zap.Int("servers", len(servers)), zap.Uint64("epoch", r.Epoch()))
	return r, nil
}

func lessServer(a, b cluster.StorageServer) bool {
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.Before(b.AddedAt)
	}
	return a.ID < b.ID
}

func members(servers []cluster.StorageServer) []partition.Member {
	out := make([]partition.Member, len(servers))
	for i, s := range servers {
		out[i] = partition.Member{ID: s.ID, AddedAt: s.AddedAt}
	}
	return out
}

// setMoveHandler installs the function that receives the moves produced by
// membership changes.
func (r *Registry) setMoveHandler(fn func([]partition.Move)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMoves = fn
}

// AddStorageServer registers a server and recomputes the desired
// assignment.
//
// The first server bootstraps the cluster: it gets an epoch 1 table owning
// every partition. Later servers change only the desired assignment; the
// resulting moves are handed to the migration coordinator and the live
// table changes partition by partition as each move commits.
//
// Returns:
//   - the registered server, with NumPartitions set to its share of the
//     new assignment
//   - the moves handed off
//   - ErrDuplicateID if id is registered, ErrBadRequest for empty fields
func (r *Registry) AddStorageServer(ctx context.Context, id, uri string) (cluster.StorageServer, []partition.Move, error) {
	id, uri = strings.TrimSpace(id), strings.TrimSpace(uri)
	if id == "" || uri == "" {
		return cluster.StorageServer{}, nil, errors.Wrap(cluster.ErrBadRequest, "server id and uri are required")
	}
	logger := logging.WithContext(ctx, r.logger).With(zap.String("operation", "AddStorageServer"), zap.String("server", id))

	r.mu.Lock()
	current := *r.servers.Load()
	for _, s := range current {
		if s.ID == id {
			r.mu.Unlock()
			return cluster.StorageServer{}, nil, errors.Wrapf(cluster.ErrDuplicateID, "server %q", id)
		}
	}

	// Assignment order is registration order, so a clock that stepped back
	// must not sort the new server in front of existing ones.
	added := r.clock().Round(0).UTC()
	for _, s := range current {
		if !added.After(s.AddedAt) {
			added = s.AddedAt.Add(time.Millisecond)
		}
	}
	server := cluster.StorageServer{ID: id, URI: uri, AddedAt: added}
	next := make([]cluster.StorageServer, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, server)
	sort.Slice(next, func(i, j int) bool { return lessServer(next[i], next[j]) })

	desired, err := partition.Assign(members(next), r.count)
	if err != nil {
		r.mu.Unlock()
		return cluster.StorageServer{}, nil, err
	}
	server.NumPartitions = partition.Counts(desired)[id]
	for i := range next {
		if next[i].ID == id {
			next[i] = server
		}
	}

	r.tableMu.Lock()
	live := r.table.Load()
	var moves []partition.Move
	if live == nil {
		live = partition.NewTable(1, desired)
	} else {
		moves = partition.Diff(live, desired)
	}
	if r.persist != nil {
		if err := r.persist.SaveServer(server, live.Snapshot()); err != nil {
			r.tableMu.Unlock()
			r.mu.Unlock()
			return cluster.StorageServer{}, nil, errors.Wrap(err, "could not persist server")
		}
	}
	r.table.Store(live)
	r.tableMu.Unlock()

	r.servers.Store(&next)
	r.desired.Store(&desired)
	handler := r.onMoves
	r.mu.Unlock()

	r.updateGauges()
	logger.Info("storage server registered",
		zap.String("uri", uri),
		zap.Uint32("num_partitions", server.NumPartitions),
		zap.Int("moves", len(moves)))
	if handler != nil && len(moves) > 0 {
		handler(moves)
	}
	return server, moves, nil
}

// ListStorageServers returns the registered servers in registration order
func (r *Registry) ListStorageServers() []cluster.StorageServer {
	servers := *r.servers.Load()
	out := make([]cluster.StorageServer, len(servers))
	copy(out, servers)
	return out
}

// Server returns a registered server by id
func (r *Registry) Server(id string) (cluster.StorageServer, error) {
	for _, s := range *r.servers.Load() {
		if s.ID == id {
			return s, nil
		}
	}
	return cluster.StorageServer{}, errors.Wrapf(cluster.ErrUnknownServer, "server %q", id)
}

// ServerByNumber returns the server at position n in registration order
func (r *Registry) ServerByNumber(n int) (cluster.StorageServer, error) {
	servers := *r.servers.Load()
	if n < 0 || n >= len(servers) {
		return cluster.StorageServer{}, errors.Wrapf(cluster.ErrUnknownServer, "storage node number %d (have %d)", n, len(servers))
	}
	return servers[n], nil
}

// Table returns the live partition table or ErrNoAvailableServer before the
// first server registers.
func (r *Registry) Table() (*partition.Table, error) {
	t := r.table.Load()
	if t == nil {
		return nil, cluster.ErrNoAvailableServer
	}
	return t, nil
}

// Epoch returns the live table epoch, zero before bootstrap
func (r *Registry) Epoch() uint64 {
	if t := r.table.Load(); t != nil {
		return t.Epoch()
	}
	return 0
}

// DesiredOwner returns the owner the current membership assigns to pid
func (r *Registry) DesiredOwner(pid uint32) string {
	d := r.desired.Load()
	if d == nil || int(pid) >= len(*d) {
		return ""
	}
	return (*d)[pid]
}

// PendingMoves lists partitions whose live owner differs from the desired one
func (r *Registry) PendingMoves() []partition.Move {
	t := r.table.Load()
	d := r.desired.Load()
	if t == nil || d == nil {
		return nil
	}
	return partition.Diff(t, *d)
}

// replaceTable applies fn to the live table under tableMu and persists the
// result before publishing it.
func (r *Registry) replaceTable(fn func(*partition.Table) (*partition.Table, error)) (*partition.Table, error) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()

	live := r.table.Load()
	if live == nil {
		return nil, cluster.ErrNoAvailableServer
	}
	next, err := fn(live)
	if err != nil || next == live {
		return next, err
	}
	if r.persist != nil {
		if err := r.persist.SaveTable(next.Snapshot()); err != nil {
			return nil, errors.Wrap(err, "could not persist partition table")
		}
	}
	r.table.Store(next)
	if r.metrics != nil {
		r.metrics.TableEpoch.Set(float64(next.Epoch()))
	}
	return next, nil
}

// MarkMigrating records that pid is being moved from its owner to target.
// Marking an already marked partition is a no-op.
func (r *Registry) MarkMigrating(pid uint32, from, target string) (*partition.Table, error) {
	return r.replaceTable(func(t *partition.Table) (*partition.Table, error) {
		if pid >= t.Count() {
			return nil, errors.Wrapf(cluster.ErrBadRequest, "partition %d out of range", pid)
		}
		e := t.Entry(pid)
		if e.Owner != from {
			return nil, errors.Wrapf(cluster.ErrNotOwner, "partition %d is owned by %s, not %s", pid, e.Owner, from)
		}
		if e.State == partition.StateMigrating && e.Target == target {
			return t, nil
		}
		return t.WithMigrating(pid, target), nil
	})
}

// CommitCutover makes target the active owner of pid. Committing a
// partition already owned by target is a no-op.
func (r *Registry) CommitCutover(pid uint32, target string) (*partition.Table, error) {
	next, err := r.replaceTable(func(t *partition.Table) (*partition.Table, error) {
		if pid >= t.Count() {
			return nil, errors.Wrapf(cluster.ErrBadRequest, "partition %d out of range", pid)
		}
		if e := t.Entry(pid); e.Owner == target && e.State == partition.StateActive {
			return t, nil
		}
		return t.WithOwner(pid, target), nil
	})
	if err == nil {
		r.logger.Info("cutover committed",
			zap.Uint32("partition", pid),
			zap.String("owner", target),
			zap.Uint64("epoch", next.Epoch()))
	}
	return next, err
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.Servers.Set(float64(len(*r.servers.Load())))
	r.metrics.TableEpoch.Set(float64(r.Epoch()))
}
