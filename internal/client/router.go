package client

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RouterConfig configures a Router. Zero durations and counts take
// defaults.
type RouterConfig struct {
	Admin          *AdminClient
	Logger         *zap.Logger
	MaxAttempts    uint64        // Tries per key operation
	InitialBackoff time.Duration // First wait after a redirect or transport error
	MaxBackoff     time.Duration
}

// Router resolves keys to storage servers with a cached copy of the admin's
// partition table.
//
// Routing:
//   - A key operation goes to the owner the cached table names
//   - A redirect refreshes the table; if the refreshed table does not advance,
//     the next try goes to the owner the redirect named
//   - Redirects and transport errors are retried with exponential backoff,
//     other errors are returned as is
//
// The cached table never moves to an older epoch.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Router struct {
	admin  *AdminClient
	logger *zap.Logger
	cfg    RouterConfig

	table   atomic.Pointer[partition.Table]
	servers atomic.Pointer[map[string]cluster.StorageServer]
	order   atomic.Pointer[[]cluster.StorageServer]

	refreshMu sync.Mutex // Serializes Refresh
	clientsMu sync.Mutex
	clients   map[string]*NodeClient
}

// NewRouter creates a router. Call Refresh or let the first operation load
// the table.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 20 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Second
	}
	r := &Router{
		admin:   cfg.Admin,
		logger:  logging.OrNop(cfg.Logger).With(zap.String("component", "router")),
		cfg:     cfg,
		clients: make(map[string]*NodeClient),
	}
	empty := map[string]cluster.StorageServer{}
	r.servers.Store(&empty)
	r.order.Store(&[]cluster.StorageServer{})
	return r
}

// Table returns the cached table, nil before the first refresh
func (r *Router) Table() *partition.Table { return r.table.Load() }

// Refresh fetches the server list and the table from the admin. A table
// older than the cached one is ignored.
func (r *Router) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	servers, err := r.admin.ListStorageServers(ctx)
	if err != nil {
		return errors.Wrap(err, "list storage servers")
	}
	byID := make(map[string]cluster.StorageServer, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	r.servers.Store(&byID)
	r.order.Store(&servers)

	t, err := r.admin.Table(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch partition table")
	}
	if cur := r.table.Load(); cur == nil || t.Epoch() > cur.Epoch() {
		r.table.Store(t)
		r.logger.Debug("partition table refreshed", zap.Uint64("epoch", t.Epoch()))
	}
	return nil
}

func (r *Router) currentTable(ctx context.Context) (*partition.Table, error) {
	if t := r.table.Load(); t != nil {
		return t, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r.table.Load(), nil
}

// client returns the client of a server id, refreshing the server list once
// if the id is not known yet.
func (r *Router) client(ctx context.Context, id string) (*NodeClient, error) {
	s, ok := (*r.servers.Load())[id]
	if !ok {
		if err := r.Refresh(ctx); err != nil {
			return nil, err
		}
		if s, ok = (*r.servers.Load())[id]; !ok {
			return nil, errors.Wrapf(cluster.ErrUnknownServer, "server %q", id)
		}
	}
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	c := r.clients[id]
	if c == nil || c.URI() != normalize(s.URI) {
		c = NewNodeClient(s.URI)
		r.clients[id] = c
	}
	return c, nil
}

func (r *Router) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxAttempts-1), ctx)
}

// route runs fn against the server that owns key, retrying redirects and
// transport failures.
func (r *Router) route(ctx context.Context, ns string, key []byte, fn func(ctx context.Context, c *NodeClient, pid uint32) error) error {
	hint := ""
	op := func() error {
		t, err := r.currentTable(ctx)
		if err != nil {
			if errors.Is(err, cluster.ErrTransport) {
				return err
			}
			return backoff.Permanent(err)
		}
		pid := partition.ID(ns, key, t.Count())
		owner := t.Owner(pid)
		if hint != "" {
			owner, hint = hint, ""
		}
		c, err := r.client(ctx, owner)
		if err != nil {
			return err
		}

		err = fn(ctx, c, pid)
		if re, ok := cluster.AsRedirect(err); ok {
			if refreshErr := r.Refresh(ctx); refreshErr != nil {
				r.logger.Debug("refresh after redirect failed", zap.Error(refreshErr))
			}
			if cur := r.table.Load(); cur.Epoch() == t.Epoch() || cur.Owner(pid) == owner {
				hint = re.Owner
			}
			return err
		}
		if err != nil && !errors.Is(err, cluster.ErrTransport) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, r.retryPolicy(ctx))
}

// Put stores value under key and returns the new metadata
func (r *Router) Put(ctx context.Context, ns string, key, value []byte, crc *uint32) (storage.Metadata, error) {
	var md storage.Metadata
	err := r.route(ctx, ns, key, func(ctx context.Context, c *NodeClient, pid uint32) (err error) {
		md, err = c.Put(ctx, cluster.PutRequest{NamespaceID: ns, PartitionID: &pid, Key: key, Value: value, CRC: crc})
		return err
	})
	return md, err
}

// Get returns the current record of key. A given version must be the
// current one.
func (r *Router) Get(ctx context.Context, ns string, key []byte, version *uint32) (storage.Record, error) {
	var rec storage.Record
	err := r.route(ctx, ns, key, func(ctx context.Context, c *NodeClient, pid uint32) (err error) {
		rec, err = c.Get(ctx, cluster.GetRequest{NamespaceID: ns, PartitionID: &pid, Key: key, Version: version})
		return err
	})
	return rec, err
}

// GetMetadata returns the metadata of key's current record
func (r *Router) GetMetadata(ctx context.Context, ns string, key []byte, version *uint32) (storage.Metadata, error) {
	var md storage.Metadata
	err := r.route(ctx, ns, key, func(ctx context.Context, c *NodeClient, pid uint32) (err error) {
		md, err = c.GetMetadata(ctx, cluster.GetRequest{NamespaceID: ns, PartitionID: &pid, Key: key, Version: version})
		return err
	})
	return md, err
}

// Delete removes key. Deleting an absent key succeeds.
func (r *Router) Delete(ctx context.Context, ns string, key []byte) error {
	return r.route(ctx, ns, key, func(ctx context.Context, c *NodeClient, pid uint32) error {
		return c.Delete(ctx, cluster.DeleteRequest{NamespaceID: ns, PartitionID: &pid, Key: key})
	})
}

// broadcast runs fn on every registered server concurrently
func (r *Router) broadcast(ctx context.Context, fn func(ctx context.Context, c *NodeClient) error) error {
	if _, err := r.currentTable(ctx); err != nil {
		return err
	}
	servers := *r.order.Load()
	if len(servers) == 0 {
		return cluster.ErrNoAvailableServer
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			c, err := r.client(gctx, s.ID)
			if err != nil {
				return err
			}
			op := func() error {
				err := fn(gctx, c)
				if err != nil && !errors.Is(err, cluster.ErrTransport) {
					return backoff.Permanent(err)
				}
				return err
			}
			if err := backoff.Retry(op, r.retryPolicy(gctx)); err != nil {
				return errors.Wrapf(err, "server %s", s.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

// CreateNamespace creates a namespace on every server. Idempotent.
func (r *Router) CreateNamespace(ctx context.Context, name string) error {
	return r.broadcast(ctx, func(ctx context.Context, c *NodeClient) error {
		return c.CreateNamespace(ctx, name)
	})
}

// DeleteNamespace deletes a namespace and its records on every server
func (r *Router) DeleteNamespace(ctx context.Context, name string) error {
	return r.broadcast(ctx, func(ctx context.Context, c *NodeClient) error {
		return c.DeleteNamespace(ctx, name)
	})
}

// ListKeys merges one page from every server into a single page in
// ascending key order. A key reported by two servers during a cutover is
// listed once, with the higher version.
func (r *Router) ListKeys(ctx context.Context, ns string, opts storage.ListOptions) (storage.KeyPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	limit = min(limit, storage.MaxListLimit)

	var mu sync.Mutex
	var all []storage.KeyMetadata
	err := r.broadcast(ctx, func(ctx context.Context, c *NodeClient) error {
		page, err := c.ListKeys(ctx, cluster.ListKeysRequest{NamespaceID: ns, Limit: limit, StartKey: opts.StartKey})
		if err != nil {
			return err
		}
		mu.Lock()
		all = append(all, page.Keys...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return storage.KeyPage{}, err
	}

	sort.Slice(all, func(i, j int) bool {
		if c := bytes.Compare(all[i].Key, all[j].Key); c != 0 {
			return c < 0
		}
		return all[i].Metadata.Version > all[j].Metadata.Version
	})
	out := storage.KeyPage{Keys: make([]storage.KeyMetadata, 0, min(limit, len(all)))}
	for _, km := range all {
		if n := len(out.Keys); n > 0 && bytes.Equal(out.Keys[n-1].Key, km.Key) {
			continue
		}
		out.Keys = append(out.Keys, km)
		if len(out.Keys) == limit {
			break
		}
	}
	if n := len(out.Keys); n > 0 {
		out.LastKey = out.Keys[n-1].Key
	}
	return out, nil
}

// Servers returns the cached server list in registration order
func (r *Router) Servers() []cluster.StorageServer {
	return append([]cluster.StorageServer(nil), *r.order.Load()...)
}
