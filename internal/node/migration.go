package node

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/storage"
	"go.uber.org/zap"
)

// DefaultExportLimit is the page size of ExportPartition
const DefaultExportLimit = 500

func (n *Node) migratingShard(pid uint32) (*shard.Shard, error) {
	sh := n.lookupShard(pid)
	if sh == nil {
		return nil, errors.Wrapf(cluster.ErrNotOwner, "partition %d has no local shard", pid)
	}
	return sh, nil
}

// BeginMigration starts recording writes of an owned partition for a
// handoff to target.
func (n *Node) BeginMigration(_ context.Context, pid uint32, target string) error {
	t := n.table.Load()
	if t == nil {
		return errNoTable
	}
	if pid >= t.Count() {
		return errors.Wrapf(cluster.ErrBadRequest, "partition %d out of range", pid)
	}
	sh := n.lookupShard(pid)
	if sh == nil {
		if t.Owner(pid) != n.id {
			return errors.Wrapf(cluster.ErrNotOwner, "partition %d is owned by %s", pid, t.Owner(pid))
		}
		sh = n.ownedShard(pid)
	}
	if err := sh.BeginMigration(target); err != nil {
		return err
	}
	n.logger.Info("migration started", zap.Uint32("partition", pid), zap.String("target", target))
	return nil
}

// ExportPartition returns one page of the records of a partition in one
// namespace. The partition must be migrating. A namespace deleted meanwhile
// exports as empty.
func (n *Node) ExportPartition(_ context.Context, req cluster.ExportRequest) (cluster.ExportResponse, error) {
	t := n.table.Load()
	if t == nil {
		return cluster.ExportResponse{}, errNoTable
	}
	sh, err := n.migratingShard(req.Partition)
	if err != nil {
		return cluster.ExportResponse{}, err
	}
	if state, _ := sh.State(); state != partition.StateMigrating {
		return cluster.ExportResponse{}, errors.Wrapf(cluster.ErrNotOwner, "partition %d is %s", req.Partition, state)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultExportLimit
	}
	count := t.Count()
	page, err := n.store.Scan(req.Namespace, storage.ListOptions{StartKey: req.StartKey, Limit: limit}, func(key []byte) bool {
		return partition.ID(req.Namespace, key, count) == req.Partition
	})
	if errors.Is(err, storage.ErrNamespaceNotFound) {
		return cluster.ExportResponse{Records: []storage.Record{}, Done: true}, nil
	}
	if err != nil {
		return cluster.ExportResponse{}, err
	}
	if n.metrics != nil {
		n.metrics.Exported.Add(float64(len(page.Records)))
	}
	if page.Records == nil {
		page.Records = []storage.Record{}
	}
	return cluster.ExportResponse{Records: page.Records, LastKey: page.LastKey, Done: page.Done}, nil
}

// TakeBacklog returns and clears the writes recorded since the last call
func (n *Node) TakeBacklog(_ context.Context, pid uint32) ([]storage.Mutation, error) {
	sh, err := n.migratingShard(pid)
	if err != nil {
		return nil, err
	}
	return sh.TakeBacklog()
}

// Freeze stops writes to a migrating partition for at most lease and
// returns the residual backlog once in-flight writes are done, or
// ErrCutoverTimeout.
func (n *Node) Freeze(ctx context.Context, pid uint32, timeout, lease time.Duration) ([]storage.Mutation, error) {
	sh, err := n.migratingShard(pid)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	muts, err := sh.Freeze(ctx, timeout, lease)
	if err != nil {
		n.logger.Warn("freeze failed", zap.Uint32("partition", pid), zap.Error(err))
		return nil, err
	}
	n.logger.Info("partition frozen",
		zap.Uint32("partition", pid),
		zap.Int("residual", len(muts)),
		zap.Duration("waited", time.Since(started)))
	return muts, nil
}

// AbortMigration makes a migrating partition active again
func (n *Node) AbortMigration(_ context.Context, pid uint32) error {
	sh := n.lookupShard(pid)
	if sh == nil {
		return nil
	}
	if err := sh.Abort(); err != nil {
		return err
	}
	n.logger.Info("migration aborted", zap.Uint32("partition", pid))
	return nil
}

// CompleteCutover hands a frozen partition over: from now on this node
// redirects every request for it to the target.
func (n *Node) CompleteCutover(_ context.Context, pid uint32) error {
	sh, err := n.migratingShard(pid)
	if err != nil {
		return err
	}
	return sh.CompleteCutover()
}

// DropPartition deletes the local records of a partition this node does not
// serve: a partition it handed off, or a partial copy from an earlier
// attempt to receive it.
func (n *Node) DropPartition(ctx context.Context, pid uint32) error {
	t := n.table.Load()
	if t == nil {
		return errNoTable
	}
	if n.serves(t, pid) {
		return errors.Wrapf(cluster.ErrNotOwner, "refusing to drop served partition %d", pid)
	}

	count := t.Count()
	total := 0
	for _, ns := range n.store.Namespaces() {
		deleted, err := n.store.DeleteMatching(ns, func(key []byte) bool {
			return partition.ID(ns, key, count) == pid
		})
		total += deleted
		if err != nil && !errors.Is(err, storage.ErrNamespaceNotFound) {
			return err
		}
	}

	if t.Owner(pid) != n.id {
		n.mu.Lock()
		if sh := n.shards[pid]; sh != nil {
			if state, _ := sh.State(); state == partition.StateDraining {
				delete(n.shards, pid)
			}
		}
		n.mu.Unlock()
	}
	n.logger.Info("partition dropped", zap.Uint32("partition", pid), zap.Int("records", total))
	return nil
}

// Import applies mutations of a partition this node is receiving, in order.
// Mutations for namespaces that no longer exist here are skipped.
func (n *Node) Import(_ context.Context, pid uint32, muts []storage.Mutation) error {
	t := n.table.Load()
	if t == nil {
		return errNoTable
	}
	if n.serves(t, pid) {
		return errors.Wrapf(cluster.ErrNotOwner, "partition %d is already served here", pid)
	}
	for _, m := range muts {
		if got := partition.ID(m.Namespace, m.Record.Key, t.Count()); got != pid {
			return errors.Wrapf(cluster.ErrWrongPartition, "mutation for partition %d sent to %d", got, pid)
		}
		if err := n.store.Apply(m); err != nil {
			if errors.Is(err, storage.ErrNamespaceNotFound) {
				continue
			}
			return err
		}
	}
	if n.metrics != nil {
		n.metrics.Imported.Add(float64(len(muts)))
	}
	return nil
}

// AcceptPartition makes this node the active server of a partition whose
// data it has received. Repeating it is a no-op.
func (n *Node) AcceptPartition(_ context.Context, pid uint32) error {
	t := n.table.Load()
	if t == nil {
		return errNoTable
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if sh := n.shards[pid]; sh != nil {
		if state, _ := sh.State(); state != partition.StateDraining {
			return nil
		}
	}
	n.shards[pid] = shard.New(pid)
	n.logger.Info("partition accepted", zap.Uint32("partition", pid))
	return nil
}
