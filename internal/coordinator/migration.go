package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NodeClient is the admin's view of one storage node's migration surface.
// *node.Node implements it in-process; the client package implements it
// over HTTP.
type NodeClient interface {
	Namespaces(ctx context.Context) ([]string, error)
	CreateNamespace(ctx context.Context, name string) error
	DeleteNamespace(ctx context.Context, name string) error
	BeginMigration(ctx context.Context, pid uint32, target string) error
	ExportPartition(ctx context.Context, req cluster.ExportRequest) (cluster.ExportResponse, error)
	TakeBacklog(ctx context.Context, pid uint32) ([]storage.Mutation, error)
	Freeze(ctx context.Context, pid uint32, timeout, lease time.Duration) ([]storage.Mutation, error)
	AbortMigration(ctx context.Context, pid uint32) error
	CompleteCutover(ctx context.Context, pid uint32) error
	DropPartition(ctx context.Context, pid uint32) error
	Import(ctx context.Context, pid uint32, muts []storage.Mutation) error
	AcceptPartition(ctx context.Context, pid uint32) error
	ApplyTable(ctx context.Context, snap partition.Snapshot) error
}

// Dialer returns the client of a registered server
type Dialer func(s cluster.StorageServer) NodeClient

// Migration phases reported by Status
const (
	PhasePending    = "pending"
	PhasePrepare    = "prepare"
	PhaseBulkCopy   = "bulk-copy"
	PhaseCatchUp    = "catch-up"
	PhaseCutover    = "cutover"
	PhaseFinalize   = "finalize"
	PhaseDone       = "done"
	PhaseSuperseded = "superseded"
)

// errSuperseded ends a move whose source no longer owns the partition
var errSuperseded = errors.New("move superseded by a newer table")

// stage is how far a move got within one run
type stage int

const (
	stageCopy    stage = iota // nothing handed over
	stageFrozen               // source frozen, residual shipped
	stageDrained              // source redirects everything; only forward steps remain
)

// MigrationConfig tunes the migration coordinator. Zero fields take the
// defaults of DefaultMigrationConfig.
type MigrationConfig struct {
	RPCTimeout       time.Duration // Deadline of each call to a node
	CutoverTimeout   time.Duration // How long the source waits for in-flight writes
	FreezeLease      time.Duration // How long a frozen source waits for the cutover
	MaxCatchUpRounds int           // Backlog rounds before forcing cutover
	CutoverResidual  int           // Backlog size small enough to cut over
	ExportLimit      int           // Records per export page
	Concurrency      int           // Partitions moved at once
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Admin
}

// DefaultMigrationConfig returns the production defaults
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		RPCTimeout:       10 * time.Second,
		CutoverTimeout:   2 * time.Second,
		FreezeLease:      30 * time.Second,
		MaxCatchUpRounds: 8,
		CutoverResidual:  64,
		ExportLimit:      500,
		Concurrency:      4,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
	}
}

func (c *MigrationConfig) setDefaults() {
	d := DefaultMigrationConfig()
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.CutoverTimeout <= 0 {
		c.CutoverTimeout = d.CutoverTimeout
	}
	if c.FreezeLease <= c.CutoverTimeout {
		c.FreezeLease = max(d.FreezeLease, 4*c.CutoverTimeout)
	}
	if c.MaxCatchUpRounds <= 0 {
		c.MaxCatchUpRounds = d.MaxCatchUpRounds
	}
	if c.CutoverResidual < 0 {
		c.CutoverResidual = d.CutoverResidual
	}
	if c.ExportLimit <= 0 {
		c.ExportLimit = d.ExportLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
}

// Migrator moves partitions between storage servers.
//
// Each move runs the handoff protocol:
//  1. Prepare: mark the partition Migrating in the table, drop any partial
//     copy on the target, start the source's backlog, create namespaces
//  2. Bulk copy: page every namespace's records of the partition across
//  3. Catch-up: replay backlog rounds until the residual is small
//  4. Cutover: freeze the source, ship the residual, drain the source, let
//     the target accept, commit the new owner and push the table
//  5. Finalize: drop the source's copy
//
// Attempts that fail before the source drains are aborted and retried
// with exponential backoff until they succeed or the migrator is closed.
// A source whose freeze lease ran out refuses to drain and the move starts
// over. From the drain on the move only goes forward; each remaining step
// is idempotent and retried.
//
// A partition has at most one move running. Moves of different partitions
// run concurrently up to Concurrency.
type Migrator struct {
	cfg      MigrationConfig
	registry *Registry
	dial     Dialer
	logger   *zap.Logger
	metrics  *metrics.Admin

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	wg     sync.WaitGroup

	mu      sync.Mutex // Protects running and status
	running map[uint32]bool
	status  map[uint32]*cluster.MigrationInfo
}

// NewMigrator creates a migrator and subscribes it to the registry's
// membership changes.
func NewMigrator(registry *Registry, dial Dialer, cfg MigrationConfig) *Migrator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Migrator{
		cfg:      cfg,
		registry: registry,
		dial:     dial,
		logger:   logging.OrNop(cfg.Logger).With(zap.String("component", "migrator")),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[uint32]bool),
		status:   make(map[uint32]*cluster.MigrationInfo),
	}
	m.group.SetLimit(cfg.Concurrency)
	registry.setMoveHandler(func(moves []partition.Move) { m.Submit(moves) })
	return m
}

// Submit starts moves in the background and returns how many were started.
// Moves of partitions that already have one running are skipped.
func (m *Migrator) Submit(moves []partition.Move) int {
	if m.ctx.Err() != nil {
		return 0
	}
	now := time.Now().UTC()
	m.mu.Lock()
	start := make([]partition.Move, 0, len(moves))
	for _, mv := range moves {
		if m.running[mv.Partition] {
			continue
		}
		m.running[mv.Partition] = true
		m.status[mv.Partition] = &cluster.MigrationInfo{
			ID:        uuid.NewString(),
			Partition: mv.Partition,
			From:      mv.From,
			To:        mv.To,
			Phase:     PhasePending,
			UpdatedAt: now,
		}
		start = append(start, mv)
	}
	m.wg.Add(len(start))
	m.mu.Unlock()

	if len(start) == 0 {
		return 0
	}
	go func() {
		for _, mv := range start {
			mv := mv
			m.group.Go(func() error {
				defer m.wg.Done()
				m.run(mv)
				return nil
			})
		}
	}()
	return len(start)
}

// Resume restarts every pending move that involves server, or every
// pending move when server is empty.
func (m *Migrator) Resume(server string) int {
	var moves []partition.Move
	for _, mv := range m.registry.PendingMoves() {
		if server == "" || mv.From == server || mv.To == server {
			moves = append(moves, mv)
		}
	}
	return m.Submit(moves)
}

// RequestMigration resumes the pending moves from source to the server at
// position storageNodeNumber in registration order. An empty source means
// any source.
//
// Returns:
//   - the target server id and the number of pending moves to it
//   - ErrUnknownServer for a bad storage node number
//   - ErrMigrationInProgress when every pending move is already running
func (m *Migrator) RequestMigration(ctx context.Context, source string, storageNodeNumber int) (string, int, error) {
	target, err := m.registry.ServerByNumber(storageNodeNumber)
	if err != nil {
		return "", 0, err
	}
	var moves []partition.Move
	for _, mv := range m.registry.PendingMoves() {
		if mv.To == target.ID && (source == "" || mv.From == source) {
			moves = append(moves, mv)
		}
	}
	if len(moves) == 0 {
		return target.ID, 0, nil
	}
	started := m.Submit(moves)
	logging.WithContext(ctx, m.logger).Info("migration requested",
		zap.String("source", source),
		zap.String("target", target.ID),
		zap.Int("pending", len(moves)),
		zap.Int("started", started))
	if started == 0 {
		return target.ID, len(moves), errors.Wrapf(cluster.ErrMigrationInProgress, "%d moves to %s", len(moves), target.ID)
	}
	return target.ID, len(moves), nil
}

// Status reports every move the migrator has run or is running, by
// partition.
func (m *Migrator) Status() []cluster.MigrationInfo {
	m.mu.Lock()
	out := make([]cluster.MigrationInfo, 0, len(m.status))
	for _, info := range m.status {
		out = append(out, *info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Wait blocks until no move is running
func (m *Migrator) Wait() {
	m.wg.Wait()
}

// Close stops every running move and waits for them to return
func (m *Migrator) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Migrator) update(pid uint32, fn func(*cluster.MigrationInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.status[pid]; info != nil {
		fn(info)
		info.UpdatedAt = time.Now().UTC()
	}
}

func (m *Migrator) setPhase(pid uint32, phase string) {
	m.update(pid, func(info *cluster.MigrationInfo) { info.Phase = phase })
}

func (m *Migrator) observePhase(phase string, started time.Time) {
	if m.metrics != nil {
		m.metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(started).Seconds())
	}
}

func (m *Migrator) countAttempt(result string) {
	if m.metrics != nil {
		m.metrics.Migrations.WithLabelValues(result).Inc()
	}
}

// call runs one node round trip under the RPC timeout
func (m *Migrator) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
	defer cancel()
	return fn(ctx)
}

func (m *Migrator) client(id string) (NodeClient, error) {
	s, err := m.registry.Server(id)
	if err != nil {
		return nil, err
	}
	return m.dial(s), nil
}

// run drives one move to completion
func (m *Migrator) run(mv partition.Move) {
	var migrationID string
	m.update(mv.Partition, func(info *cluster.MigrationInfo) { migrationID = info.ID })
	logger := m.logger.With(
		zap.String("migration_id", migrationID),
		zap.Uint32("partition", mv.Partition))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	st := stageCopy
	op := func() error {
		if err := m.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		m.update(mv.Partition, func(info *cluster.MigrationInfo) {
			info.Attempts++
			info.From, info.To = mv.From, mv.To
		})
		if st == stageCopy {
			var err error
			st, err = m.attempt(&mv, logger)
			if err != nil {
				if errors.Is(err, errSuperseded) {
					return backoff.Permanent(err)
				}
				return err
			}
		}
		if st == stageFrozen {
			if err := m.drain(mv, logger); err != nil {
				if errors.Is(err, cluster.ErrNotOwner) {
					st = stageCopy
				}
				return err
			}
			st = stageDrained
		}
		return m.finish(mv, logger)
	}
	notify := func(err error, wait time.Duration) {
		m.countAttempt("retry")
		m.update(mv.Partition, func(info *cluster.MigrationInfo) { info.LastError = err.Error() })
		logger.Warn("migration attempt failed",
			zap.String("from", mv.From),
			zap.String("to", mv.To),
			zap.Bool("drained", st == stageDrained),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	started := time.Now()
	err := backoff.RetryNotify(op, backoff.WithContext(b, m.ctx), notify)

	m.mu.Lock()
	delete(m.running, mv.Partition)
	m.mu.Unlock()

	switch {
	case err == nil:
		m.countAttempt("ok")
		m.setPhase(mv.Partition, PhaseDone)
		logger.Info("partition moved",
			zap.String("from", mv.From),
			zap.String("to", mv.To),
			zap.Duration("took", time.Since(started)))
		if next := m.registry.DesiredOwner(mv.Partition); next != "" && next != mv.To {
			m.Submit([]partition.Move{{Partition: mv.Partition, From: mv.To, To: next}})
		}
	case errors.Is(err, errSuperseded):
		m.setPhase(mv.Partition, PhaseSuperseded)
		logger.Info("migration superseded", zap.Error(err))
	default:
		logger.Info("migration stopped", zap.Error(err))
	}
}

// attempt runs Prepare through the shipping of the cutover residual and
// reports the stage the move reached.
func (m *Migrator) attempt(mv *partition.Move, logger *zap.Logger) (stage, error) {
	pid := mv.Partition
	t, err := m.registry.Table()
	if err != nil {
		return stageCopy, err
	}
	e := t.Entry(pid)
	if e.Owner != mv.From {
		return stageCopy, errors.Wrapf(errSuperseded, "partition %d is owned by %s", pid, e.Owner)
	}
	src, err := m.client(mv.From)
	if err != nil {
		return stageCopy, err
	}

	// An earlier attempt may have left the source migrating or frozen.
	// Only a drained source refuses to go back to active, and it drained
	// to the target the table records.
	err = m.call(func(ctx context.Context) error { return src.AbortMigration(ctx, pid) })
	switch {
	case errors.Is(err, cluster.ErrNotOwner):
		if e.State == partition.StateMigrating {
			mv.To = e.Target
		}
		logger.Info("source already drained", zap.String("target", mv.To))
		return stageDrained, nil
	case err != nil:
		return stageCopy, errors.Wrap(err, "reset source")
	}

	// A target recorded by an earlier attempt may have accepted the
	// partition already; it then keeps it.
	if e.State == partition.StateMigrating && e.Target != mv.To {
		prev, err := m.client(e.Target)
		if err != nil {
			return stageCopy, err
		}
		accepted, err := m.clearTarget(prev, pid)
		if err != nil {
			return stageCopy, err
		}
		if accepted {
			logger.Info("earlier target already accepted the partition", zap.String("target", e.Target))
			mv.To = e.Target
			return stageDrained, nil
		}
	}

	dst, err := m.client(mv.To)
	if err != nil {
		return stageCopy, err
	}
	accepted, err := m.clearTarget(dst, pid)
	if err != nil {
		return stageCopy, err
	}
	if accepted {
		return stageDrained, nil
	}

	if err := m.handoff(*mv, src, dst, logger); err != nil {
		abortErr := m.call(func(ctx context.Context) error { return src.AbortMigration(ctx, pid) })
		if abortErr != nil {
			logger.Warn("could not abort migration on source", zap.Error(abortErr))
		}
		return stageCopy, err
	}
	return stageFrozen, nil
}

// clearTarget drops any partial copy of pid on a target. A target that
// refuses because it serves the partition has accepted it.
func (m *Migrator) clearTarget(dst NodeClient, pid uint32) (bool, error) {
	err := m.call(func(ctx context.Context) error { return dst.DropPartition(ctx, pid) })
	if errors.Is(err, cluster.ErrNotOwner) {
		return true, nil
	}
	return false, err
}

// handoff copies the partition and freezes the source
func (m *Migrator) handoff(mv partition.Move, src, dst NodeClient, logger *zap.Logger) error {
	pid := mv.Partition

	m.setPhase(pid, PhasePrepare)
	started := time.Now()
	if _, err := m.registry.MarkMigrating(pid, mv.From, mv.To); err != nil {
		if errors.Is(err, cluster.ErrNotOwner) {
			return errors.Mark(err, errSuperseded)
		}
		return err
	}
	var namespaces []string
	if err := m.call(func(ctx context.Context) (err error) {
		namespaces, err = src.Namespaces(ctx)
		return err
	}); err != nil {
		return errors.Wrap(err, "list source namespaces")
	}
	known := make(map[string]bool, len(namespaces))
	if err := m.createNamespaces(namespaces, known, src, dst); err != nil {
		return err
	}
	if err := m.call(func(ctx context.Context) error { return src.BeginMigration(ctx, pid, mv.To) }); err != nil {
		return errors.Wrap(err, "begin migration on source")
	}
	m.observePhase(PhasePrepare, started)

	m.setPhase(pid, PhaseBulkCopy)
	started = time.Now()
	copied := 0
	for _, ns := range namespaces {
		if !known[ns] {
			continue
		}
		n, err := m.copyNamespace(pid, ns, src, dst)
		copied += n
		if err != nil {
			return errors.Wrapf(err, "bulk copy of namespace %q", ns)
		}
	}
	m.observePhase(PhaseBulkCopy, started)
	logger.Debug("bulk copy done", zap.Int("records", copied))

	m.setPhase(pid, PhaseCatchUp)
	started = time.Now()
	for round := 0; round < m.cfg.MaxCatchUpRounds; round++ {
		var backlog []storage.Mutation
		if err := m.call(func(ctx context.Context) (err error) {
			backlog, err = src.TakeBacklog(ctx, pid)
			return err
		}); err != nil {
			return errors.Wrap(err, "take backlog")
		}
		if err := m.ship(pid, backlog, known, src, dst); err != nil {
			return errors.Wrap(err, "replay backlog")
		}
		if len(backlog) <= m.cfg.CutoverResidual {
			break
		}
	}
	m.observePhase(PhaseCatchUp, started)

	m.setPhase(pid, PhaseCutover)
	started = time.Now()
	var residual []storage.Mutation
	err := m.call(func(ctx context.Context) (err error) {
		residual, err = src.Freeze(ctx, pid, m.cfg.CutoverTimeout, m.cfg.FreezeLease)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "freeze source")
	}
	if err := m.ship(pid, residual, known, src, dst); err != nil {
		return errors.Wrap(err, "ship cutover residual")
	}
	m.observePhase(PhaseCutover, started)
	logger.Debug("source frozen", zap.Int("residual", len(residual)))
	return nil
}

// createNamespaces creates names on dst and marks them known. A namespace
// the source no longer lists afterwards was deleted while it was being
// created; it is removed from dst again.
func (m *Migrator) createNamespaces(names []string, known map[string]bool, src, dst NodeClient) error {
	if len(names) == 0 {
		return nil
	}
	for _, ns := range names {
		if err := m.call(func(ctx context.Context) error { return dst.CreateNamespace(ctx, ns) }); err != nil {
			return errors.Wrapf(err, "create namespace %q on target", ns)
		}
		known[ns] = true
	}

	var current []string
	if err := m.call(func(ctx context.Context) (err error) {
		current, err = src.Namespaces(ctx)
		return err
	}); err != nil {
		return errors.Wrap(err, "list source namespaces")
	}
	present := make(map[string]bool, len(current))
	for _, ns := range current {
		present[ns] = true
	}
	for _, ns := range names {
		if present[ns] {
			continue
		}
		err := m.call(func(ctx context.Context) error { return dst.DeleteNamespace(ctx, ns) })
		if err != nil && !errors.Is(err, storage.ErrNamespaceNotFound) {
			return errors.Wrapf(err, "remove deleted namespace %q from target", ns)
		}
		delete(known, ns)
	}
	return nil
}

// copyNamespace pages one namespace's records of pid from src into dst
func (m *Migrator) copyNamespace(pid uint32, ns string, src, dst NodeClient) (int, error) {
	copied := 0
	var start []byte
	for {
		var page cluster.ExportResponse
		err := m.call(func(ctx context.Context) (err error) {
			page, err = src.ExportPartition(ctx, cluster.ExportRequest{
				Partition: pid,
				Namespace: ns,
				StartKey:  start,
				Limit:     m.cfg.ExportLimit,
			})
			return err
		})
		if err != nil {
			return copied, err
		}
		if len(page.Records) > 0 {
			muts := make([]storage.Mutation, len(page.Records))
			for i, rec := range page.Records {
				muts[i] = storage.Mutation{Op: storage.OpPut, Namespace: ns, Record: rec}
			}
			if err := m.call(func(ctx context.Context) error { return dst.Import(ctx, pid, muts) }); err != nil {
				return copied, err
			}
			copied += len(muts)
			m.update(pid, func(info *cluster.MigrationInfo) { info.Copied += len(muts) })
			if m.metrics != nil {
				m.metrics.MovedRecords.Add(float64(len(muts)))
			}
		}
		if page.Done || len(page.LastKey) == 0 {
			return copied, nil
		}
		start = page.LastKey
	}
}

// ship imports mutations into dst in order, first creating on dst the
// namespaces created on src since the copy started.
func (m *Migrator) ship(pid uint32, muts []storage.Mutation, known map[string]bool, src, dst NodeClient) error {
	if len(muts) == 0 {
		return nil
	}
	refresh := false
	for _, mu := range muts {
		if !known[mu.Namespace] {
			refresh = true
			break
		}
	}
	if refresh {
		var namespaces []string
		if err := m.call(func(ctx context.Context) (err error) {
			namespaces, err = src.Namespaces(ctx)
			return err
		}); err != nil {
			return err
		}
		var added []string
		for _, ns := range namespaces {
			if !known[ns] {
				added = append(added, ns)
			}
		}
		if err := m.createNamespaces(added, known, src, dst); err != nil {
			return err
		}
	}
	if err := m.call(func(ctx context.Context) error { return dst.Import(ctx, pid, muts) }); err != nil {
		return err
	}
	m.update(pid, func(info *cluster.MigrationInfo) { info.Copied += len(muts) })
	if m.metrics != nil {
		m.metrics.MovedRecords.Add(float64(len(muts)))
	}
	return nil
}

// drain makes the frozen source redirect everything to the target. The
// target accepts only afterwards, so no read is ever answered by both. A
// source that is no longer frozen, because its freeze lease ran out or it
// restarted, refuses with ErrNotOwner and the move starts over.
func (m *Migrator) drain(mv partition.Move, logger *zap.Logger) error {
	src, err := m.client(mv.From)
	if err != nil {
		return err
	}
	err = m.call(func(ctx context.Context) error { return src.CompleteCutover(ctx, mv.Partition) })
	if errors.Is(err, cluster.ErrNotOwner) {
		logger.Warn("source unfroze before the cutover completed", zap.Error(err))
	}
	return errors.Wrap(err, "source drain")
}

// finish runs the steps after the drain. Each is idempotent so a failed
// call restarts from the top.
func (m *Migrator) finish(mv partition.Move, logger *zap.Logger) error {
	pid := mv.Partition
	src, err := m.client(mv.From)
	if err != nil {
		return err
	}
	dst, err := m.client(mv.To)
	if err != nil {
		return err
	}

	m.setPhase(pid, PhaseCutover)
	if err := m.call(func(ctx context.Context) error { return dst.AcceptPartition(ctx, pid) }); err != nil {
		return errors.Wrap(err, "target accept")
	}
	logger.Debug("target accepted", zap.String("target", mv.To))
	if _, err := m.registry.CommitCutover(pid, mv.To); err != nil {
		return errors.Wrap(err, "commit cutover")
	}
	m.PushTable()

	m.setPhase(pid, PhaseFinalize)
	started := time.Now()
	if err := m.call(func(ctx context.Context) error { return src.DropPartition(ctx, pid) }); err != nil {
		return errors.Wrap(err, "drop source copy")
	}
	m.observePhase(PhaseFinalize, started)
	return nil
}

// PushTable sends the live table to every registered server. Failures are
// logged; nodes with a stale table still redirect to the right owner
// through the draining source.
func (m *Migrator) PushTable() {
	t, err := m.registry.Table()
	if err != nil {
		return
	}
	snap := t.Snapshot()
	var g errgroup.Group
	for _, s := range m.registry.ListStorageServers() {
		s := s
		g.Go(func() error {
			c := m.dial(s)
			if err := m.call(func(ctx context.Context) error { return c.ApplyTable(ctx, snap) }); err != nil {
				m.logger.Warn("could not push partition table",
					zap.String("server", s.ID),
					zap.Uint64("epoch", snap.Epoch),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
