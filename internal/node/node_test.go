package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testCount = 16

func newTestNode(t *testing.T, id string) *Node {
	t.Helper()
	store, err := storage.New(storage.Config{Engine: storage.NewMemoryEngine()})
	require.NoError(t, err)
	n, err := New(Config{
		ID:      id,
		Store:   store,
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.NewStorage(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return n
}

func uniform(owner string) []string {
	owners := make([]string, testCount)
	for i := range owners {
		owners[i] = owner
	}
	return owners
}

func applyTable(t *testing.T, n *Node, table *partition.Table) {
	t.Helper()
	require.NoError(t, n.ApplyTable(context.Background(), table.Snapshot()))
}

// keyIn finds a key of ns that falls into pid.
func keyIn(ns string, pid uint32) []byte {
	for i := 0; ; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		if partition.ID(ns, k, testCount) == pid {
			return k
		}
	}
}

func TestNodeWithoutTable(t *testing.T) {
	n := newTestNode(t, "s1")
	_, err := n.Put(context.Background(), cluster.PutRequest{NamespaceID: "ns", Key: []byte("k")})
	assert.True(t, errors.Is(err, cluster.ErrNoAvailableServer))
}

func TestNodeServesOwnedPartitions(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "s1")
	applyTable(t, n, partition.NewTable(1, uniform("s1")))
	require.NoError(t, n.CreateNamespace(ctx, "orders"))

	md, err := n.Put(ctx, cluster.PutRequest{NamespaceID: "orders", Key: []byte("o-42"), Value: []byte("v1")})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), md.Version)
	md, err = n.Put(ctx, cluster.PutRequest{NamespaceID: "orders", Key: []byte("o-42"), Value: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), md.Version)

	rec, err := n.Get(ctx, cluster.GetRequest{NamespaceID: "orders", Key: []byte("o-42")})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Value)

	one := uint32(1)
	_, err = n.GetMetadata(ctx, cluster.GetRequest{NamespaceID: "orders", Key: []byte("o-42"), Version: &one})
	assert.True(t, errors.Is(err, storage.ErrVersionNotRetained))

	wrong := (partition.ID("orders", []byte("o-42"), testCount) + 1) % testCount
	_, err = n.Get(ctx, cluster.GetRequest{NamespaceID: "orders", Key: []byte("o-42"), PartitionID: &wrong})
	assert.True(t, errors.Is(err, cluster.ErrWrongPartition))

	require.NoError(t, n.Delete(ctx, cluster.DeleteRequest{NamespaceID: "orders", Key: []byte("o-42")}))
	_, err = n.Get(ctx, cluster.GetRequest{NamespaceID: "orders", Key: []byte("o-42")})
	assert.True(t, errors.Is(err, storage.ErrKeyNotFound))
}

func TestNodeRedirectsForeignPartitions(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "s1")
	owners := uniform("s1")
	owners[3] = "s2"
	applyTable(t, n, partition.NewTable(1, owners))
	require.NoError(t, n.CreateNamespace(ctx, "ns"))

	_, err := n.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keyIn("ns", 3), Value: []byte("x")})
	re, ok := cluster.AsRedirect(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "s2", re.Owner)
	assert.Equal(t, uint32(3), re.Partition)

	_, err = n.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keyIn("ns", 4), Value: []byte("x")})
	require.NoError(t, err)
}

func TestApplyTableIgnoresStaleEpochs(t *testing.T) {
	n := newTestNode(t, "s1")
	applyTable(t, n, partition.NewTable(5, uniform("s1")))
	applyTable(t, n, partition.NewTable(4, uniform("s2")))
	assert.Equal(t, uint64(5), n.Table().Epoch())
	assert.Equal(t, "s1", n.Table().Owner(0))

	applyTable(t, n, partition.NewTable(6, uniform("s2")))
	assert.Equal(t, uint64(6), n.Table().Epoch())

	assert.Error(t, n.ApplyTable(context.Background(), partition.Snapshot{Epoch: 9}))
}

// TestHandoff drives the node side of a partition move between two nodes by
// hand, interleaving client writes with every phase.
func TestHandoff(t *testing.T) {
	ctx := context.Background()
	const pid = uint32(7)
	src := newTestNode(t, "s1")
	dst := newTestNode(t, "s2")
	table := partition.NewTable(1, uniform("s1"))
	applyTable(t, src, table)
	applyTable(t, dst, table)
	for _, n := range []*Node{src, dst} {
		require.NoError(t, n.CreateNamespace(ctx, "ns"))
	}

	var keys [][]byte
	for i := 0; len(keys) < 20; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		if partition.ID("ns", k, testCount) == pid {
			keys = append(keys, k)
		}
	}
	for _, k := range keys[:10] {
		_, err := src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: k, Value: []byte("old")})
		require.NoError(t, err)
	}

	// prepare
	table = table.WithMigrating(pid, "s2")
	applyTable(t, src, table)
	applyTable(t, dst, table)
	require.NoError(t, dst.DropPartition(ctx, pid))
	require.NoError(t, src.BeginMigration(ctx, pid, "s2"))
	assert.True(t, errors.Is(src.DropPartition(ctx, pid), cluster.ErrNotOwner), "served partitions are never dropped")

	// bulk copy with a concurrent write in between
	page, err := src.ExportPartition(ctx, cluster.ExportRequest{Partition: pid, Namespace: "ns", Limit: 4})
	require.NoError(t, err)
	_, err = src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keys[0], Value: []byte("new")})
	require.NoError(t, err)
	copied := 0
	for {
		muts := make([]storage.Mutation, 0, len(page.Records))
		for _, rec := range page.Records {
			muts = append(muts, storage.Mutation{Op: storage.OpPut, Namespace: "ns", Record: rec})
		}
		require.NoError(t, dst.Import(ctx, pid, muts))
		copied += len(page.Records)
		if page.Done {
			break
		}
		page, err = src.ExportPartition(ctx, cluster.ExportRequest{Partition: pid, Namespace: "ns", StartKey: page.LastKey, Limit: 4})
		require.NoError(t, err)
	}
	assert.Equal(t, 10, copied)

	// catch-up
	for _, k := range keys[10:] {
		_, err := src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: k, Value: []byte("late")})
		require.NoError(t, err)
	}
	require.NoError(t, src.Delete(ctx, cluster.DeleteRequest{NamespaceID: "ns", Key: keys[1]}))
	backlog, err := src.TakeBacklog(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, backlog, 12)
	require.NoError(t, dst.Import(ctx, pid, backlog))

	// cutover
	_, err = src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keys[2], Value: []byte("last")})
	require.NoError(t, err)
	residual, err := src.Freeze(ctx, pid, time.Second, time.Minute)
	require.NoError(t, err)
	require.Len(t, residual, 1)
	_, err = src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keys[3], Value: []byte("rejected")})
	_, ok := cluster.AsRedirect(err)
	assert.True(t, ok, "frozen partition redirects writes")
	_, err = src.Get(ctx, cluster.GetRequest{NamespaceID: "ns", Key: keys[3]})
	assert.NoError(t, err, "frozen partition still serves reads")

	require.NoError(t, dst.Import(ctx, pid, residual))
	require.NoError(t, src.CompleteCutover(ctx, pid))
	require.NoError(t, dst.AcceptPartition(ctx, pid))
	table = table.WithOwner(pid, "s2")
	applyTable(t, src, table)
	applyTable(t, dst, table)

	// source redirects, target has identical records
	_, err = src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keys[3], Value: []byte("x")})
	re, ok := cluster.AsRedirect(err)
	require.True(t, ok)
	assert.Equal(t, "s2", re.Owner)

	for _, k := range keys {
		want, werr := src.Store().Get("ns", k, nil)
		got, gerr := dst.Get(ctx, cluster.GetRequest{NamespaceID: "ns", Key: k})
		if errors.Is(werr, storage.ErrKeyNotFound) {
			assert.True(t, errors.Is(gerr, storage.ErrKeyNotFound), "key %s", k)
			continue
		}
		require.NoError(t, werr)
		require.NoError(t, gerr)
		assert.Equal(t, want.Value, got.Value, "key %s", k)
		assert.Equal(t, want.Version, got.Version, "key %s", k)
		assert.Equal(t, want.CRC, got.CRC, "key %s", k)
	}

	// finalize
	require.NoError(t, src.DropPartition(ctx, pid))
	for _, k := range keys {
		_, err := src.Store().Get("ns", k, nil)
		assert.True(t, errors.Is(err, storage.ErrKeyNotFound))
	}
	md, err := dst.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keys[0], Value: []byte("after")})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), md.Version)
}

// TestCutoverNeverServesStaleReads walks the cutover steps one at a time
// and checks that at each point at most one node answers for the
// partition.
func TestCutoverNeverServesStaleReads(t *testing.T) {
	ctx := context.Background()
	const pid = uint32(4)
	src := newTestNode(t, "s1")
	dst := newTestNode(t, "s2")
	table := partition.NewTable(1, uniform("s1")).WithMigrating(pid, "s2")
	for _, n := range []*Node{src, dst} {
		applyTable(t, n, table)
		require.NoError(t, n.CreateNamespace(ctx, "ns"))
	}
	key := keyIn("ns", pid)
	_, err := src.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	require.NoError(t, src.BeginMigration(ctx, pid, "s2"))
	page, err := src.ExportPartition(ctx, cluster.ExportRequest{Partition: pid, Namespace: "ns"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.NoError(t, dst.Import(ctx, pid, []storage.Mutation{{Op: storage.OpPut, Namespace: "ns", Record: page.Records[0]}}))
	residual, err := src.Freeze(ctx, pid, time.Second, time.Minute)
	require.NoError(t, err)
	require.Empty(t, residual)

	redirectsTo := func(n *Node, owner string) {
		t.Helper()
		_, err := n.Get(ctx, cluster.GetRequest{NamespaceID: "ns", Key: key})
		re, ok := cluster.AsRedirect(err)
		require.True(t, ok, "want redirect from %s, got %v", n.ID(), err)
		assert.Equal(t, owner, re.Owner)
	}

	// frozen: the source still answers reads, the target does not
	rec, err := src.Get(ctx, cluster.GetRequest{NamespaceID: "ns", Key: key})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Value)
	redirectsTo(dst, "s1")

	// drained but not yet accepted: nobody answers
	require.NoError(t, src.CompleteCutover(ctx, pid))
	redirectsTo(src, "s2")
	redirectsTo(dst, "s1")
	_, err = dst.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: key, Value: []byte("early")})
	_, ok := cluster.AsRedirect(err)
	assert.True(t, ok, "the target takes no writes before it accepts")

	// accepted, table not yet pushed: only the target answers
	require.NoError(t, dst.AcceptPartition(ctx, pid))
	md, err := dst.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: key, Value: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), md.Version)
	redirectsTo(src, "s2")
	rec, err = dst.Get(ctx, cluster.GetRequest{NamespaceID: "ns", Key: key})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Value)

	// committed
	table = table.WithOwner(pid, "s2")
	applyTable(t, src, table)
	applyTable(t, dst, table)
	redirectsTo(src, "s2")
	require.NoError(t, src.DropPartition(ctx, pid))
	redirectsTo(src, "s2")
}

func TestFreezeLeaseResumesWrites(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "s1")
	applyTable(t, n, partition.NewTable(1, uniform("s1")))
	require.NoError(t, n.CreateNamespace(ctx, "ns"))
	key := keyIn("ns", 3)

	require.NoError(t, n.BeginMigration(ctx, 3, "s2"))
	_, err := n.Freeze(ctx, 3, 50*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = n.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: key, Value: []byte("v")})
	_, ok := cluster.AsRedirect(err)
	require.True(t, ok, "got %v", err)

	require.Eventually(t, func() bool {
		_, err := n.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: key, Value: []byte("v")})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(n.CompleteCutover(ctx, 3), cluster.ErrNotOwner))

	backlog, err := n.TakeBacklog(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, backlog, 1)
}

func TestAbortRestoresWrites(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "s1")
	applyTable(t, n, partition.NewTable(1, uniform("s1")))
	require.NoError(t, n.CreateNamespace(ctx, "ns"))

	require.NoError(t, n.BeginMigration(ctx, 2, "s2"))
	_, err := n.Freeze(ctx, 2, time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, n.AbortMigration(ctx, 2))

	_, err = n.Put(ctx, cluster.PutRequest{NamespaceID: "ns", Key: keyIn("ns", 2), Value: []byte("v")})
	assert.NoError(t, err)
	_, err = n.TakeBacklog(ctx, 2)
	assert.True(t, errors.Is(err, cluster.ErrNotOwner))
	assert.NoError(t, n.AbortMigration(ctx, 9))
}

func TestImportRefusesServedPartitions(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "s1")
	applyTable(t, n, partition.NewTable(1, uniform("s1")))
	require.NoError(t, n.CreateNamespace(ctx, "ns"))

	err := n.Import(ctx, 1, nil)
	assert.True(t, errors.Is(err, cluster.ErrNotOwner))
}

func TestListKeysSkipsForeignData(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "s1")
	owners := uniform("s1")
	owners[5] = "s2"
	applyTable(t, n, partition.NewTable(1, owners))
	require.NoError(t, n.CreateNamespace(ctx, "ns"))

	var foreign, local int
	for i := 0; i < 60; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		rec := storage.Record{Key: k, Value: []byte("v"), Version: 1, CRC: storage.Checksum([]byte("v"))}
		require.NoError(t, n.Store().Import("ns", rec))
		if partition.ID("ns", k, testCount) == 5 {
			foreign++
		} else {
			local++
		}
	}
	require.NotZero(t, foreign)

	var seen int
	var start []byte
	for {
		page, err := n.ListKeys(ctx, "ns", storage.ListOptions{StartKey: start, Limit: 7})
		require.NoError(t, err)
		for _, km := range page.Keys {
			assert.NotEqual(t, uint32(5), partition.ID("ns", km.Key, testCount))
		}
		seen += len(page.Keys)
		if len(page.Keys) < 7 {
			break
		}
		start = page.LastKey
	}
	assert.Equal(t, local, seen)
}
