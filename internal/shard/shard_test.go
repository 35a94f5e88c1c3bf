package shard

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(key string) storage.Mutation {
	return storage.Mutation{Op: storage.OpPut, Namespace: "ns", Record: storage.Record{Key: []byte(key)}}
}

// TestNewShard checks the initial state of a shard
func TestNewShard(t *testing.T) {
	s := New(17)
	state, target := s.State()
	assert.Equal(t, partition.StateActive, state)
	assert.Empty(t, target)
	assert.Equal(t, uint32(17), s.Info().ID)
}

func TestActiveShardServesEverything(t *testing.T) {
	s := New(1)
	require.NoError(t, s.BeginRead())
	done, err := s.BeginWrite(storage.OpPut)
	require.NoError(t, err)
	done()
	done, err = s.BeginWrite(storage.OpDelete)
	require.NoError(t, err)
	done()

	// nothing is recorded outside a migration
	s.Record(put("k"))
	info := s.Info()
	assert.Equal(t, 0, info.Backlog)
	assert.Equal(t, uint64(1), info.Gets)
	assert.Equal(t, uint64(1), info.Puts)
	assert.Equal(t, uint64(1), info.Deletes)
}

func TestMigrationLifecycle(t *testing.T) {
	s := New(3)
	require.NoError(t, s.BeginMigration("s2"))

	// writes are still accepted and recorded in order
	for _, k := range []string{"a", "b"} {
		done, err := s.BeginWrite(storage.OpPut)
		require.NoError(t, err)
		s.Record(put(k))
		done()
	}
	backlog, err := s.TakeBacklog()
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	assert.Equal(t, []byte("a"), backlog[0].Record.Key)
	assert.Equal(t, []byte("b"), backlog[1].Record.Key)

	s.Record(put("c"))
	residual, err := s.Freeze(context.Background(), time.Second, 0)
	require.NoError(t, err)
	require.Len(t, residual, 1)

	// frozen: reads yes, writes redirect
	require.NoError(t, s.BeginRead())
	_, err = s.BeginWrite(storage.OpPut)
	re, ok := cluster.AsRedirect(err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), re.Partition)
	assert.Equal(t, "s2", re.Owner)

	require.NoError(t, s.CompleteCutover())
	require.NoError(t, s.CompleteCutover())
	state, target := s.State()
	assert.Equal(t, partition.StateDraining, state)
	assert.Equal(t, "s2", target)

	_, ok = cluster.AsRedirect(s.BeginRead())
	assert.True(t, ok, "draining shards redirect reads")
	assert.True(t, errors.Is(s.Abort(), cluster.ErrNotOwner), "cutover is terminal")
	assert.Equal(t, uint64(2), s.Info().Redirects)
}

func TestBeginMigrationRules(t *testing.T) {
	s := New(1)
	require.NoError(t, s.BeginMigration("s2"))
	s.Record(put("x"))
	require.NoError(t, s.BeginMigration("s2"), "same target restarts")
	assert.Equal(t, 0, s.Info().Backlog)
	assert.True(t, errors.Is(s.BeginMigration("s3"), cluster.ErrNotOwner))

	require.NoError(t, s.Abort())
	state, _ := s.State()
	assert.Equal(t, partition.StateActive, state)
	require.NoError(t, s.Abort())

	_, err := s.TakeBacklog()
	assert.True(t, errors.Is(err, cluster.ErrNotOwner))
	_, err = s.Freeze(context.Background(), time.Millisecond, 0)
	assert.True(t, errors.Is(err, cluster.ErrNotOwner))
	assert.True(t, errors.Is(s.CompleteCutover(), cluster.ErrNotOwner))
}

func TestFreezeWaitsForInflightWrites(t *testing.T) {
	s := New(5)
	require.NoError(t, s.BeginMigration("s2"))
	done, err := s.BeginWrite(storage.OpPut)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Record(put("late"))
		done()
	}()

	residual, err := s.Freeze(context.Background(), 5*time.Second, 0)
	require.NoError(t, err)
	require.Len(t, residual, 1)
	assert.Equal(t, []byte("late"), residual[0].Record.Key)
	assert.Equal(t, 0, s.Info().InFlight)
}

func TestFreezeTimeoutUnfreezes(t *testing.T) {
	s := New(5)
	require.NoError(t, s.BeginMigration("s2"))
	done, err := s.BeginWrite(storage.OpPut)
	require.NoError(t, err)
	defer done()

	_, err = s.Freeze(context.Background(), 10*time.Millisecond, 0)
	assert.True(t, errors.Is(err, cluster.ErrCutoverTimeout))

	// writes are accepted again and the shard is still migrating
	d, err := s.BeginWrite(storage.OpPut)
	require.NoError(t, err)
	d()
	state, _ := s.State()
	assert.Equal(t, partition.StateMigrating, state)
	assert.False(t, s.Info().Frozen)
}

func TestFreezeLeaseExpires(t *testing.T) {
	s := New(3)
	require.NoError(t, s.BeginMigration("s2"))
	_, err := s.Freeze(context.Background(), 10*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = s.BeginWrite(storage.OpPut)
	_, ok := cluster.AsRedirect(err)
	require.True(t, ok, "writes redirect within the lease")

	time.Sleep(60 * time.Millisecond)
	done, err := s.BeginWrite(storage.OpPut)
	require.NoError(t, err, "writes resume once the lease is over")
	s.Record(put("after"))
	done()

	info := s.Info()
	assert.False(t, info.Frozen)
	assert.Equal(t, partition.StateMigrating, info.State)
	assert.Equal(t, 1, info.Backlog, "the backlog keeps recording")
	assert.True(t, errors.Is(s.CompleteCutover(), cluster.ErrNotOwner), "an expired freeze cannot be cut over")

	// a new freeze starts a new lease
	residual, err := s.Freeze(context.Background(), 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Len(t, residual, 1)
	require.NoError(t, s.CompleteCutover())
}

func TestExpiredLeaseWithoutWritesStillCutsOver(t *testing.T) {
	s := New(3)
	require.NoError(t, s.BeginMigration("s2"))
	_, err := s.Freeze(context.Background(), 10*time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// nothing was written since the freeze, so the residual is complete
	require.NoError(t, s.CompleteCutover())
	_, err = s.BeginWrite(storage.OpPut)
	_, ok := cluster.AsRedirect(err)
	assert.True(t, ok)
}
