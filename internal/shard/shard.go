package shard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
)

// Shard is a node's view of one partition it owns or is handing off.
//
// State machine:
//
//	Active ──BeginMigration──▶ Migrating ──Freeze──▶ Migrating(frozen) ──CompleteCutover──▶ Draining
//	   ▲                        │    ▲                   │
//	   │                        │    └──lease expires────┤
//	   └─────────Abort──────────┴────────Abort───────────┘
//
// While Migrating, every accepted write is appended to a backlog in the
// order the store applied it. While frozen, writes are rejected with a
// redirect to the target but reads are still served. A freeze holds for
// a lease; the first write after it expires unfreezes the shard. Draining
// redirects everything.
type Shard struct {
	ID    uint32      // Partition id
	Stats *ShardStats // Operation statistics

	mu        sync.Mutex // Protects the fields below
	state     partition.State
	target    string
	frozen    bool
	thawAt    time.Time // end of the freeze lease
	recording bool
	backlog   []storage.Mutation
	inflight  int
	idle      chan struct{} // closed when inflight reaches zero, nil when nobody waits
}

// DefaultFreezeLease bounds a freeze when the caller gives no lease
const DefaultFreezeLease = 30 * time.Second

// ShardStats tracks operation counts of a shard
type ShardStats struct {
	Gets      atomic.Uint64
	Puts      atomic.Uint64
	Deletes   atomic.Uint64
	Redirects atomic.Uint64
}

// ShardInfo describes a shard's current state
type ShardInfo struct {
	ID        uint32          `json:"id"`
	State     partition.State `json:"state"`
	Target    string          `json:"target,omitempty"`
	Frozen    bool            `json:"frozen,omitempty"`
	Backlog   int             `json:"backlog"`
	InFlight  int             `json:"in_flight"`
	Gets      uint64          `json:"gets"`
	Puts      uint64          `json:"puts"`
	Deletes   uint64          `json:"deletes"`
	Redirects uint64          `json:"redirects"`
}

// New creates an active shard for partition id
func New(id uint32) *Shard {
	return &Shard{ID: id, state: partition.StateActive, Stats: &ShardStats{}}
}

// State returns the current state and migration target
func (s *Shard) State() (partition.State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.target
}

// BeginRead admits a read. Draining shards redirect to the new owner.
func (s *Shard) BeginRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == partition.StateDraining {
		s.Stats.Redirects.Add(1)
		return cluster.Redirect(s.ID, s.target)
	}
	s.Stats.Gets.Add(1)
	return nil
}

// BeginWrite admits a write and returns the function that must be called
// once the write has been applied to the store. Frozen or draining shards
// redirect to the migration target.
func (s *Shard) BeginWrite(op storage.Op) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen && s.state == partition.StateMigrating && !time.Now().Before(s.thawAt) {
		// The cutover did not complete in time. Recording goes on and a
		// later CompleteCutover is refused.
		s.frozen = false
	}
	if s.state == partition.StateDraining || s.frozen {
		s.Stats.Redirects.Add(1)
		return nil, cluster.Redirect(s.ID, s.target)
	}
	if op == storage.OpDelete {
		s.Stats.Deletes.Add(1)
	} else {
		s.Stats.Puts.Add(1)
	}
	s.inflight++
	return s.endWrite, nil
}

func (s *Shard) endWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Record appends an applied write to the backlog if one is being kept.
// It is called from the store's observer, under the key lock.
func (s *Shard) Record(m storage.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		s.backlog = append(s.backlog, m)
	}
}

// BeginMigration starts recording writes for a handoff to target. Calling
// it again for the same target restarts the recording.
func (s *Shard) BeginMigration(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == partition.StateActive:
	case s.state == partition.StateMigrating && s.target == target:
	default:
		return errors.Wrapf(cluster.ErrNotOwner, "partition %d is %s to %q", s.ID, s.state, s.target)
	}
	s.state = partition.StateMigrating
	s.target = target
	s.frozen = false
	s.recording = true
	s.backlog = nil
	return nil
}

// TakeBacklog returns and clears the recorded writes
func (s *Shard) TakeBacklog() ([]storage.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != partition.StateMigrating {
		return nil, errors.Wrapf(cluster.ErrNotOwner, "partition %d is not migrating", s.ID)
	}
	out := s.backlog
	s.backlog = nil
	return out, nil
}

// Freeze stops accepting writes for at most lease and waits up to timeout
// for in-flight writes to finish. On success it returns the residual
// backlog. On timeout the shard is unfrozen and ErrCutoverTimeout returned.
// A lease <= 0 means DefaultFreezeLease.
func (s *Shard) Freeze(ctx context.Context, timeout, lease time.Duration) ([]storage.Mutation, error) {
	if lease <= 0 {
		lease = DefaultFreezeLease
	}
	s.mu.Lock()
	if s.state != partition.StateMigrating {
		s.mu.Unlock()
		return nil, errors.Wrapf(cluster.ErrNotOwner, "partition %d is not migrating", s.ID)
	}
	s.frozen = true
	s.thawAt = time.Now().Add(lease)
	if s.inflight > 0 {
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle := s.idle
		s.mu.Unlock()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		var err error
		select {
		case <-idle:
		case <-timer.C:
			err = errors.Wrapf(cluster.ErrCutoverTimeout, "partition %d after %s", s.ID, timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.mu.Lock()
		if err != nil && s.inflight > 0 {
			s.frozen = false
			s.mu.Unlock()
			return nil, err
		}
		if !s.frozen {
			s.mu.Unlock()
			return nil, errors.Wrapf(cluster.ErrCutoverTimeout, "partition %d lease expired while waiting", s.ID)
		}
	}
	defer s.mu.Unlock()
	out := s.backlog
	s.backlog = nil
	return out, nil
}

// Abort cancels a handoff that has not passed cutover and makes the shard
// active again. Aborting an active shard is a no-op.
func (s *Shard) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == partition.StateDraining {
		return errors.Wrapf(cluster.ErrNotOwner, "partition %d already handed to %q", s.ID, s.target)
	}
	s.state = partition.StateActive
	s.target = ""
	s.frozen = false
	s.recording = false
	s.backlog = nil
	return nil
}

// CompleteCutover moves a frozen shard to Draining. Repeating it is a no-op.
// A shard whose freeze lease ran out and that accepted a write since is no
// longer frozen and refuses.
func (s *Shard) CompleteCutover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == partition.StateDraining:
		return nil
	case s.state == partition.StateMigrating && s.frozen:
	default:
		return errors.Wrapf(cluster.ErrNotOwner, "partition %d is not frozen for cutover", s.ID)
	}
	s.state = partition.StateDraining
	s.recording = false
	s.backlog = nil
	return nil
}

// Info returns a snapshot of the shard's state and counters
func (s *Shard) Info() ShardInfo {
	s.mu.Lock()
	info := ShardInfo{
		ID:       s.ID,
		State:    s.state,
		Target:   s.target,
		Frozen:   s.frozen,
		Backlog:  len(s.backlog),
		InFlight: s.inflight,
	}
	s.mu.Unlock()

	info.Gets = s.Stats.Gets.Load()
	info.Puts = s.Stats.Puts.Load()
	info.Deletes = s.Stats.Deletes.Load()
	info.Redirects = s.Stats.Redirects.Load()
	return info
}
