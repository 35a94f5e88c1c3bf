package partition

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// State is the lifecycle state of a partition.
type State string

const (
	// StateActive means the owner serves reads and writes
	StateActive State = "active"
	// StateMigrating means the owner still serves the partition while its
	// data is being copied to Entry.Target
	StateMigrating State = "migrating"
	// StateDraining means the node no longer owns the partition and only
	// waits for its local copy to be deleted. It is a node-local state and
	// never appears in a committed table.
	StateDraining State = "draining"
)

// Entry is the ownership record of one partition.
type Entry struct {
	Owner  string `json:"owner"`
	State  State  `json:"state"`
	Target string `json:"target,omitempty"`
}

// Table maps every partition to its owner. A Table is immutable; the With*
// builders return a new table whose epoch is one higher, so holders of a
// *Table can share it across goroutines without locking.
type Table struct {
	epoch   uint64
	entries []Entry
}

// NewTable creates a table at the given epoch where partition i is owned by
// owners[i] and every partition is active.
func NewTable(epoch uint64, owners []string) *Table {
	entries := make([]Entry, len(owners))
	for i, o := range owners {
		entries[i] = Entry{Owner: o, State: StateActive}
	}
	return &Table{epoch: epoch, entries: entries}
}

// Epoch returns the table version. Larger is newer.
func (t *Table) Epoch() uint64 { return t.epoch }

// Count returns the number of partitions
func (t *Table) Count() uint32 { return uint32(len(t.entries)) }

// Entry returns the ownership record of pid
func (t *Table) Entry(pid uint32) Entry { return t.entries[pid] }

// Owner returns the owner of pid
func (t *Table) Owner(pid uint32) string { return t.entries[pid].Owner }

// Lookup resolves a key to its partition and ownership record
func (t *Table) Lookup(ns string, key []byte) (uint32, Entry) {
	pid := ID(ns, key, t.Count())
	return pid, t.entries[pid]
}

// Owners returns a copy of the owner column
func (t *Table) Owners() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Owner
	}
	return out
}

// OwnedBy returns the partitions owned by id in ascending order
func (t *Table) OwnedBy(id string) []uint32 {
	var out []uint32
	for pid, e := range t.entries {
		if e.Owner == id {
			out = append(out, uint32(pid))
		}
	}
	return out
}

// Migrating returns the partitions currently marked migrating
func (t *Table) Migrating() map[uint32]Entry {
	out := make(map[uint32]Entry)
	for pid, e := range t.entries {
		if e.State == StateMigrating {
			out[uint32(pid)] = e
		}
	}
	return out
}

func (t *Table) next() *Table {
	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)
	return &Table{epoch: t.epoch + 1, entries: entries}
}

// WithMigrating marks pid as migrating to target.
func (t *Table) WithMigrating(pid uint32, target string) *Table {
	n := t.next()
	n.entries[pid].State = StateMigrating
	n.entries[pid].Target = target
	return n
}

// WithOwner hands pid to owner and makes it active.
func (t *Table) WithOwner(pid uint32, owner string) *Table {
	n := t.next()
	n.entries[pid] = Entry{Owner: owner, State: StateActive}
	return n
}

// Move is a partition whose desired owner differs from its live owner.
type Move struct {
	Partition uint32 `json:"partition"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// Diff lists the partitions whose owner in desired differs from live, in
// ascending partition order.
func Diff(live *Table, desired []string) []Move {
	var moves []Move
	for pid, e := range live.entries {
		if pid >= len(desired) {
			break
		}
		if e.Owner != desired[pid] {
			moves = append(moves, Move{Partition: uint32(pid), From: e.Owner, To: desired[pid]})
		}
	}
	return moves
}

// Snapshot is the wire form of a Table. Owners holds, for each partition,
// an index into Servers.
type Snapshot struct {
	Epoch     uint64            `json:"epoch"`
	Servers   []string          `json:"servers"`
	Owners    []uint32          `json:"owners"`
	Migrating map[uint32]string `json:"migrating,omitempty"`
}

// Snapshot encodes the table for transport.
func (t *Table) Snapshot() Snapshot {
	index := make(map[string]uint32)
	for _, e := range t.entries {
		if _, ok := index[e.Owner]; !ok {
			index[e.Owner] = 0
		}
	}
	servers := make([]string, 0, len(index))
	for s := range index {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	for i, s := range servers {
		index[s] = uint32(i)
	}

	snap := Snapshot{
		Epoch:   t.epoch,
		Servers: servers,
		Owners:  make([]uint32, len(t.entries)),
	}
	for pid, e := range t.entries {
		snap.Owners[pid] = index[e.Owner]
		if e.State == StateMigrating {
			if snap.Migrating == nil {
				snap.Migrating = make(map[uint32]string)
			}
			snap.Migrating[uint32(pid)] = e.Target
		}
	}
	return snap
}

// FromSnapshot decodes a table received over the wire.
func FromSnapshot(s Snapshot) (*Table, error) {
	if len(s.Owners) == 0 {
		return nil, errors.New("partition table snapshot has no partitions")
	}
	entries := make([]Entry, len(s.Owners))
	for pid, idx := range s.Owners {
		if int(idx) >= len(s.Servers) {
			return nil, errors.Newf("partition %d refers to unknown server index %d", pid, idx)
		}
		entries[pid] = Entry{Owner: s.Servers[idx], State: StateActive}
	}
	for pid, target := range s.Migrating {
		if int(pid) >= len(entries) {
			return nil, errors.Newf("migrating partition %d out of range", pid)
		}
		entries[pid].State = StateMigrating
		entries[pid].Target = target
	}
	return &Table{epoch: s.Epoch, entries: entries}, nil
}
