package partition

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	jump "github.com/dgryski/go-jump"
	"golang.org/x/exp/slices"
)

// ErrNoAvailableServer is returned when an assignment is requested for an
// empty member set.
var ErrNoAvailableServer = errors.New("no available storage server")

// Member is a storage server as seen by the assignment function.
type Member struct {
	ID      string
	AddedAt time.Time
}

// Assign computes the desired owner of every partition for a member set.
//
// Members are ordered by (AddedAt, ID) so the result depends only on the set,
// not on the order it was passed in. Each partition id is hashed on its own
// with jump consistent hash over the member count. Adding a member that sorts
// last (the newest server) only moves partitions into the new member's bucket,
// which is about count/(n+1) partitions.
//
// Returns:
//   - a slice of length count where element i is the owner of partition i
//   - ErrNoAvailableServer if members is empty
func Assign(members []Member, count uint32) ([]string, error) {
	if len(members) == 0 {
		return nil, ErrNoAvailableServer
	}
	if count == 0 {
		return nil, errors.New("partition count must be positive")
	}

	ordered := slices.Clone(members)
	slices.SortFunc(ordered, func(a, b Member) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	owners := make([]string, count)
	for pid := uint32(0); pid < count; pid++ {
		bucket := jump.Hash(mix64(uint64(pid)), len(ordered))
		owners[pid] = ordered[bucket].ID
	}
	return owners, nil
}

// Counts returns how many partitions each owner holds
func Counts(owners []string) map[string]uint32 {
	out := make(map[string]uint32)
	for _, o := range owners {
		out[o]++
	}
	return out
}

// mix64 is the SplitMix64 finalizer. Sequential partition ids are too
// regular to feed to jump hash directly.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
