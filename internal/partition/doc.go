// Package partition maps keys to partitions and partitions to storage
// servers.
//
// # Overview
//
// Placement is a two step function:
//
//	(namespace, key) ──crc32 mod P──▶ partition id ──Table──▶ owner
//
// The first step (ID) is fixed for the lifetime of a cluster. The second step
// is an immutable, epoch-versioned Table that the Admin Registry replaces as
// servers join and migrations commit.
//
// # Assignment
//
// Assign computes the desired owner of every partition from the member set
// using jump consistent hash. Members are ordered by registration time, so a
// newly added server takes the last bucket and only about P/(N+1) partitions
// move when the cluster grows from N to N+1 servers.
//
// Diff compares the live table with a desired assignment and yields the
// moves the migration coordinator has to execute. The live table is never
// switched wholesale; each partition changes owner only after its data has
// been transferred.
//
// # Thread Safety
//
// Table values are immutable after construction. Share them freely and swap
// them through an atomic pointer.
package partition
