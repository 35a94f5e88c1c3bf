// Package shard implements the per-partition state a storage node keeps for
// the partitions it owns or is handing off.
//
// A Shard does not hold data; all records live in the node's single
// storage.Store. The shard decides whether an operation on its partition may
// run right now and, during a migration, keeps the ordered backlog of writes
// that still have to be replayed on the new owner.
//
// # States
//
//	Active     reads and writes served
//	Migrating  reads and writes served, writes recorded in the backlog
//	  frozen   reads served, writes redirected to the target
//	Draining   everything redirected to the new owner
//
// # Write admission
//
// Every write calls BeginWrite before touching the store and the returned
// function after. Freeze uses that in-flight count to wait, for a bounded
// time, until no admitted write is still running, so the backlog it returns
// is complete.
package shard
