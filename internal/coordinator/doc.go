// Package coordinator implements the admin side of a Tessera cluster: the
// storage server registry, the live partition table, the migration
// coordinator and the health monitor.
//
// # Overview
//
// The admin is the control plane. It decides which storage server owns each
// partition and moves partitions when membership changes. It never sits on
// the data path: clients route with a cached copy of the partition table and
// storage servers redirect requests that reach the wrong place.
//
//	┌───────────────────────────────────────────┐
//	│                 ADMIN                      │
//	│                                           │
//	│  Registry ──moves──▶ Migrator              │
//	│     │                   │                  │
//	│     │ table             │ export/import    │
//	│     ▼                   ▼                  │
//	│  BoltStore        NodeClient (per server)  │
//	│                                           │
//	│  HealthMonitor ──recovered──▶ Resume       │
//	└───────────────────────────────────────────┘
//
// # Registry
//
// Registering a server recomputes the desired assignment with jump hashing
// over the members in (added_at, id) order. The first server bootstraps an
// epoch 1 table. Later servers only change the desired assignment; the
// difference between the live table and the desired assignment is the set
// of pending moves.
//
// The live table changes one partition at a time:
//
//	Active(A) ──MarkMigrating──▶ Migrating(A→B) ──CommitCutover──▶ Active(B)
//
// Each change replaces the table with a copy whose epoch is one higher.
// With a BoltStore configured, every change is persisted before it is
// published.
//
// # Migration
//
// A move of partition p from A to B:
//
//  1. Prepare: mark p Migrating(A→B), drop B's partial copy of p, create
//     A's namespaces on B, start A's backlog
//  2. Bulk copy: export p page by page from A, import into B
//  3. Catch-up: replay A's backlog into B until it is small
//  4. Cutover: freeze p on A (writes redirect to B), import the residual,
//     A drains (reads redirect too), B accepts p, commit owner B and push
//     the table
//  5. Finalize: drop A's copy of p
//
// A failure before A drains aborts the attempt on A, which goes back to
// serving p, and the move is retried with exponential backoff. A holds the
// freeze for a lease only; when it runs out first, A refuses to drain and
// the move starts over. Once A has drained the move only goes forward, also
// across an admin restart: a source that refuses to abort has drained.
//
// # Health
//
// The health monitor polls every server's /health endpoint. Three failed
// checks in a row make a server unhealthy; the next successful check fires
// the recovery callback, which resumes the moves involving that server.
package coordinator
