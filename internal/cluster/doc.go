// Package cluster holds the vocabulary shared by the admin process, the
// storage nodes and clients: wire types, the error taxonomy and the
// JSON-over-HTTP helpers every component talks through.
//
// # Topology
//
//	              ┌──────────────┐
//	              │    Admin     │
//	              │ - Registry   │
//	              │ - Migrations │
//	              │ - Health Mon │
//	              └──────┬───────┘
//	                     │ table pushes, migration steps
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│ Storage 1 │ │ Storage 2 │ │ Storage 3 │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Errors on the wire
//
// Every failed request carries an ErrorResponse:
//
//	{"code": "Redirecting", "message": "...", "owner": "s2", "partition": 17}
//
// ToResponse maps an error chain to a status and body; ErrorResponse.Err
// restores an error that matches the same sentinel (errors.Is) on the
// receiving side, or a *RedirectError for redirects. This keeps retry
// decisions typed end to end:
//
//	NotFound / NamespaceNotFound  404
//	ChecksumMismatch              422
//	VersionNotRetained            410
//	DuplicateId                   409
//	NoAvailableServer             503
//	Redirecting                   307 (owner, partition)
//	MigrationInProgress           202
//	InvalidArgument               400
//	Internal                      500
//
// Transport failures (connection refused, timeouts, undecodable replies) are
// marked with ErrTransport.
package cluster
