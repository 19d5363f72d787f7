// Package store provides SQLite-backed durable storage for the tandem server.
//
// The store holds three kinds of state:
//   - Documents: one row per (bucket, id), canonical JSON body, revision counter
//   - Members: collection membership, keyed by the collection's key path
//   - Sequences: a doubly linked list of ListContainer nodes per sequence
//
// # Sequences
//
// Each sequence owns two sentinel nodes (begin and end) created by the first
// InsertBefore. Every other node references one item and sits somewhere on
// the prev/next chain between them. DeleteItem never unlinks a node; it
// flips the node's kind to tombstone and traversal hops over it. Compact
// reaps tombstones explicitly.
//
// The node ids of a sequence are also recorded, in allocation order, in
// sequence_nodes. FindContainerOfModel scans that array to map an item id
// back to its node.
//
// Every multi-row mutation runs in a single transaction. Combined with the
// single-connection pool this serializes concurrent inserts at the same
// reference point instead of interleaving their pointer updates.
//
// # Ordering
//
// Rows carry a seq from the store's logical clock, never a timestamp.
// Queries that return more than one row order by seq, then id COLLATE BINARY.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
