// Package container holds the client's in-memory view of synced groups.
//
// A Context owns one queue and one observer registry and hands out
// reference-counted containers per key path: a Collection for unordered
// groups, a Sequence for ordered ones. Containers mutate optimistically,
// send every change through the queue and apply notifications from other
// clients as deltas. When a delta cannot be applied, or on demand, a
// container resyncs: it fetches the authoritative list and reconciles with
// Merge.
//
// Items are shared between containers through the Context's item table,
// which retains one copy per document and releases it when the last
// container holding it lets go.
package container
