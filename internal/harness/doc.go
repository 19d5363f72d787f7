// Package harness runs sync scenarios against a real store and hub.
//
// A scenario names a set of documents, which clients observe which key
// paths, and a flow of requests issued on behalf of those clients. The
// harness executes every request through the server-side service, routes
// the resulting notifications through the hub to in-process sockets, and
// records both in a trace. Assertions then inspect the final store state
// and what each client was sent.
//
// # Scenario Format
//
//	name: insert_and_delete
//	description: "Two clients edit one sequence"
//	models:
//	  zoo: document
//	  animals: sequence
//	docs:
//	  - alias: lion
//	    bucket: animals
//	    doc: { name: lion }
//	observers:
//	  c2: [zoo/z1/animals]
//	flow:
//	  - client: c1
//	    cmd: insertBefore
//	    keyPath: zoo/z1/animals
//	    item: lion
//	    as: nA
//	  - client: c1
//	    cmd: deleteItem
//	    keyPath: zoo/z1/animals
//	    id: nA
//	    expect: { error: "" }
//	assertions:
//	  - type: sequence
//	    keyPath: zoo/z1/animals
//	    expect: []
//
// Any key path segment, id, reference or item may name an alias: a doc
// alias, or the "as" label of an earlier step. Aliases are also used in the
// trace, so identical scenarios produce identical traces no matter how ids
// are allocated.
//
// # Assertion Types
//
//   - sequence: live items of a sequence, in order
//   - members: members of a collection, in any order
//   - chain: every node of a sequence including sentinels ("begin", "end")
//     and tombstones (prefixed "~")
//   - delivered: notification kinds a client received, in order
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON trace against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
