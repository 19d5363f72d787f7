// Package ir holds the shared vocabulary of tandem: key paths, documents,
// the tagged request/response pair that travels between a client queue and a
// server, mutation notifications, websocket frames, and the error taxonomy.
//
// This package imports nothing internal. Every other internal package imports
// ir, which keeps the wire format in one place.
//
// Conventions:
//   - JSON tags use lowerCamelCase to match the websocket wire format
//   - Key paths are arrays on the wire and "/"-joined strings everywhere a
//     name is needed (rooms, broker payloads, cache keys)
//   - A request carries exactly one command; nothing is inferred from which
//     fields happen to be set
package ir
