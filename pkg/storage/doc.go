// Package storage implements Ubik's two physical back-ends: a flat file
// of fixed pages with a parallel append-only log, and an ordered
// key/value store backed by bbolt. Both satisfy the common Backend
// lifecycle (label, stat, copy, close); the transaction layer in
// pkg/txn type-switches to the richer FlatBackend or KVBackend interface
// for everything past begin/commit/abort, per the "tagged interface"
// dispatch in the design notes.
package storage
