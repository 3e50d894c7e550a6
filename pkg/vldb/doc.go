// Package vldb is the application-level indexed-hashing layer built on
// top of Ubik (spec §4.9): a set of volume entries keyed by RW volume
// id, name and up to two replica ids (RO, BK), stored in either of
// Ubik's two physical back-ends. The flat schema mirrors
// original_source/src/vlserver/vlutils.c's header/hash-bucket/entry
// layout; the KV schema follows the same tagged-key convention spelled
// out in vlserver_internal.h's KEY_* constants, cross-grounded on
// _examples/rmoorman-bazil/db/volume.go's name-index + id-index split.
// Every operation runs inside a caller-supplied *txn.Txn, so VLDB's
// correctness rides entirely on Ubik's transaction and commit
// contracts rather than maintaining any storage of its own.
package vldb
