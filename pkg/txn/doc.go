// Package txn implements Ubik's local transaction object: the append
// log format and replay, the commit/abort pipeline, and the
// application-facing BeginTrans/Read/Write/Seek/Flush/EndTrans/
// AbortTrans/CheckCache/Raw* surface (spec §4.3, §4.8).
//
// The replication side of a write transaction (broadcasting begin/
// lock/write/commit/abort to the quorum) is injected as a Dispatcher so
// this package has no import-time dependency on pkg/quorum; pkg/ubik
// wires the concrete implementation together at startup.
package txn
