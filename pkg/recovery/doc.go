// Package recovery runs the sync site's background loop that restores
// quorum invariants after membership changes: probing unreachable
// peers, finding the freshest database version in the quorum, fetching
// it if a peer holds something newer, and redistributing it to any
// peer that has fallen behind (spec §4.6). Grounded almost line-for-
// line on original_source/src/ubik/recovery.c's control flow, run as a
// ticker loop in the teacher's pkg/reconciler.Reconciler idiom (tick,
// inspect state bits, act).
package recovery
