// Package freeze implements the external hot-swap protocol of spec
// §4.7: a client opens a freeze, copies the live database out from
// under the server, installs a new one in its place, and closes the
// freeze, all while the server holds DBSENDING so no competing write
// or redistribution races the swap. Grounded on
// original_source/src/ubik/freeze_server.c and freeze_client.c, with
// the blocking control-socket wait modeled as Manager.Wait since this
// port's transport is request/reply rather than a held connection
// (spec.md's Non-goals put the wire transport itself out of scope).
// The single-active-freeze lease and its id/expiry bookkeeping follow
// the teacher's pkg/manager.TokenManager shape.
package freeze
