// Package quorum dispatches a sync site's write transactions to its
// peers and aggregates their replies into a quorum decision (spec
// §4.8). Dispatcher is the client side, used by the sync site; Server
// is the RPC-handler side every process (sync site or backup) runs to
// answer its peers' calls. Dispatcher implements pkg/txn.Dispatcher.
package quorum
