// Package uversion implements Ubik's (epoch, counter) database version
// pair: total ordering, milestone validation and the epoch-relabel wait
// described in spec §3 and §9 Open Question (b).
package uversion
