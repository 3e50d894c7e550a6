// Package bufcache implements Ubik's fixed-size page buffer cache: a
// flat array of 1 KiB slots, indexed by a Go map keyed on
// (database generation, file, page) and doubly linked as an LRU, both
// holding indices into the array per the "no raw cross-pointers"
// design note in spec §9.
package bufcache
