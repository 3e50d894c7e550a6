// Package vote implements Ubik's sync-site election: the beacon
// sender, the vote receiver, and the promotion/demotion state machine
// described in spec §4.4. It owns the per-peer ServerDescriptor and
// VoteState data model from spec §3.
package vote
