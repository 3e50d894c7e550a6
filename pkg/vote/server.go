package vote

import (
	"sync"
	"time"

	"github.com/cuemby/ubik/pkg/uversion"
)

// ServerDescriptor is the per-peer state from spec §3: an ordered
// address list (primary first), beacon/vote bookkeeping, liveness and
// database-freshness flags. Identified by its primary address.
type ServerDescriptor struct {
	mu sync.Mutex

	Addrs []string // primary first
	Clone bool     // holds data but never votes, never counts toward quorum
	Magic bool     // counted twice for quorum on an even-sized config

	LastBeaconSent   time.Time
	LastVoteReceived time.Time
	LastVote         bool
	Up               bool
	CurrentDB        bool // "known to hold latest committed version"
	BeaconSinceDown  bool // "has voted for us since its last reachability failure"
	CommittedVersion uversion.Version

	VoteExpiry time.Time // when this peer's last vote for us (we are the candidate) lapses

	DownSince time.Time // when Up last flipped false; zero while Up
}

// Primary returns the descriptor's identifying address.
func (s *ServerDescriptor) Primary() string {
	if len(s.Addrs) == 0 {
		return ""
	}
	return s.Addrs[0]
}

// Snapshot is a point-in-time copy of mutable fields, safe to read
// without holding s.mu afterward.
type Snapshot struct {
	Up               bool
	CurrentDB        bool
	BeaconSinceDown  bool
	LastVote         bool
	CommittedVersion uversion.Version
	DownSince        time.Time
}

func (s *ServerDescriptor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Up:               s.Up,
		CurrentDB:        s.CurrentDB,
		BeaconSinceDown:  s.BeaconSinceDown,
		LastVote:         s.LastVote,
		CommittedVersion: s.CommittedVersion,
		DownSince:        s.DownSince,
	}
}

// MarkDown flips the descriptor to reflect an RPC failure (spec §4.5):
// up=false, beaconSinceDown=false, currentDB=false. DownSince records
// when the silence window the commit unlock phase waits out began
// (spec §4.5, §5: "wait until no up=false peer can still be within its
// BigTime silence window").
func (s *ServerDescriptor) MarkDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Up {
		s.DownSince = time.Now()
	}
	s.Up = false
	s.BeaconSinceDown = false
	s.CurrentDB = false
}

// MarkUp flips the descriptor up after a successful probe or RPC.
func (s *ServerDescriptor) MarkUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Up = true
	s.DownSince = time.Time{}
}

// Promote reorders Addrs so addr becomes the primary (index 0), the
// interface recovery's probe found reachable (spec §4.6 step 1: "pick
// that interface... rebuild connections"). A no-op if addr is already
// primary or not present.
func (s *ServerDescriptor) Promote(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Addrs) == 0 || s.Addrs[0] == addr {
		return
	}
	for i, a := range s.Addrs {
		if a == addr {
			reordered := make([]string, 0, len(s.Addrs))
			reordered = append(reordered, addr)
			reordered = append(reordered, s.Addrs[:i]...)
			reordered = append(reordered, s.Addrs[i+1:]...)
			s.Addrs = reordered
			return
		}
	}
}

// RecordVote stores the result of a beacon round-trip to this peer.
func (s *ServerDescriptor) RecordVote(yes bool, expiry time.Time, currentDB bool, version uversion.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastVote = yes
	s.LastVoteReceived = time.Now()
	s.VoteExpiry = expiry
	s.CurrentDB = currentDB
	s.CommittedVersion = version
	if yes {
		s.BeaconSinceDown = true
	}
}
