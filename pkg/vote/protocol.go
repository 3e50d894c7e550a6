package vote

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ubik/pkg/ulog"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
)

// Timing parameters fixed by the original source (SPEC_FULL.md §4).
const (
	MaxSkew   = 10 * time.Second
	PollTime  = 15 * time.Second
	RPCTimeout = 20 * time.Second
	BigTime   = 75 * time.Second
	SmallTime = 60 * time.Second
)

func init() {
	urpc.Register(BeaconRequest{})
	urpc.Register(BeaconReply{})
	urpc.Register(DebugReply{})
}

// BeaconRequest is the Vote service's Beacon RPC payload (spec §4.4,
// §6).
type BeaconRequest struct {
	ClaimSync bool
	Version   uversion.Version
	Tid       uversion.Version
}

// BeaconReply is the candidate's vote.
type BeaconReply struct {
	Yes       bool
	ExpiresAt time.Time
	CurrentDB bool
	Version   uversion.Version
}

// compareAddr orders two peer addresses numerically — octet by octet,
// then by port — the lowest-host tie-break the nomination window uses
// (spec §4.4 "tie-break by numeric address"). Lexicographic string
// order is wrong whenever digit widths differ ("10.0.0.9" vs
// "10.0.0.10"). Addresses that don't parse fall back to byte order so
// the comparison stays total.
func compareAddr(a, b string) int {
	hostA, portA, errA := net.SplitHostPort(a)
	hostB, portB, errB := net.SplitHostPort(b)
	if errA != nil || errB != nil {
		hostA, portA = a, ""
		hostB, portB = b, ""
	}
	ipA := net.ParseIP(hostA)
	ipB := net.ParseIP(hostB)
	if ipA == nil || ipB == nil {
		return strings.Compare(a, b)
	}
	if c := bytes.Compare(ipA.To16(), ipB.To16()); c != 0 {
		return c
	}
	pA, _ := strconv.Atoi(portA)
	pB, _ := strconv.Atoi(portB)
	switch {
	case pA < pB:
		return -1
	case pA > pB:
		return 1
	default:
		return 0
	}
}

// voteState is the per-process vote bookkeeping from spec §3.
type voteState struct {
	mu sync.Mutex

	lastYesTime  time.Time
	lastYesHost  string
	lastYesClaim time.Time // start of the vote span
	lastYesState bool      // did the candidate claim sync?

	lowestHost string
	lowestTime time.Time

	syncHost string
	syncTime time.Time
}

// Protocol runs the beacon sender and vote receiver for one server and
// decides sync-site promotion/demotion. Grounded on
// original_source/src/ubik/ubik.c's uvote_*/beacon logic; run as a
// ticker goroutine the way the teacher's pkg/worker/health_monitor.go
// runs its monitoring loop.
type Protocol struct {
	self      string
	transport urpc.Transport
	servers   []*ServerDescriptor // all configured peers, self excluded
	state     voteState

	mu             sync.Mutex
	syncSiteUntil  time.Time
	advertised     bool
	advertiseRound int // round-trips seen with peers echoing lastYesState=true for us

	versionFn func() uversion.Version
	tidFn     func() uversion.Version
}

// Quorum is the strict majority required across the whole cluster,
// given this site's peers (self excluded from the slice, always
// counted as one non-magic vote). A configured "magic" site counts
// twice, giving an even-sized cluster a tie-breaker (spec §4.4).
func Quorum(peers []*ServerDescriptor) int {
	n := 1 // self
	for _, s := range peers {
		if s.Clone {
			continue
		}
		n++
		if s.Magic {
			n++
		}
	}
	return n/2 + 1
}

// New constructs a vote Protocol for self, communicating with peers
// over transport.
func New(self string, peers []*ServerDescriptor, transport urpc.Transport, versionFn, tidFn func() uversion.Version) *Protocol {
	return &Protocol{
		self:      self,
		transport: transport,
		servers:   peers,
		versionFn: versionFn,
		tidFn:     tidFn,
	}
}

// AmSyncSite reports whether this process currently claims sync-site
// status (a majority of yes-vote expiries still extend past now).
func (p *Protocol) AmSyncSite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.syncSiteUntil)
}

// SyncSiteAdvertised reports whether this process may accept DISK_Begin
// calls: true only after at least one full beacon round-trip where
// peers echoed lastYesState=true for us (spec §4.4).
func (p *Protocol) SyncSiteAdvertised() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertised && time.Now().Before(p.syncSiteUntil)
}

// RunBeacon sends a Beacon to every configured peer every PollTime
// until ctx is cancelled, processing replies as votes and recomputing
// this process's sync-site status.
func (p *Protocol) RunBeacon(ctx context.Context) {
	logger := ulog.WithComponent("vote")
	ticker := time.NewTicker(PollTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beaconRound(ctx, logger)
		}
	}
}

func (p *Protocol) beaconRound(ctx context.Context, logger zerolog.Logger) {
	claim := p.AmSyncSite()
	req := BeaconRequest{ClaimSync: claim, Version: p.versionFn(), Tid: p.tidFn()}

	yesCount := 0
	advertisedByAll := true
	for _, s := range p.servers {
		if s.Clone {
			continue
		}
		timer := umetrics.NewTimer()
		cctx, cancel := context.WithTimeout(ctx, RPCTimeout)
		var reply BeaconReply
		err := p.transport.Call(cctx, s.Primary(), "Vote.Beacon", req, &reply)
		cancel()
		timer.ObserveDuration(umetrics.BeaconRoundTrip)

		s.mu.Lock()
		s.LastBeaconSent = time.Now()
		s.mu.Unlock()

		if err != nil {
			s.MarkDown()
			advertisedByAll = false
			continue
		}
		s.MarkUp()
		s.RecordVote(reply.Yes, reply.ExpiresAt, reply.CurrentDB, reply.Version)
		if reply.Yes && reply.ExpiresAt.After(time.Now().Add(MaxSkew)) {
			yesCount++
		}
		if !reply.Yes {
			advertisedByAll = false
		}
	}

	quorum := Quorum(p.servers)
	p.mu.Lock()
	wasSync := time.Now().Before(p.syncSiteUntil)
	if yesCount+1 >= quorum {
		p.syncSiteUntil = time.Now().Add(SmallTime)
		// A yes vote on a beacon that claimed sync is what records
		// lastYesState=true at the voter.
		if advertisedByAll && claim {
			p.advertiseRound++
		} else {
			p.advertiseRound = 0
		}
		p.advertised = p.advertiseRound >= 1
	} else if time.Now().After(p.syncSiteUntil) {
		p.advertised = false
		p.advertiseRound = 0
	}
	amSync := time.Now().Before(p.syncSiteUntil)
	p.mu.Unlock()

	if amSync && !wasSync {
		logger.Info().Int("yes_votes", yesCount+1).Int("quorum", quorum).Msg("became sync site")
	} else if wasSync && !amSync {
		logger.Warn().Msg("lost sync site status")
	}

	umetrics.DBVersionEpoch.Set(float64(req.Version.Epoch))
	umetrics.DBVersionCounter.Set(float64(req.Version.Counter))
	if amSync {
		umetrics.AmSyncSite.Set(1)
	} else {
		umetrics.AmSyncSite.Set(0)
	}
}

// HandleBeacon is the Vote service's server-side Beacon handler: decide
// whether to cast a yes vote for host h claiming sync at time t (spec
// §4.4 vote receiver rules).
func (p *Protocol) HandleBeacon(host string, t time.Time, req BeaconRequest) BeaconReply {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	s := &p.state
	canVote := s.lastYesHost == "" || (s.lastYesHost == host && t.Before(s.lastYesClaim.Add(SmallTime)))
	withinWindow := t.After(s.lastYesClaim.Add(SmallTime-MaxSkew)) || host == s.lastYesHost
	isLowest := s.lowestHost == "" || compareAddr(host, s.lowestHost) <= 0 || t.After(s.lowestTime.Add(SmallTime))

	yes := canVote && withinWindow && isLowest
	if yes {
		s.lastYesTime = t
		s.lastYesHost = host
		s.lastYesClaim = t
		s.lastYesState = req.ClaimSync
		s.lowestHost = host
		s.lowestTime = t
	}

	expiry := t.Add(SmallTime)
	return BeaconReply{
		Yes:       yes,
		ExpiresAt: expiry,
		CurrentDB: true,
		Version:   p.versionFn(),
	}
}

// DebugReply answers the Vote service's Debug/SDebug RPCs: a snapshot
// of this process's vote bookkeeping and its view of every peer, the
// payload a udebug-style inspector renders.
type DebugReply struct {
	Now           time.Time
	AmSyncSite    bool
	Advertised    bool
	SyncSiteUntil time.Time

	LastYesHost  string
	LastYesTime  time.Time
	LastYesClaim time.Time
	LastYesState bool
	LowestHost   string
	SyncHost     string

	Version uversion.Version
	Servers []ServerDebug
}

// ServerDebug is one peer's row in a DebugReply.
type ServerDebug struct {
	Addr             string
	Up               bool
	CurrentDB        bool
	BeaconSinceDown  bool
	LastVote         bool
	CommittedVersion uversion.Version
}

// Debug snapshots the protocol state for the Vote.Debug handler.
func (p *Protocol) Debug() DebugReply {
	p.state.mu.Lock()
	reply := DebugReply{
		Now:          time.Now(),
		LastYesHost:  p.state.lastYesHost,
		LastYesTime:  p.state.lastYesTime,
		LastYesClaim: p.state.lastYesClaim,
		LastYesState: p.state.lastYesState,
		LowestHost:   p.state.lowestHost,
		SyncHost:     p.state.syncHost,
	}
	p.state.mu.Unlock()

	p.mu.Lock()
	reply.SyncSiteUntil = p.syncSiteUntil
	reply.Advertised = p.advertised
	p.mu.Unlock()
	reply.AmSyncSite = p.AmSyncSite()
	reply.Version = p.versionFn()

	for _, sd := range p.servers {
		snap := sd.Snapshot()
		reply.Servers = append(reply.Servers, ServerDebug{
			Addr:             sd.Primary(),
			Up:               snap.Up,
			CurrentDB:        snap.CurrentDB,
			BeaconSinceDown:  snap.BeaconSinceDown,
			LastVote:         snap.LastVote,
			CommittedVersion: snap.CommittedVersion,
		})
	}
	return reply
}
