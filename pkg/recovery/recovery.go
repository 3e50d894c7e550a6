package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ubik/pkg/quorum"
	"github.com/cuemby/ubik/pkg/ulog"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

// state is the bit set from spec §4.6: RECSYNCSITE | RECFOUNDDB |
// RECHAVEDB | RECSENTDB | RECLABELDB.
type state uint32

const (
	recSyncSite state = 1 << iota
	recFoundDB
	recHaveDB
	recSentDB
	recLabelDB
)

// TickInterval is the recovery loop's cadence (spec §4.6: "Every 4s").
const TickInterval = 4 * time.Second

// ProbeThrottle bounds how often a down peer is re-probed (spec §4.6
// step 1: "Throttled to every 30s").
const ProbeThrottle = 30 * time.Second

// Manager is the subset of *txn.Manager the recovery loop needs.
// Declared as an interface so this package has no import-time
// dependency on pkg/txn beyond the methods it actually calls.
type Manager interface {
	Version() uversion.Version
	AbortActive() error
	BeginReceiving() error
	EndReceiving()
	BeginSending() error
	EndSending()
	ExportSnapshot() ([]byte, uversion.Version, error)
	InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error
	RelabelAfterQuorum() (old, newV uversion.Version, relabeled bool, err error)
}

// Task runs one server's recovery loop. One per database instance,
// started by cmd/ubikd alongside the beacon.
type Task struct {
	mu    sync.Mutex
	state state

	manager    Manager
	protocol   *vote.Protocol
	dispatcher *quorum.Dispatcher
	servers    []*vote.ServerDescriptor

	lastProbe   map[string]time.Time
	bestVersion uversion.Version
	bestServer  *vote.ServerDescriptor // nil once set means "local is best"
	haveBest    bool
}

// New builds a recovery Task over manager, consulting protocol for
// sync-site status and fanning GetVersion/GetFile2/SendFile2 calls out
// to servers via dispatcher.
func New(manager Manager, protocol *vote.Protocol, dispatcher *quorum.Dispatcher, servers []*vote.ServerDescriptor) *Task {
	return &Task{
		manager:    manager,
		protocol:   protocol,
		dispatcher: dispatcher,
		servers:    servers,
		lastProbe:  make(map[string]time.Time),
	}
}

// NotifyLostServer is wired to quorum.Dispatcher.OnLostServer: a failed
// RPC to a peer means our "best database" picture may be stale, so the
// next cycle re-runs the find-best-db hunt (spec §4.5 "lost server"
// event feeding recovery).
func (t *Task) NotifyLostServer(s *vote.ServerDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state &^= recFoundDB
	t.haveBest = false
}

// Run drives the recovery loop every TickInterval until ctx is
// cancelled.
func (t *Task) Run(ctx context.Context) {
	logger := ulog.WithComponent("recovery")
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cycle(ctx, logger)
		}
	}
}

func (t *Task) cycle(ctx context.Context, logger zerolog.Logger) {
	timer := umetrics.NewTimer()
	defer timer.ObserveDuration(umetrics.RecoveryCycleDuration)

	t.probeDownPeers(ctx, logger)

	if !t.protocol.AmSyncSite() {
		t.mu.Lock()
		t.state &^= recSyncSite
		t.mu.Unlock()
		return
	}
	t.mu.Lock()
	t.state |= recSyncSite
	foundDB := t.state&recFoundDB != 0
	haveDB := t.state&recHaveDB != 0
	sentDB := t.state&recSentDB != 0
	t.mu.Unlock()

	if !foundDB {
		t.findBestDB(ctx, logger)
		t.mu.Lock()
		foundDB = t.state&recFoundDB != 0
		haveDB = t.state&recHaveDB != 0
		t.mu.Unlock()
	}

	if !haveDB {
		t.fetchBestDB(ctx, logger)
	}

	t.relabelIfFresh(logger)

	if !sentDB {
		t.redistribute(ctx, logger)
	}
}

// probeDownPeers probes every !Up peer over each of its configured
// interfaces in parallel, throttled to ProbeThrottle (spec §4.6 step
// 1). The first interface to answer becomes the peer's new primary
// address and the peer is marked up; the best-db hunt is re-armed
// since the membership picture changed.
func (t *Task) probeDownPeers(ctx context.Context, logger zerolog.Logger) {
	for _, s := range t.servers {
		if s.Clone {
			continue
		}
		snap := s.Snapshot()
		if snap.Up {
			continue
		}
		primary := s.Primary()
		t.mu.Lock()
		last, seen := t.lastProbe[primary]
		if seen && time.Since(last) < ProbeThrottle {
			t.mu.Unlock()
			continue
		}
		t.lastProbe[primary] = time.Now()
		t.mu.Unlock()

		addrs := append([]string(nil), s.Addrs...)
		type result struct {
			addr string
			ok   bool
		}
		results := make(chan result, len(addrs))
		for _, a := range addrs {
			a := a
			go func() {
				cctx, cancel := context.WithTimeout(ctx, vote.RPCTimeout)
				defer cancel()
				err := t.dispatcher.Probe(cctx, a)
				results <- result{addr: a, ok: err == nil}
			}()
		}
		var winner string
		for range addrs {
			r := <-results
			if r.ok && winner == "" {
				winner = r.addr
			}
		}
		if winner != "" {
			s.Promote(winner)
			s.MarkUp()
			logger.Info().Str("peer", primary).Str("addr", winner).Msg("peer reachable again")
			t.mu.Lock()
			t.state &^= recFoundDB
			t.haveBest = false
			t.mu.Unlock()
		}
	}
}

// findBestDB asks every up, non-clone peer its version and, once at
// least quorum peers have answered, remembers the highest version seen
// (local included) and which peer (if any) holds it (spec §4.6 step
// 3).
func (t *Task) findBestDB(ctx context.Context, logger zerolog.Logger) {
	type reply struct {
		s   *vote.ServerDescriptor
		v   uversion.Version
		ok  bool
	}
	up := make([]*vote.ServerDescriptor, 0, len(t.servers))
	for _, s := range t.servers {
		if s.Clone {
			continue
		}
		if s.Snapshot().Up {
			up = append(up, s)
		}
	}
	results := make(chan reply, len(up))
	for _, s := range up {
		s := s
		go func() {
			cctx, cancel := context.WithTimeout(ctx, vote.RPCTimeout)
			defer cancel()
			v, err := t.dispatcher.GetVersion(cctx, s)
			results <- reply{s: s, v: v, ok: err == nil}
		}()
	}
	ok := 0
	best := t.manager.Version()
	var bestServer *vote.ServerDescriptor
	for range up {
		r := <-results
		if !r.ok {
			continue
		}
		ok++
		if r.v.Compare(best) > 0 {
			best = r.v
			bestServer = r.s
		}
	}
	need := vote.Quorum(t.servers)
	if ok+1 < need {
		logger.Debug().Int("ok", ok+1).Int("quorum", need).Msg("find-best-db: quorum not reached yet")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.bestVersion = best
	t.bestServer = bestServer
	t.haveBest = true
	t.state |= recFoundDB
	t.state &^= recSentDB
	if bestServer == nil {
		// Local database is already the best in the quorum.
		t.state |= recHaveDB
	} else {
		t.state &^= recHaveDB
	}
}

// fetchBestDB pulls the best database from bestServer via GetFile2,
// falling back to the old GetFile on failure (Open Question (a)), and
// installs it in place of the local database (spec §4.6 step 4).
func (t *Task) fetchBestDB(ctx context.Context, logger zerolog.Logger) {
	t.mu.Lock()
	bestServer := t.bestServer
	haveBest := t.haveBest
	t.mu.Unlock()
	if !haveBest || bestServer == nil {
		return
	}

	if err := t.manager.AbortActive(); err != nil {
		logger.Warn().Err(err).Msg("abort active transaction before fetch")
	}
	if err := t.manager.BeginReceiving(); err != nil {
		logger.Warn().Err(err).Msg("could not begin receiving")
		return
	}
	defer t.manager.EndReceiving()

	data, version, err := t.dispatcher.FetchFile2(ctx, bestServer)
	if err != nil {
		logger.Warn().Err(err).Str("peer", bestServer.Primary()).Msg("GetFile2 failed, falling back to GetFile")
		data, version, err = t.dispatcher.FetchFile(ctx, bestServer)
		if err != nil {
			logger.Error().Err(err).Str("peer", bestServer.Primary()).Msg("GetFile fallback also failed")
			return
		}
	}

	if err := t.manager.InstallSnapshot(data, version, ""); err != nil {
		logger.Error().Err(err).Msg("install fetched database failed")
		return
	}

	t.mu.Lock()
	t.state |= recHaveDB
	t.mu.Unlock()
	logger.Info().Str("peer", bestServer.Primary()).Uint32("epoch", version.Epoch).Uint32("counter", version.Counter).Msg("installed fetched database")
}

// relabelIfFresh promotes a still-(1,1) database to (2,1) once quorum
// is stable (spec §4.6 step 5, §3).
func (t *Task) relabelIfFresh(logger zerolog.Logger) {
	t.mu.Lock()
	found := t.state&recFoundDB != 0
	t.mu.Unlock()
	if !found {
		return
	}
	old, newV, relabeled, err := t.manager.RelabelAfterQuorum()
	if err != nil {
		logger.Warn().Err(err).Msg("relabel after quorum failed")
		return
	}
	if relabeled {
		logger.Info().Uint32("old_epoch", old.Epoch).Uint32("new_epoch", newV.Epoch).Msg("relabeled fresh database after quorum established")
		t.mu.Lock()
		t.state |= recLabelDB
		t.mu.Unlock()
	}
}

// redistribute ships the local database to every up peer whose version
// differs from ours, bracketed by DBSENDING (spec §4.6 step 6).
func (t *Task) redistribute(ctx context.Context, logger zerolog.Logger) {
	local := t.manager.Version()

	targets := make([]*vote.ServerDescriptor, 0, len(t.servers))
	for _, s := range t.servers {
		if s.Clone {
			continue
		}
		snap := s.Snapshot()
		if snap.Up && snap.CommittedVersion != local {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		t.mu.Lock()
		t.state |= recSentDB
		t.mu.Unlock()
		return
	}

	if err := t.manager.BeginSending(); err != nil {
		logger.Debug().Err(err).Msg("could not begin sending: conflicting operation in flight")
		return
	}
	defer t.manager.EndSending()

	data, version, err := t.manager.ExportSnapshot()
	if err != nil {
		logger.Error().Err(err).Msg("export snapshot for redistribution failed")
		return
	}

	var wg sync.WaitGroup
	for _, s := range targets {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, vote.RPCTimeout)
			defer cancel()
			if err := t.dispatcher.SendSnapshotTo(cctx, s, data, version); err != nil {
				logger.Warn().Err(err).Str("peer", s.Primary()).Msg("redistribute SendFile2 failed")
				s.MarkDown()
				return
			}
			s.RecordVote(s.Snapshot().LastVote, time.Time{}, true, version)
		}()
	}
	wg.Wait()

	t.mu.Lock()
	t.state |= recSentDB
	t.mu.Unlock()
}

// Redistribute forces an immediate redistribution pass, bypassing the
// recSentDB gate the ticker loop otherwise honors. pkg/freeze calls
// this for FreezeDistribute (spec §4.7).
func (t *Task) Redistribute(ctx context.Context) {
	logger := ulog.WithComponent("recovery")
	t.mu.Lock()
	t.state &^= recSentDB
	t.mu.Unlock()
	t.redistribute(ctx, logger)
}

// State returns the current recovery state bits, for diagnostics.
func (t *Task) State() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(t.state)
}
