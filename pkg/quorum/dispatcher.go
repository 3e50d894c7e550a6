package quorum

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/ulog"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

// coolDownPollInterval is how often the pre-unlock wait rechecks peer
// silence windows (spec §4.5, §5).
const coolDownPollInterval = 1 * time.Second

// BulkMaxCalls caps how many peer RPCs one quorum bulk invocation may
// fan out. Exceeding it fails with an E2BIG-class error before any
// RPC goes out (spec §8; BULK_MAXCALLS in the original's rx_bulk.c).
const BulkMaxCalls = 32

// Dispatcher is the sync site's client-side view of the quorum: it
// fans a write transaction's Begin/Lock/WriteV/Commit/Abort/
// ReleaseLocks/SetVersion calls out to every eligible peer and, for
// the calls whose failure must abort the local transaction
// (Begin/Lock/WriteV), requires a strict majority of ok replies
// before returning success (spec §4.8). It implements
// pkg/txn.Dispatcher.
type Dispatcher struct {
	protocol  *vote.Protocol
	servers   []*vote.ServerDescriptor
	transport urpc.Transport

	// OnLostServer, if set, is invoked (outside any lock) whenever an
	// RPC to a peer fails and that peer is marked down, so a recovery
	// task can be scheduled for it (spec §4.5 "lost server" event).
	OnLostServer func(*vote.ServerDescriptor)
}

// NewDispatcher builds a Dispatcher fanning calls out to servers over
// transport, gating AmSyncSite/SyncSiteAdvertised through protocol.
func NewDispatcher(protocol *vote.Protocol, servers []*vote.ServerDescriptor, transport urpc.Transport) *Dispatcher {
	return &Dispatcher{protocol: protocol, servers: servers, transport: transport}
}

func (d *Dispatcher) AmSyncSite() bool         { return d.protocol.AmSyncSite() }
func (d *Dispatcher) SyncSiteAdvertised() bool { return d.protocol.SyncSiteAdvertised() }

// eligible returns the peers that currently count toward quorum: up,
// holding the current database, and having voted for this site since
// their last reachability failure (spec §4.8's precondition for the
// first DISK_Begin to a given peer).
func (d *Dispatcher) eligible() []*vote.ServerDescriptor {
	out := make([]*vote.ServerDescriptor, 0, len(d.servers))
	for _, s := range d.servers {
		if s.Clone {
			continue
		}
		snap := s.Snapshot()
		if snap.Up && snap.CurrentDB && snap.BeaconSinceDown && snap.LastVote {
			out = append(out, s)
		}
	}
	return out
}

// call issues method against every eligible peer concurrently and
// reports how many succeeded. A fan-out wider than BulkMaxCalls is
// rejected before the first RPC is issued. Failing peers are marked
// down and, if OnLostServer is set, reported for recovery.
func (d *Dispatcher) call(op, method string, args interface{}) (int, error) {
	peers := d.eligible()
	if len(peers) > BulkMaxCalls {
		return 0, uerrors.New(uerrors.UIOERROR, op+": bulk invocation exceeds 32 calls (E2BIG)")
	}
	var ok int32
	var wg sync.WaitGroup
	for _, s := range peers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), vote.RPCTimeout)
			defer cancel()
			var reply Ack
			if err := d.transport.Call(ctx, s.Primary(), method, args, &reply); err != nil {
				s.MarkDown()
				umetrics.QuorumCallsTotal.WithLabelValues(op, "error").Inc()
				logger := ulog.WithComponent("quorum")
				logger.Warn().Str("peer", s.Primary()).Str("op", op).Msg("rpc failed")
				if d.OnLostServer != nil {
					d.OnLostServer(s)
				}
				return
			}
			atomic.AddInt32(&ok, 1)
			umetrics.QuorumCallsTotal.WithLabelValues(op, "ok").Inc()
		}()
	}
	wg.Wait()
	umetrics.QuorumPeersUp.Set(float64(len(peers)))
	return int(ok), nil
}

// quorumCall is call plus the strict-majority gate required for
// operations whose failure must abort the local transaction.
func (d *Dispatcher) quorumCall(op, method string, args interface{}) error {
	ok, err := d.call(op, method, args)
	if err != nil {
		return err
	}
	need := vote.Quorum(d.servers) // counts this site itself
	if ok+1 < need {
		return uerrors.New(uerrors.UNOQUORUM, op+": failed to reach quorum")
	}
	return nil
}

func (d *Dispatcher) Begin(tid uversion.Version) error {
	return d.quorumCall("begin", MethodBegin, BeginArgs{Tid: tid})
}

func (d *Dispatcher) Lock(tid uversion.Version, file storage.FlatFileID, pos int64, length int, lock txn.LockType) error {
	return d.quorumCall("lock", MethodLock, LockArgs{Tid: tid, File: file, Pos: pos, Length: length, Lock: lock})
}

func (d *Dispatcher) WriteV(tid uversion.Version, writes []txn.WriteOp) error {
	return d.quorumCall("writev", MethodWriteV, WriteVArgs{Tid: tid, Writes: writes})
}

// Commit, Abort, ReleaseLocks and SetVersion are best-effort: the
// local transaction has already committed durably once Begin reached
// quorum, so a peer missing one of these just falls behind until
// pkg/recovery catches it up (spec §4.5). newVersion is the "stamp
// version" side-effect: each peer relabels its database to the
// version the sync site just committed.
func (d *Dispatcher) Commit(tid uversion.Version, newVersion uversion.Version) error {
	timer := umetrics.NewTimer()
	_, err := d.call("commit", MethodCommit, CommitArgs{Tid: tid, NewVersion: newVersion})
	timer.ObserveDuration(umetrics.QuorumCommitDuration)
	return err
}

func (d *Dispatcher) Abort(tid uversion.Version) error {
	_, err := d.call("abort", MethodAbort, AbortArgs{Tid: tid})
	return err
}

func (d *Dispatcher) ReleaseLocks(tid uversion.Version) error {
	d.awaitSilenceWindows()
	_, err := d.call("release_locks", MethodReleaseLocks, ReleaseLocksArgs{Tid: tid})
	return err
}

// awaitSilenceWindows is the commit unlock phase's pre-unlock cool
// down (spec §4.5: "wait until no up=false peer can still be within
// its BigTime silence window", capped at 10×BigTime with a logged
// escape event per spec §5, §8). A peer that went down mid-commit may
// still come back and demand a commit it missed before its silence
// window lapses; releasing the write slot early would let a second
// writer race it.
func (d *Dispatcher) awaitSilenceWindows() {
	deadline := time.Now().Add(10 * vote.BigTime)
	for time.Now().Before(deadline) {
		silent := false
		for _, s := range d.servers {
			snap := s.Snapshot()
			if !snap.Up && !snap.DownSince.IsZero() && time.Since(snap.DownSince) < vote.BigTime {
				silent = true
				break
			}
		}
		if !silent {
			return
		}
		time.Sleep(coolDownPollInterval)
	}
	escapeLogger := ulog.WithComponent("quorum")
	escapeLogger.Warn().Msg("release-locks cool-down escape: hit 10xBigTime cap")
}

func (d *Dispatcher) SetVersion(tid uversion.Version, oldV, newV uversion.Version) error {
	_, err := d.call("set_version", MethodSetVersion, SetVersionArgs{Tid: tid, OldVersion: oldV, NewVersion: newV})
	return err
}

var _ txn.Dispatcher = (*Dispatcher)(nil)
