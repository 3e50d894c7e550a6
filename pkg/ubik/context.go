// Package ubik wires the storage, transaction, vote, quorum, recovery
// and freeze packages into the single running server process spec §5
// calls "Global state": one Context per database instance, owning the
// goroutines and lock-ordered structures every RPC handler and
// background task shares.
package ubik

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/ubik/pkg/freeze"
	"github.com/cuemby/ubik/pkg/quorum"
	"github.com/cuemby/ubik/pkg/recovery"
	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/ulog"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

// Context is one server's whole wired-up database instance: physical
// backend, transaction manager, vote protocol, quorum dispatcher/
// server, recovery task and freeze manager, plus the transport they
// all share. Field order mirrors the lock-ordering spec §5 lists
// (application cache lock, then DBHOLD inside *txn.Manager, then
// beacon/vote lock inside *vote.Protocol, then version lock, then
// server-address lock inside each *vote.ServerDescriptor) — Context
// itself takes no lock of its own; it only owns the pieces that do.
type Context struct {
	Config *CellConfig

	Backend   storage.Backend
	Manager   *txn.Manager
	Transport urpc.Transport
	Servers   []*vote.ServerDescriptor

	Protocol   *vote.Protocol
	Dispatcher *quorum.Dispatcher
	RPCServer  *quorum.Server
	Recovery   *recovery.Task
	Freeze     *freeze.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds a Context from cfg: opens (or creates) the physical
// database under cfg.DataDir, then wires the vote/quorum/recovery/
// freeze layers around it. It does not yet listen or start any
// goroutine; call Start for that.
func Open(cfg *CellConfig) (*Context, error) {
	servers := make([]*vote.ServerDescriptor, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, &vote.ServerDescriptor{Addrs: s.Addrs, Clone: s.Clone, Magic: s.Magic})
	}

	transport := urpc.NewGobTransport(nil)

	c := &Context{Config: cfg, Transport: transport, Servers: servers}

	c.Protocol = vote.New(cfg.Self, servers, transport, c.dbVersion, c.dbVersion)
	c.Dispatcher = quorum.NewDispatcher(c.Protocol, servers, transport)

	var backend storage.Backend
	var manager *txn.Manager
	var err error
	switch cfg.DBKind {
	case "flat":
		fb, ferr := storage.OpenFlatStore(filepath.Join(cfg.DataDir, "ubik"))
		if ferr != nil {
			return nil, fmt.Errorf("open flat database: %w", ferr)
		}
		backend = fb
		manager, err = txn.NewFlatManager(fb, cfg.BufferSlots, c.Dispatcher)
	case "kv":
		kb, kerr := storage.OpenKVStore(cfg.DataDir)
		if kerr != nil {
			return nil, fmt.Errorf("open kv database: %w", kerr)
		}
		backend = kb
		manager, err = txn.NewKVManager(kb, c.Dispatcher)
	default:
		return nil, fmt.Errorf("ubik: unknown dbKind %q", cfg.DBKind)
	}
	if err != nil {
		return nil, fmt.Errorf("open transaction manager: %w", err)
	}
	c.Backend = backend
	c.Manager = manager

	c.Recovery = recovery.New(manager, c.Protocol, c.Dispatcher, servers)
	c.Dispatcher.OnLostServer = c.Recovery.NotifyLostServer

	c.Freeze = freeze.New(manager, c.Protocol, c.Recovery, cfg.DataDir, cfg.Service)
	c.RPCServer = quorum.NewServer(manager)

	return c, nil
}

// dbVersion adapts Manager.Version to the (versionFn, tidFn) pair
// vote.New wants: Ubik has no separate "next transaction id" clock
// distinct from the committed version (spec §4.4's Tid field is the
// requester's view of its own highest seen version).
func (c *Context) dbVersion() uversion.Version { return c.Manager.Version() }

// Start registers every RPC handler, opens the listener, and launches
// the beacon and recovery background loops. Grounded on the teacher's
// cmd/warren/main.go main(), which starts its API server and
// reconciler loops the same way: goroutines tied to one cancellable
// context, torn down together by Close.
func (c *Context) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.RPCServer.Register(c.Transport.(interface {
		Handle(method string, fn urpc.Handler)
	}))
	c.RPCServer.RegisterStreams(c.Transport.(interface {
		HandleStream(method string, fn urpc.StreamHandler)
	}))
	c.registerVoteHandlers()

	gt, ok := c.Transport.(*urpc.GobTransport)
	if !ok {
		return fmt.Errorf("ubik: transport does not support Serve")
	}
	ln, err := net.Listen("tcp", c.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.Config.ListenAddr, err)
	}

	logger := ulog.WithComponent("ubik")
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		if err := gt.Serve(ln); err != nil {
			logger.Warn().Err(err).Msg("rpc listener stopped")
		}
	}()
	go func() {
		defer c.wg.Done()
		c.Protocol.RunBeacon(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.Recovery.Run(runCtx)
	}()

	logger.Info().Str("self", c.Config.Self).Str("listen", c.Config.ListenAddr).Str("db_kind", c.Config.DBKind).Msg("ubik context started")
	umetrics.DBVersionEpoch.Set(float64(c.Manager.Version().Epoch))
	umetrics.DBVersionCounter.Set(float64(c.Manager.Version().Counter))
	return nil
}

// registerVoteHandlers wires the Vote service (Beacon/SBeacon plus the
// Debug inspection RPCs) onto the transport. Beacon handling lives in
// pkg/ubik rather than pkg/vote because it is the one handler that
// needs the caller's address, supplied by the transport's context
// rather than by the envelope (spec §4.4's vote receiver keys its
// per-host bookkeeping on "which peer sent this beacon"). SBeacon is
// the structured variant of the same call; this transport's beacons
// are structured natively so both names share one handler, as do the
// three Debug generations.
func (c *Context) registerVoteHandlers() {
	h, ok := c.Transport.(interface {
		Handle(method string, fn urpc.Handler)
	})
	if !ok {
		return
	}
	beacon := func(ctx context.Context, args interface{}) (interface{}, error) {
		req, ok := args.(vote.BeaconRequest)
		if !ok {
			return nil, fmt.Errorf("Vote.Beacon: bad args type %T", args)
		}
		host, _ := urpc.RemoteAddr(ctx)
		reply := c.Protocol.HandleBeacon(host, time.Now(), req)
		return reply, nil
	}
	h.Handle("Vote.Beacon", beacon)
	h.Handle("Vote.SBeacon", beacon)

	debug := func(ctx context.Context, args interface{}) (interface{}, error) {
		return c.Protocol.Debug(), nil
	}
	h.Handle("Vote.Debug", debug)
	h.Handle("Vote.SDebug", debug)
	h.Handle("Vote.SDebugOld", debug)
}

// Close stops every background goroutine and closes the transport and
// database.
func (c *Context) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.Transport.Close()
	c.wg.Wait()
	return c.Backend.Close()
}
