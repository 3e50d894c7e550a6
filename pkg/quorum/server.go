package quorum

import (
	"context"

	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/urpc"
)

// Server answers the DISK_* RPCs a sync site sends to this process,
// applying them to the local *txn.Manager via its Remote* entry
// points (spec §4.8, §6). One Server per database instance.
type Server struct {
	manager *txn.Manager

	// OnAddrUpdate, if set, is invoked when a peer reports (via
	// Disk.UpdateInterfaceAddr) that its working interface address has
	// changed (spec §4.6).
	OnAddrUpdate func(primary, newAddr string)
}

// NewServer builds a Server delegating to manager.
func NewServer(manager *txn.Manager) *Server {
	return &Server{manager: manager}
}

// Register wires every DISK_* request/reply method onto a urpc
// server-side handler table (cmd/ubikd does this once per database
// instance at startup).
func (s *Server) Register(h interface {
	Handle(method string, fn urpc.Handler)
}) {
	h.Handle(MethodBegin, s.handleBegin)
	h.Handle(MethodLock, s.handleLock)
	h.Handle(MethodWrite, s.handleWrite)
	h.Handle(MethodWriteV, s.handleWriteV)
	h.Handle(MethodCommit, s.handleCommit)
	h.Handle(MethodAbort, s.handleAbort)
	h.Handle(MethodReleaseLocks, s.handleReleaseLocks)
	h.Handle(MethodSetVersion, s.handleSetVersion)
	h.Handle(MethodGetVersion, s.handleGetVersion)
	h.Handle(MethodProbe, s.handleProbe)
	h.Handle(MethodUpdateInterfaceAddr, s.handleUpdateInterfaceAddr)
}

// RegisterStreams wires the four whole-database transfer RPCs onto a
// urpc server-side stream handler table (spec §4.6).
func (s *Server) RegisterStreams(h interface {
	HandleStream(method string, fn urpc.StreamHandler)
}) {
	h.HandleStream(MethodGetFile, s.handleGetFileStream)
	h.HandleStream(MethodGetFile2, s.handleGetFile2Stream)
	h.HandleStream(MethodSendFile, s.handleSendFileStream)
	h.HandleStream(MethodSendFile2, s.handleSendFile2Stream)
}

func (s *Server) handleBegin(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(BeginArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.Begin: bad args")
	}
	return Ack{}, s.manager.RemoteBegin(a.Tid)
}

// handleLock is a no-op: byte-range locks are enforced only at the
// sync site (spec §4.8); a backup just acknowledges so the sync
// site's quorum count is unaffected.
func (s *Server) handleLock(_ context.Context, args interface{}) (interface{}, error) {
	if _, ok := args.(LockArgs); !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.Lock: bad args")
	}
	return Ack{}, nil
}

// handleWrite answers the old per-write Disk.Write RPC by applying it
// as a one-element vector.
func (s *Server) handleWrite(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(WriteArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.Write: bad args")
	}
	return Ack{}, s.manager.RemoteWriteV(a.Tid, []txn.WriteOp{{File: a.File, Pos: a.Pos, Data: a.Data}})
}

func (s *Server) handleWriteV(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(WriteVArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.WriteV: bad args")
	}
	return Ack{}, s.manager.RemoteWriteV(a.Tid, a.Writes)
}

func (s *Server) handleCommit(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(CommitArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.Commit: bad args")
	}
	return Ack{}, s.manager.RemoteCommit(a.Tid, a.NewVersion)
}

func (s *Server) handleAbort(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(AbortArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.Abort: bad args")
	}
	return Ack{}, s.manager.RemoteAbort(a.Tid)
}

func (s *Server) handleReleaseLocks(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(ReleaseLocksArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.ReleaseLocks: bad args")
	}
	return Ack{}, s.manager.RemoteReleaseLocks(a.Tid)
}

func (s *Server) handleSetVersion(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(SetVersionArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.SetVersion: bad args")
	}
	return Ack{}, s.manager.RemoteSetVersion(a.OldVersion, a.NewVersion)
}
