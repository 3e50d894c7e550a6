package quorum

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

// GetVersion/Probe/UpdateInterfaceAddr and GetFile/GetFile2/SendFile/
// SendFile2 (spec §4.6, §6) are the Disk-service RPCs pkg/recovery and
// pkg/freeze use to find, fetch and redistribute the best database in
// the quorum. They live alongside the per-transaction DISK_* RPCs in
// rpc.go/dispatcher.go/server.go because they share the same Disk
// service, transport and server handler table.

const (
	MethodGetVersion          = "Disk.GetVersion"
	MethodProbe               = "Disk.Probe"
	MethodUpdateInterfaceAddr = "Disk.UpdateInterfaceAddr"
	MethodGetFile             = "Disk.GetFile"
	MethodGetFile2            = "Disk.GetFile2"
	MethodSendFile            = "Disk.SendFile"
	MethodSendFile2           = "Disk.SendFile2"
)

func init() {
	urpc.Register(GetVersionReply{})
	urpc.Register(UpdateInterfaceAddrArgs{})
}

// GetVersionReply is Disk.GetVersion's reply (spec §4.6).
type GetVersionReply struct {
	Version uversion.Version
}

// UpdateInterfaceAddrArgs tells a peer a new primary address has been
// probed for the sender (spec §4.6 "UpdateInterfaceAddr").
type UpdateInterfaceAddrArgs struct {
	Primary string
	NewAddr string
}

// GetVersion asks s for its currently committed database version
// (spec §4.6: recovery's find-best-db probe).
func (d *Dispatcher) GetVersion(ctx context.Context, s *vote.ServerDescriptor) (uversion.Version, error) {
	var reply GetVersionReply
	err := d.transport.Call(ctx, s.Primary(), MethodGetVersion, Ack{}, &reply)
	if err != nil {
		return uversion.Version{}, err
	}
	return reply.Version, nil
}

// Probe asks s to answer a liveness check over a specific address,
// used by recovery when hunting for a peer's working interface (spec
// §4.6 "Probe").
func (d *Dispatcher) Probe(ctx context.Context, addr string) error {
	var reply Ack
	return d.transport.Call(ctx, addr, MethodProbe, Ack{}, &reply)
}

// NotifyInterfaceAddr tells s that primary's working interface address
// has changed to newAddr.
func (d *Dispatcher) NotifyInterfaceAddr(ctx context.Context, s *vote.ServerDescriptor, primary, newAddr string) error {
	var reply Ack
	return d.transport.Call(ctx, s.Primary(), MethodUpdateInterfaceAddr, UpdateInterfaceAddrArgs{Primary: primary, NewAddr: newAddr}, &reply)
}

// snapshotEnvelope is the gob-encoded first frame of a GetFile2/
// SendFile2 stream, carrying the version the bytes that follow are
// labelled with (spec §4.6: "the version carried in the reply args").
type snapshotEnvelope struct {
	Version uversion.Version
}

func encodeEnvelope(v uversion.Version) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(snapshotEnvelope{Version: v})
	return buf.Bytes()
}

func decodeEnvelope(frame []byte) (uversion.Version, error) {
	var env snapshotEnvelope
	if err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&env); err != nil {
		return uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "decode snapshot envelope", err)
	}
	return env.Version, nil
}

// FetchFile2 pulls the whole database from s via DISK_GetFile2: the
// server writes the version frame first, then the data frame, then an
// empty EOF frame (spec §4.6, Open Question (a)).
func (d *Dispatcher) FetchFile2(ctx context.Context, s *vote.ServerDescriptor) ([]byte, uversion.Version, error) {
	stream, err := d.transport.Stream(ctx, s.Primary(), MethodGetFile2)
	if err != nil {
		return nil, uversion.Version{}, err
	}
	defer stream.Close()

	verFrame, err := stream.ReadFrame()
	if err != nil {
		return nil, uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "read version frame", err)
	}
	version, err := decodeEnvelope(verFrame)
	if err != nil {
		return nil, uversion.Version{}, err
	}
	data, err := stream.ReadFrame()
	if err != nil {
		return nil, uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "read data frame", err)
	}
	if _, err := stream.ReadFrame(); err != nil {
		return nil, uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "read eof frame", err)
	}
	return data, version, nil
}

// FetchFile pulls the whole database via the old DISK_GetFile RPC,
// which streams the bytes first and the label afterward (Open
// Question (a)): a stream that ends before the label frame arrives is
// a failed fetch, never a partial install.
func (d *Dispatcher) FetchFile(ctx context.Context, s *vote.ServerDescriptor) ([]byte, uversion.Version, error) {
	stream, err := d.transport.Stream(ctx, s.Primary(), MethodGetFile)
	if err != nil {
		return nil, uversion.Version{}, err
	}
	defer stream.Close()

	data, err := stream.ReadFrame()
	if err != nil {
		return nil, uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "read data frame", err)
	}
	verFrame, err := stream.ReadFrame()
	if err != nil {
		return nil, uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "truncated GetFile stream: no label", err)
	}
	version, err := decodeEnvelope(verFrame)
	if err != nil {
		return nil, uversion.Version{}, err
	}
	return data, version, nil
}

// SendSnapshotTo pushes data, labelled version, to s via DISK_SendFile2
// (new, KV-aware): version frame, data frame, empty EOF frame (spec
// §4.6).
func (d *Dispatcher) SendSnapshotTo(ctx context.Context, s *vote.ServerDescriptor, data []byte, version uversion.Version) error {
	stream, err := d.transport.Stream(ctx, s.Primary(), MethodSendFile2)
	if err != nil {
		return err
	}
	defer stream.Close()
	if err := stream.WriteFrame(encodeEnvelope(version)); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write version frame", err)
	}
	if err := stream.WriteFrame(data); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write data frame", err)
	}
	return stream.WriteFrame(nil)
}

// handleGetVersion answers Disk.GetVersion with this process's
// currently committed version.
func (s *Server) handleGetVersion(_ context.Context, args interface{}) (interface{}, error) {
	return GetVersionReply{Version: s.manager.Version()}, nil
}

// handleProbe answers Disk.Probe with a bare acknowledgement: the
// caller only cares whether the RPC succeeded at all.
func (s *Server) handleProbe(_ context.Context, args interface{}) (interface{}, error) {
	return Ack{}, nil
}

// handleUpdateInterfaceAddr records a peer's newly probed working
// address, if this Server was constructed with an OnAddrUpdate hook.
func (s *Server) handleUpdateInterfaceAddr(_ context.Context, args interface{}) (interface{}, error) {
	a, ok := args.(UpdateInterfaceAddrArgs)
	if !ok {
		return nil, uerrors.New(uerrors.UBADTYPE, "Disk.UpdateInterfaceAddr: bad args")
	}
	if s.OnAddrUpdate != nil {
		s.OnAddrUpdate(a.Primary, a.NewAddr)
	}
	return Ack{}, nil
}

// handleGetFile2Stream answers DISK_GetFile2: version frame, data
// frame, empty EOF frame.
func (s *Server) handleGetFile2Stream(_ context.Context, stream urpc.Stream) error {
	data, version, err := s.manager.ExportSnapshot()
	if err != nil {
		return err
	}
	if err := stream.WriteFrame(encodeEnvelope(version)); err != nil {
		return err
	}
	if err := stream.WriteFrame(data); err != nil {
		return err
	}
	return stream.WriteFrame(nil)
}

// handleGetFileStream answers the old DISK_GetFile: data frame then
// label frame, matching Open Question (a).
func (s *Server) handleGetFileStream(_ context.Context, stream urpc.Stream) error {
	data, version, err := s.manager.ExportSnapshot()
	if err != nil {
		return err
	}
	if err := stream.WriteFrame(data); err != nil {
		return err
	}
	return stream.WriteFrame(encodeEnvelope(version))
}

// handleSendFile2Stream answers DISK_SendFile2: read the version
// frame, the data frame, the EOF frame, then install.
func (s *Server) handleSendFile2Stream(_ context.Context, stream urpc.Stream) error {
	verFrame, err := stream.ReadFrame()
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "read version frame", err)
	}
	version, err := decodeEnvelope(verFrame)
	if err != nil {
		return err
	}
	data, err := stream.ReadFrame()
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "read data frame", err)
	}
	if _, err := stream.ReadFrame(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "read eof frame", err)
	}
	return s.manager.InstallSnapshot(data, version, "")
}

// handleSendFileStream answers the old DISK_SendFile: data frame then
// label frame.
func (s *Server) handleSendFileStream(_ context.Context, stream urpc.Stream) error {
	data, err := stream.ReadFrame()
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "read data frame", err)
	}
	verFrame, err := stream.ReadFrame()
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "truncated SendFile stream: no label", err)
	}
	version, err := decodeEnvelope(verFrame)
	if err != nil {
		return err
	}
	return s.manager.InstallSnapshot(data, version, "")
}
