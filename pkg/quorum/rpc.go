package quorum

import (
	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
)

func init() {
	urpc.Register(BeginArgs{})
	urpc.Register(LockArgs{})
	urpc.Register(WriteVArgs{})
	urpc.Register(WriteArgs{})
	urpc.Register(CommitArgs{})
	urpc.Register(AbortArgs{})
	urpc.Register(ReleaseLocksArgs{})
	urpc.Register(SetVersionArgs{})
	urpc.Register(Ack{})
}

// The DISK_* RPC argument/reply types (spec §4.8, §6). Ack is the
// shared empty reply: every DISK_* call either succeeds or returns a
// classified error through the transport's reply envelope.
type Ack struct{}

type BeginArgs struct {
	Tid uversion.Version
}

type LockArgs struct {
	Tid    uversion.Version
	File   storage.FlatFileID
	Pos    int64
	Length int
	Lock   txn.LockType
}

type WriteVArgs struct {
	Tid    uversion.Version
	Writes []txn.WriteOp
}

// WriteArgs is the old per-write Disk.Write RPC, the fallback peers
// predating WriteV understand. One call carries one write.
type WriteArgs struct {
	Tid  uversion.Version
	File storage.FlatFileID
	Pos  int64
	Data []byte
}

type CommitArgs struct {
	Tid        uversion.Version
	NewVersion uversion.Version
}

type AbortArgs struct {
	Tid uversion.Version
}

type ReleaseLocksArgs struct {
	Tid uversion.Version
}

type SetVersionArgs struct {
	Tid        uversion.Version
	OldVersion uversion.Version
	NewVersion uversion.Version
}

const (
	MethodBegin        = "Disk.Begin"
	MethodLock         = "Disk.Lock"
	MethodWrite        = "Disk.Write"
	MethodWriteV       = "Disk.WriteV"
	MethodCommit       = "Disk.Commit"
	MethodAbort        = "Disk.Abort"
	MethodReleaseLocks = "Disk.ReleaseLocks"
	MethodSetVersion   = "Disk.SetVersion"
)
