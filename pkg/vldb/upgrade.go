package vldb

import (
	"context"

	"github.com/cuemby/ubik/pkg/freeze"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

// upgradeBatch bounds how many entries one destination transaction
// copies. A flat destination keeps every dirtied page pinned in the
// buffer cache until commit (dirty slots are never reclaimable, spec
// §4.2), and each threaded entry can dirty up to seven pages, so an
// unbounded single-transaction copy would exhaust the fixed buffer
// array on any non-trivial database.
const upgradeBatch = 8

// Upgrade copies every volume entry and the extent table from src to
// dst, which must be a freshly created, empty database of the other
// physical back-end (spec §4.9 "Upgrade tool... copying the extent
// table once and each volume entry once"). dst's final epoch is set to
// src's epoch+1 "so the new db strictly dominates" the one it replaces.
func Upgrade(src, dst *txn.Manager) (uversion.Version, error) {
	srcTx, err := src.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	if err != nil {
		return uversion.Version{}, err
	}
	defer srcTx.EndTrans()
	srcStore, err := Open(srcTx)
	if err != nil {
		return uversion.Version{}, err
	}
	srcHeader, err := srcStore.ReadHeader()
	if err != nil {
		return uversion.Version{}, err
	}

	if srcHeader.SIT != 0 {
		block, err := srcStore.ExtentBlock(srcHeader.SIT)
		if err != nil {
			return uversion.Version{}, err
		}
		if block != nil {
			err := inDstTxn(dst, func(dstStore Store) error {
				return dstStore.SetExtentBlock(srcHeader.SIT, block)
			})
			if err != nil {
				return uversion.Version{}, err
			}
		}
	}

	var cursor uint64
	for done := false; !done; {
		err := inDstTxn(dst, func(dstStore Store) error {
			for i := 0; i < upgradeBatch; i++ {
				e, next, err := srcStore.NextEntry(cursor)
				if err != nil {
					return err
				}
				if e == nil {
					done = true
					return nil
				}
				cursor = next
				copied := *e
				copied.Ids[RWVol] = 0 // ThreadVLentry assigns dst's own fresh RW id
				if err := dstStore.ThreadVLentry(&copied); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return uversion.Version{}, err
		}
	}

	srcVersion := src.Version()
	fresh := uversion.Version{Epoch: srcVersion.Epoch + 1, Counter: 1}
	if err := dst.RelabelTo(fresh); err != nil {
		return uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "upgrade: stamp destination epoch", err)
	}
	return fresh, nil
}

// inDstTxn runs fn against a fresh write transaction on dst, committing
// on success and aborting on error.
func inDstTxn(dst *txn.Manager, fn func(Store) error) error {
	dstTx, err := dst.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	if err != nil {
		return err
	}
	dstStore, err := Open(dstTx)
	if err != nil {
		_ = dstTx.AbortTrans()
		return err
	}
	if err := fn(dstStore); err != nil {
		_ = dstTx.AbortTrans()
		return err
	}
	return dstTx.EndTrans()
}

// DistMode controls how OnlineUpgrader.Run treats a failed
// FreezeDistribute, mirroring the `-dist {try|skip|required}` CLI
// switch (spec §6 "CLI surface").
type DistMode int

const (
	// DistRequired fails the upgrade if distribution fails (default).
	DistRequired DistMode = iota
	// DistTry attempts distribution but proceeds to FreezeEnd on failure.
	DistTry
	// DistSkip never attempts distribution at all.
	DistSkip
)

// OnlineUpgrader is the freeze-wrapped version of Upgrade used by the
// `-online` CLI path (spec §4.9 "When performed online, it wraps the
// copy in a freeze"): FreezeBegin -> copy -> FreezeInstall ->
// FreezeDistribute -> FreezeEnd.
type OnlineUpgrader struct {
	Freeze *freeze.Manager
	Source *txn.Manager
	// NewEmptyDest must return a freshly created, empty database
	// manager of the target back-end kind.
	NewEmptyDest func() (*txn.Manager, error)
	BackupSuffix string
	Dist         DistMode
}

// Run executes one online upgrade under a freeze lease, returning the
// version installed.
func (u *OnlineUpgrader) Run(ctx context.Context, timeoutMs int) (uversion.Version, error) {
	lease, err := u.Freeze.FreezeBegin(true, true, timeoutMs)
	if err != nil {
		return uversion.Version{}, err
	}

	dst, err := u.NewEmptyDest()
	if err != nil {
		_ = u.Freeze.FreezeAbort(lease.ID)
		return uversion.Version{}, err
	}

	newVersion, err := Upgrade(u.Source, dst)
	if err != nil {
		_ = u.Freeze.FreezeAbort(lease.ID)
		return uversion.Version{}, err
	}

	snapshot, snapVersion, err := dst.ExportSnapshot()
	if err != nil {
		_ = u.Freeze.FreezeAbort(lease.ID)
		return uversion.Version{}, err
	}
	if snapVersion != newVersion {
		_ = u.Freeze.FreezeAbort(lease.ID)
		return uversion.Version{}, uerrors.New(uerrors.UINTERNAL, "upgrade: destination snapshot version mismatch")
	}

	if err := u.Freeze.FreezeInstall(lease.ID, lease.Version, newVersion, snapshot, u.BackupSuffix); err != nil {
		_ = u.Freeze.FreezeAbort(lease.ID)
		return uversion.Version{}, err
	}
	if u.Dist != DistSkip {
		if err := u.Freeze.FreezeDistribute(ctx, lease.ID); err != nil {
			if u.Dist == DistRequired {
				_ = u.Freeze.FreezeAbort(lease.ID)
				return uversion.Version{}, err
			}
			// DistTry: a failed distribution just leaves peers to catch
			// up via the ordinary recovery cycle.
		}
	}
	if err := u.Freeze.FreezeEnd(lease.ID); err != nil {
		return uversion.Version{}, err
	}
	return newVersion, nil
}
