package uversion

import (
	"context"
	"time"

	"github.com/cuemby/ubik/pkg/uerrors"
)

// Milestone is the floor below which an epoch is never valid. It is
// UBIK_MILESTONE from the original source: 2017-06-20T19:36:43Z expressed
// as seconds since the Unix epoch, chosen as a value no real database
// clock could have predated.
const Milestone uint32 = 1497987403

// Version is Ubik's (epoch, counter) pair, lexicographically ordered.
type Version struct {
	Epoch   uint32
	Counter uint32
}

// Initial is the label given to a newly created, as-yet-unshared
// database (spec §3: "A newly initialized database is labelled (1,1)").
var Initial = Version{Epoch: 1, Counter: 1}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater
// than other, ordering by epoch first then counter.
func (v Version) Compare(other Version) int {
	switch {
	case v.Epoch < other.Epoch:
		return -1
	case v.Epoch > other.Epoch:
		return 1
	case v.Counter < other.Counter:
		return -1
	case v.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// Less reports v < other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// GreaterEqual reports v >= other.
func (v Version) GreaterEqual(other Version) bool { return v.Compare(other) >= 0 }

// IsReal reports whether v identifies a "real" database, i.e. one that
// has survived the initial (1,1) label and been relabelled after quorum
// was first established: epoch > 1, counter >= 1.
func (v Version) IsReal() bool { return v.Epoch > 1 && v.Counter >= 1 }

// Zero reports whether v is the zero value, meaning no database has ever
// been labelled.
func (v Version) Zero() bool { return v.Epoch == 0 && v.Counter == 0 }

// clockFn is overridable in tests.
var clockFn = func() uint32 { return uint32(time.Now().Unix()) }

// NewEpoch returns the current seconds-since-epoch value, validated to
// fall in (Milestone, now]: a clock reading equal to Milestone is
// rejected. An epoch of zero or one lying in the future
// relative to the local clock is invalid per spec §3.
func NewEpoch() (uint32, error) {
	e := clockFn()
	if e <= Milestone {
		return 0, uerrors.New(uerrors.UBADVERSION, "epoch at or below milestone")
	}
	return e, nil
}

// WaitForEpoch blocks, polling at the given interval, until the wall
// clock's epoch strictly exceeds used. This is the guard Open Question
// (b) requires: relabeling never predicts or pre-allocates the next
// epoch value, it waits for the clock to actually pass it, so a
// concurrent commit incrementing the same epoch can never be raced by
// an install that assumes a not-yet-arrived epoch. Returns ctx.Err() if
// ctx is cancelled first.
func WaitForEpoch(ctx context.Context, used uint32, interval time.Duration) error {
	if clockFn() > used {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if clockFn() > used {
				return nil
			}
		}
	}
}

// RelabelAfterQuorum is the version a database moves to the first time
// quorum is established over an as-yet-unshared (1,1) database (spec §3:
// "after quorum is first established it is relabelled (2,1)").
var RelabelAfterQuorum = Version{Epoch: 2, Counter: 1}
