package vldb

import (
	"fmt"

	"github.com/cuemby/ubik/pkg/txn"
)

// Report is the outcome of Check, mirroring the severities
// original_source/src/vlserver/vldb_check.c accumulates into its
// error_level: Warnings never block an upgrade, Errors indicate
// corruption Fix (if requested) attempted to repair, Fatal means the
// database could not be read at all.
type Report struct {
	Entries  int
	Warnings []string
	Errors   []string
	Fatal    error
}

// OK reports whether the database had neither warnings nor errors.
func (r *Report) OK() bool { return r.Fatal == nil && len(r.Errors) == 0 && len(r.Warnings) == 0 }

// Check walks every entry reachable from NextEntry and cross-checks it
// against FindByName and FindById for each of its non-zero ids (the
// Go analogue of vldb_check.c's per-entry "mischained" tests MISRWH/
// MISROH/MISBKH/MISNH: an entry is mischained if looking it up by the
// key that should reach it does not). If fix is true, a header whose
// Totals[RWVol] disagrees with the number of entries actually walked
// is rewritten to match, the one repair original_source performs
// unconditionally on -fix (vldb_check.c "fix totalentries").
func Check(tx *txn.Txn, fix bool) *Report {
	store, err := Open(tx)
	if err != nil {
		return &Report{Fatal: fmt.Errorf("open store: %w", err)}
	}
	h, err := store.ReadHeader()
	if err != nil {
		return &Report{Fatal: fmt.Errorf("read header: %w", err)}
	}

	r := &Report{}
	var cursor uint64
	for {
		e, next, err := store.NextEntry(cursor)
		if err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("NextEntry after %d: %v", cursor, err))
			break
		}
		if e == nil {
			break
		}
		cursor = next
		r.Entries++

		byName, err := store.FindByName(e.Name)
		if err != nil || byName.Ids[RWVol] != e.Ids[RWVol] {
			r.Errors = append(r.Errors, fmt.Sprintf("entry %d (%q): mischained in name hash (MISNH)", e.Ids[RWVol], e.Name))
		}
		for t := VolType(0); t < numVolTypes; t++ {
			if e.Ids[t] == 0 {
				continue
			}
			byID, err := store.FindById(e.Ids[t])
			if err != nil || byID.Ids[RWVol] != e.Ids[RWVol] {
				r.Errors = append(r.Errors, fmt.Sprintf("entry %d (%q): mischained in %s id hash", e.Ids[RWVol], e.Name, t))
			}
		}
	}

	if h.Totals[RWVol] != uint32(r.Entries) {
		msg := fmt.Sprintf("header totals[RW]=%d, walked %d entries", h.Totals[RWVol], r.Entries)
		if fix {
			h.Totals[RWVol] = uint32(r.Entries)
			if err := store.WriteHeader(h); err != nil {
				r.Errors = append(r.Errors, fmt.Sprintf("fix totals: %v", err))
			} else {
				r.Warnings = append(r.Warnings, msg+" (fixed)")
			}
		} else {
			r.Warnings = append(r.Warnings, msg)
		}
	}

	return r
}
