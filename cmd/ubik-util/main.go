// Command ubik-util is the offline checker/upgrader for a ubik
// database: run against a stopped server's data directory, it walks
// every volume entry's hash chains looking for corruption and,
// optionally, copies the database to the other physical back-end
// (spec §6 "CLI surface"). Grounded on the teacher's
// cmd/warren-migrate/main.go (flag-based, bbolt-aware migration tool)
// and original_source/src/vlserver/vldb_check.c /
// vldb_upgrade.c, whose switches this tool's flags name-for-name.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/vldb"
)

// Exit codes (spec §6): 0 OK, 1 warning, 2 error, 4 fatal.
const (
	exitOK      = 0
	exitWarning = 1
	exitError   = 2
	exitFatal   = 4
)

var (
	databasePath = flag.String("database", "", "Path to the database (flat base path or KV directory)")
	fix          = flag.Bool("fix", false, "Attempt to repair inconsistencies found while checking")
	quiet        = flag.Bool("quiet", false, "Suppress summary and progress output")
	verbose      = flag.Bool("verbose", false, "Print every warning and error the check finds")
	to           = flag.String("to", "", "Upgrade to the other back-end: vldb4 (flat) or vldb4-kv (kv)")
	online       = flag.Bool("online", false, "Perform the upgrade online, under a freeze lease, instead of offline")
	backupSuffix = flag.String("backup-suffix", ".OLD", "Suffix for the pre-upgrade backup copy")
	noBackup     = flag.Bool("no-backup", false, "Skip writing a pre-upgrade backup copy")
	dist         = flag.String("dist", "required", "Online redistribution requirement: try, skip, or required")
	ignoreEpoch  = flag.Bool("ignore-epoch", false, "Allow upgrading a database whose epoch looks stale")
	forceType    = flag.String("force-type", "", "Force the source back-end type instead of probing: flat or kv")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *databasePath == "" {
		fmt.Fprintln(os.Stderr, "ubik-util: -database is required")
		return exitFatal
	}

	backend, kind, err := openSource(*databasePath, *forceType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubik-util: open database: %v\n", err)
		return exitFatal
	}
	defer backend.Close()

	manager, err := openManager(backend, kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubik-util: open transaction manager: %v\n", err)
		return exitFatal
	}

	code := exitOK
	if report := runCheck(manager); report != nil {
		code = maxCode(code, reportExit(report))
	}

	if *to != "" {
		targetKind, err := parseTargetKind(*to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ubik-util: %v\n", err)
			return maxCode(code, exitFatal)
		}
		if targetKind == kind {
			fmt.Fprintf(os.Stderr, "ubik-util: database is already %s\n", kind)
			return maxCode(code, exitFatal)
		}
		if err := runUpgrade(manager, backend, targetKind); err != nil {
			fmt.Fprintf(os.Stderr, "ubik-util: upgrade failed: %v\n", err)
			return maxCode(code, exitError)
		}
		if !*quiet {
			fmt.Printf("upgrade to %s complete\n", targetKind)
		}
	}

	return code
}

func openSource(path, forced string) (storage.Backend, storage.Kind, error) {
	switch forced {
	case "flat":
		b, err := storage.OpenFlatStore(path)
		return b, storage.Flat, err
	case "kv":
		b, err := storage.OpenKVStore(path)
		return b, storage.KV, err
	case "":
		// Probe: a KV database is a directory, a flat database's base
		// path has sibling .DB/.DBSYS1 files (spec §6 "KV on-disk
		// layout"/"Database file format").
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			b, err := storage.OpenKVStore(path)
			return b, storage.KV, err
		}
		b, err := storage.OpenFlatStore(path)
		return b, storage.Flat, err
	default:
		return nil, 0, fmt.Errorf("unknown -force-type %q (want flat or kv)", forced)
	}
}

func openManager(backend storage.Backend, kind storage.Kind) (*txn.Manager, error) {
	switch kind {
	case storage.Flat:
		return txn.NewFlatManager(backend.(storage.FlatBackend), 128, nil)
	default:
		return txn.NewKVManager(backend.(storage.KVBackend), nil)
	}
}

func runCheck(manager *txn.Manager) *vldb.Report {
	// Repairs write through the transaction, so -fix needs write mode;
	// a plain check stays read-only.
	mode := txn.ReadMode
	if *fix {
		mode = txn.WriteMode
	}
	tx, err := manager.BeginTrans(mode, txn.ReadAnyOK)
	if err != nil {
		return &vldb.Report{Fatal: err}
	}
	defer tx.EndTrans()

	report := vldb.Check(tx, *fix)
	if !*quiet {
		fmt.Printf("checked %d entries\n", report.Entries)
	}
	if *verbose {
		for _, w := range report.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		for _, e := range report.Errors {
			fmt.Printf("error: %s\n", e)
		}
	}
	return report
}

func reportExit(r *vldb.Report) int {
	switch {
	case r.Fatal != nil:
		return exitFatal
	case len(r.Errors) > 0:
		return exitError
	case len(r.Warnings) > 0:
		return exitWarning
	default:
		return exitOK
	}
}

func maxCode(a, b int) int {
	if b > a {
		return b
	}
	return a
}

func parseTargetKind(to string) (storage.Kind, error) {
	switch to {
	case "vldb4":
		return storage.Flat, nil
	case "vldb4-kv":
		return storage.KV, nil
	default:
		return 0, fmt.Errorf("unknown -to %q (want vldb4 or vldb4-kv)", to)
	}
}

func parseDistMode(s string) (vldb.DistMode, error) {
	switch s {
	case "try":
		return vldb.DistTry, nil
	case "skip":
		return vldb.DistSkip, nil
	case "required", "":
		return vldb.DistRequired, nil
	default:
		return 0, fmt.Errorf("unknown -dist %q (want try, skip, or required)", s)
	}
}

func runUpgrade(src *txn.Manager, srcBackend storage.Backend, targetKind storage.Kind) error {
	if !*ignoreEpoch && !src.Version().IsReal() {
		return fmt.Errorf("source database has never been relabelled past (1,1); pass -ignore-epoch to upgrade anyway")
	}
	if *online {
		// -online requires a live freeze.Manager (control socket, peer
		// redistribution) only a running ubikd process holds; offline
		// ubik-util runs against a stopped server (spec §6).
		if _, err := parseDistMode(*dist); err != nil {
			return err
		}
		return fmt.Errorf("-online upgrade requires a running server's freeze manager; run ubikd's upgrade admin path instead of offline ubik-util")
	}

	if !*noBackup {
		backupPath := *databasePath + *backupSuffix
		if err := srcBackend.Copy(backupPath); err != nil {
			return fmt.Errorf("backup source database to %s: %w", backupPath, err)
		}
		if !*quiet {
			fmt.Printf("backed up source database to %s\n", backupPath)
		}
	}

	destPath := *databasePath + ".new"
	destBackend, err := createEmpty(destPath, targetKind)
	if err != nil {
		return err
	}
	dst, err := openManager(destBackend, targetKind)
	if err != nil {
		destBackend.Close()
		return err
	}

	newVersion, err := vldb.Upgrade(src, dst)
	if err != nil {
		_ = dst.AbortActive()
		destBackend.Close()
		return err
	}
	if !*quiet {
		fmt.Printf("new version: epoch=%d counter=%d\n", newVersion.Epoch, newVersion.Counter)
	}
	return destBackend.Close()
}

func createEmpty(path string, kind storage.Kind) (storage.Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	switch kind {
	case storage.Flat:
		return storage.OpenFlatStore(path)
	default:
		return storage.OpenKVStore(path)
	}
}
