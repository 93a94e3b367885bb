package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"farmplots/internal/persistence/journal"
	"farmplots/internal/persistence/plotdb"
	"farmplots/internal/persistence/snapshot"
	"farmplots/internal/sim/levels"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "export":
			exportCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "plots":
			plotsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints snapshot headers, newest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := snapshotFiles(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for i := len(paths) - 1; i >= 0; i-- {
		h, err := snapshot.ReadHeader(paths[i])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", paths[i], err)
			continue
		}
		printJSON(struct {
			Path string `json:"path"`
			snapshot.Header
		}{paths[i], h})
	}
}

// exportCmd reads every plot from the database and writes a snapshot file
// without a running server.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	driver := fs.String("driver", "sqlite", "storage driver: sqlite|postgres")
	dsn := fs.String("dsn", "./data/plots.sqlite", "sqlite path or postgres url")
	levelsPath := fs.String("levels", "", "levels.yaml path (optional; recorded as a digest)")
	outPath := fs.String("out", "", "output snapshot path (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*outPath) == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := plotdb.OpenSQL(ctx, *driver, *dsn, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer store.Close()
	recs, err := store.LoadAll(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			TakenAt: time.Now().UTC().Format(time.RFC3339),
			Plots:   len(recs),
		},
		Plots: snapshot.FromRecords(recs),
	}
	if *levelsPath != "" {
		cat, err := levels.Load(*levelsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "levels:", err)
			os.Exit(1)
		}
		snap.Header.LevelsDigest = cat.Digest()
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s plots=%d\n", *outPath, len(recs))
}

// inspectCmd prints one snapshot; -latest picks the newest under -data.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	region := fs.String("region", "", "only print this region")
	headerOnly := fs.Bool("header", false, "print the header only")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = latestSnapshot(filepath.Join(*dataDir, "snapshots"))
		if path == "" {
			fmt.Fprintln(os.Stderr, "no snapshots found")
			os.Exit(2)
		}
	}
	if *headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		printJSON(h)
		return
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	printJSON(snap.Header)
	for _, p := range snap.Plots {
		if *region != "" && p.RegionID != *region {
			continue
		}
		printJSON(p)
	}
}

// journalCmd prints failed storage writes; -day limits output to one
// journal file.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dir := fs.String("dir", "", "journal directory (optional; defaults to <data>/journal)")
	prefix := fs.String("prefix", "failed-writes", "journal file prefix")
	day := fs.String("day", "", "UTC day YYYY-MM-DD (optional)")
	reason := fs.String("reason", "", "reason filter: queue_saturated|queue_closed|write_failed")
	_ = fs.Parse(args)

	jdir := strings.TrimSpace(*dir)
	if jdir == "" {
		jdir = filepath.Join(*dataDir, "journal")
	}
	var paths []string
	if *day != "" {
		paths = []string{journal.Open(jdir, *prefix).Path(*day)}
	} else {
		var err error
		if paths, err = journal.Files(jdir, *prefix); err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
	}
	for _, p := range paths {
		entries, err := journal.ReadFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			continue
		}
		for _, e := range entries {
			if *reason != "" && e.Reason != *reason {
				continue
			}
			printJSON(e)
		}
	}
}

func snapshotFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func latestSnapshot(dir string) string {
	paths, err := snapshotFiles(dir)
	if err != nil || len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
