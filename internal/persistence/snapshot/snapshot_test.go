package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"farmplots/internal/sim/plot"
)

func TestWriteReadSnapshot(t *testing.T) {
	owner := plot.Member{Identity: uuid.New(), Name: "alice", Role: plot.RoleOwner}
	coop := plot.Member{Identity: uuid.New(), Name: "bob", Role: plot.RoleCoop}
	recs := []plot.Record{
		{ID: 2, RegionID: "b", State: 1, Level: 1, Items: "WHEAT:3", Members: []plot.Member{owner, coop}, Overrides: map[string]bool{"autoseller": true}},
		{ID: 1, RegionID: "a", Members: []plot.Member{owner}},
	}
	path := filepath.Join(t.TempDir(), "snap", "plots-1.snap.zst")
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Seq: 1, TakenAt: "2026-01-01T00:00:00Z"}, Plots: FromRecords(recs)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Version != Version || h.Seq != 1 || h.Plots != 2 {
		t.Fatalf("header=%+v", h)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := snap.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(got) != 2 || got[0].RegionID != "a" || got[1].RegionID != "b" {
		t.Fatalf("records=%+v", got)
	}
	b := got[1]
	if b.ID != 2 || b.Items != "WHEAT:3" || b.Level != 1 || !b.Overrides["autoseller"] {
		t.Fatalf("plot b=%+v", b)
	}
	if len(b.Members) != 2 || b.Members[0] != owner || b.Members[1] != coop {
		t.Fatalf("members=%+v", b.Members)
	}
}

func TestReadSnapshotMissingFile(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error")
	}
}
