package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"farmplots/internal/persistence/plotdb"
	"farmplots/internal/sim/levels"
	"farmplots/internal/sim/modules"
	"farmplots/internal/sim/plot"
)

type failureLog struct {
	mu   sync.Mutex
	list []plotdb.Failure
}

func (f *failureLog) Report(x plotdb.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, x)
}

func (f *failureLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

type sqliteHarness struct {
	store    *plotdb.SQLStore
	queue    *plotdb.Queue
	adapter  *plotdb.Adapter
	failures *failureLog
	reg      *Registry
}

func newSQLiteHarness(t *testing.T) *sqliteHarness {
	t.Helper()
	store, err := plotdb.OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "plots.sqlite"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	failures := &failureLog{}
	q := plotdb.NewQueue(plotdb.QueueConfig{Shards: 4, Reporter: failures})
	t.Cleanup(func() {
		q.Close()
		_ = store.Close()
	})
	adapter := plotdb.NewAdapter(store, q)
	reg := New(plot.Deps{Levels: levels.Defaults(), Modules: modules.Stock(), Persist: adapter}, nil, nil)
	return &sqliteHarness{store: store, queue: q, adapter: adapter, failures: failures, reg: reg}
}

// stall keeps the write lane of region busy for d.
func (h *sqliteHarness) stall(region string, d time.Duration) {
	h.queue.Enqueue(plotdb.Job{Key: plot.RegionKey(region), Kind: "stall", Run: func(context.Context) error {
		time.Sleep(d)
		return nil
	}})
}

func (h *sqliteHarness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.adapter.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (h *sqliteHarness) stored(t *testing.T) []plot.Record {
	t.Helper()
	recs, err := h.store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return recs
}

func TestRemoveThenCreateSameRegionWhileLaneBusy(t *testing.T) {
	h := newSQLiteHarness(t)
	oldOwner, newOwner := uuid.New(), uuid.New()
	region := oldOwner.String()

	if _, err := h.reg.Create(region, oldOwner, "alice", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.flush(t)

	h.stall(region, 200*time.Millisecond)
	if !h.reg.Remove(region) {
		t.Fatalf("remove reported absent")
	}
	fresh, err := h.reg.Create(region, newOwner, "bob", 0)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	want := fresh.ChangeAttribute(modules.AutoHarvest)
	h.flush(t)

	recs := h.stored(t)
	if len(recs) != 1 || fresh.ID() == 0 || recs[0].ID != fresh.ID() {
		t.Fatalf("stored=%d fresh.ID=%d", len(recs), fresh.ID())
	}
	if len(recs[0].Members) != 1 || recs[0].Members[0].Identity != newOwner {
		t.Fatalf("stored members=%+v", recs[0].Members)
	}
	if got, ok := recs[0].Overrides[modules.AutoHarvest]; !ok || got != want {
		t.Fatalf("stored overrides=%v want %s=%v", recs[0].Overrides, modules.AutoHarvest, want)
	}
	if n := h.failures.len(); n != 0 {
		t.Fatalf("failures=%d want=0", n)
	}
}

func TestRemoveRekeyedPlotThenCreateOnItsRegion(t *testing.T) {
	h := newSQLiteHarness(t)
	if _, err := h.reg.Create("origin", uuid.New(), "alice", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.flush(t)

	// The rekeyed plot keeps writing on its original lane; stall it so the
	// new plot's insert overtakes the old plot's writes.
	h.stall("origin", 200*time.Millisecond)
	if err := h.reg.Rekey("origin", "moved"); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	h.reg.Remove("moved")
	fresh, err := h.reg.Create("moved", uuid.New(), "bob", 1)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	h.flush(t)

	recs := h.stored(t)
	if len(recs) != 1 || recs[0].RegionID != "moved" || recs[0].ID != fresh.ID() || recs[0].Level != 1 {
		t.Fatalf("stored=%+v fresh.ID=%d", recs, fresh.ID())
	}
}
