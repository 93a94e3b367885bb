package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"farmplots/internal/persistence/plotdb"
	"farmplots/internal/sim/levels"
	"farmplots/internal/sim/modules"
	"farmplots/internal/sim/plot"
)

func testRegistry() *Registry {
	return New(plot.Deps{Levels: levels.Defaults(), Modules: modules.Stock()}, nil, nil)
}

func TestScenario_CreateAddTransferToggle(t *testing.T) {
	ctx := context.Background()
	store := plotdb.NewMemoryStore()
	q := plotdb.NewQueue(plotdb.QueueConfig{Shards: 2})
	defer q.Close()
	adapter := plotdb.NewAdapter(store, q)
	mods := modules.Stock()
	r := New(plot.Deps{Levels: levels.Defaults(), Modules: mods, Persist: adapter}, nil, nil)

	u1, u2 := uuid.New(), uuid.New()
	p, err := r.Create("R1", u1, "alice", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.AddCoop(u2, "bob"); err != nil {
		t.Fatalf("add coop: %v", err)
	}
	if err := r.ChangeOwner(u1, u2, "bob", "R1"); err != nil {
		t.Fatalf("change owner: %v", err)
	}
	owner, err := p.Owner()
	if err != nil || owner.Identity != u2 {
		t.Fatalf("owner=%v err=%v want=%s", owner.Identity, err, u2)
	}
	if m, _ := p.Member(u1); m.Role != plot.RoleCoop {
		t.Fatalf("previous owner role=%v want=COOP", m.Role)
	}

	def := mods.DefaultStatus(modules.AutoHarvest)
	if got := p.ChangeAttribute(modules.AutoHarvest); got != !def {
		t.Fatalf("first toggle=%v want=%v", got, !def)
	}
	if got := p.ChangeAttribute(modules.AutoHarvest); got != def {
		t.Fatalf("second toggle=%v want=%v", got, def)
	}
	if n := len(p.Overrides()); n != 0 {
		t.Fatalf("overrides=%d want=0", n)
	}

	if err := adapter.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	recs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 || len(recs[0].Members) != 2 || len(recs[0].Overrides) != 0 {
		t.Fatalf("stored=%+v", recs)
	}
	for _, m := range recs[0].Members {
		if (m.Identity == u2) != m.IsOwner() {
			t.Fatalf("stored member %s role=%v", m.Identity, m.Role)
		}
	}

	// A second registry built from storage sees the same plot.
	r2 := New(plot.Deps{Levels: levels.Defaults(), Modules: mods}, nil, nil)
	if st := r2.Load(recs); st.Loaded != 1 {
		t.Fatalf("load stats=%+v", st)
	}
	p2, ok := r2.Get("R1")
	if !ok || p2.ID() != p.ID() {
		t.Fatalf("reloaded ok=%v id=%d want=%d", ok, p2.ID(), p.ID())
	}
}

func TestCreate_Collisions(t *testing.T) {
	r := testRegistry()
	if _, err := r.Create("R1", uuid.New(), "a", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("R1", uuid.New(), "b", 0); !errors.Is(err, plot.ErrRegionExists) {
		t.Fatalf("err=%v want ErrRegionExists", err)
	}
	if _, err := r.Create("R2", uuid.New(), "b", 9); !errors.Is(err, plot.ErrLevelOutOfRange) {
		t.Fatalf("err=%v want ErrLevelOutOfRange", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want=1", r.Len())
	}
}

func TestRemove_Idempotent(t *testing.T) {
	r := testRegistry()
	if _, err := r.Create("R1", uuid.New(), "a", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !r.Remove("R1") {
		t.Fatalf("first remove returned false")
	}
	if r.Remove("R1") {
		t.Fatalf("second remove returned true")
	}
	if _, ok := r.Get("R1"); ok {
		t.Fatalf("plot still registered")
	}
}

func TestChangeOwner_UnknownRegion(t *testing.T) {
	r := testRegistry()
	err := r.ChangeOwner(uuid.New(), uuid.New(), "x", "nowhere")
	if !errors.Is(err, plot.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestRekeyAndFindByMember(t *testing.T) {
	r := testRegistry()
	u := uuid.New()
	if _, err := r.Create("b", u, "a", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("a", u, "a", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Rekey("b", "a"); !errors.Is(err, plot.ErrRegionExists) {
		t.Fatalf("err=%v want ErrRegionExists", err)
	}
	if err := r.Rekey("b", "c"); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	p, ok := r.Get("c")
	if !ok || p.RegionID() != "c" {
		t.Fatalf("rekeyed plot ok=%v", ok)
	}
	got := r.FindByMember(u)
	if len(got) != 2 || got[0].RegionID() != "a" || got[1].RegionID() != "c" {
		t.Fatalf("find=%d plots", len(got))
	}
	if len(r.FindByMember(uuid.New())) != 0 {
		t.Fatalf("stranger found plots")
	}
}

func TestLoad_ClampsAndFlagsCorruption(t *testing.T) {
	r := testRegistry()
	owner := plot.Member{Identity: uuid.New(), Role: plot.RoleOwner}
	st := r.Load([]plot.Record{
		{ID: 1, RegionID: "ok", Level: 0, Members: []plot.Member{owner}},
		{ID: 2, RegionID: "high", Level: 7, Members: []plot.Member{owner}},
		{ID: 3, RegionID: "orphan", Level: 0},
		{ID: 4, RegionID: "bad-items", Items: "WHEAT", Members: []plot.Member{owner}},
		{ID: 5, RegionID: "ok", Members: []plot.Member{owner}},
		{ID: 6, RegionID: "sparse", Members: []plot.Member{owner}, Overrides: map[string]bool{modules.AutoSeller: false}},
	})
	want := LoadStats{Loaded: 4, Skipped: 2, Clamped: 1, Corrupted: 1, Normalized: 1}
	if st != want {
		t.Fatalf("stats=%+v want=%+v", st, want)
	}
	if p, _ := r.Get("high"); p.Level() != 2 {
		t.Fatalf("clamped level=%d want=2", p.Level())
	}
	p, _ := r.Get("orphan")
	if _, err := p.Owner(); !errors.Is(err, plot.ErrNoOwner) {
		t.Fatalf("owner err=%v want ErrNoOwner", err)
	}
	if p, _ := r.Get("sparse"); len(p.Overrides()) != 0 {
		t.Fatalf("overrides=%v want empty", p.Overrides())
	}
}

func TestRangeSorted(t *testing.T) {
	r := testRegistry()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Create(id, uuid.New(), "x", 0); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	var got []string
	r.Range(func(p *plot.Plot) bool {
		got = append(got, p.RegionID())
		return len(got) < 2
	})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("range=%v", got)
	}
	if recs := r.Records(); len(recs) != 3 || recs[2].RegionID != "c" {
		t.Fatalf("records=%d", len(recs))
	}
}

func TestOwnerUniquenessProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := testRegistry()
		people := make([]uuid.UUID, 5)
		for i := range people {
			people[i] = uuid.New()
		}
		regions := []string{"r1", "r2", "r3"}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			region := rapid.SampledFrom(regions).Draw(t, "region")
			who := people[rapid.IntRange(0, len(people)-1).Draw(t, "who")]
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				_, _ = r.Create(region, who, "n", 0)
			case 1:
				if p, ok := r.Get(region); ok {
					_ = p.AddCoop(who, "n")
				}
			case 2:
				if p, ok := r.Get(region); ok {
					_ = p.RemoveUser(who)
				}
			case 3:
				if p, ok := r.Get(region); ok {
					if o, err := p.Owner(); err == nil {
						_ = r.ChangeOwner(o.Identity, who, "n", region)
					}
				}
			case 4:
				r.Remove(region)
			}
			r.Range(func(p *plot.Plot) bool {
				owners := 0
				seen := map[uuid.UUID]bool{}
				for _, m := range p.Members() {
					if seen[m.Identity] {
						t.Fatalf("region=%s duplicate member %s", p.RegionID(), m.Identity)
					}
					seen[m.Identity] = true
					if m.IsOwner() {
						owners++
					}
				}
				if owners != 1 {
					t.Fatalf("region=%s owners=%d", p.RegionID(), owners)
				}
				return true
			})
		}
	})
}

func TestNormalizeAllAfterDefaultsChange(t *testing.T) {
	ctx := context.Background()
	store := plotdb.NewMemoryStore()
	q := plotdb.NewQueue(plotdb.QueueConfig{Shards: 2})
	defer q.Close()
	adapter := plotdb.NewAdapter(store, q)
	mods := modules.Stock()
	r := New(plot.Deps{Levels: levels.Defaults(), Modules: mods, Persist: adapter}, nil, nil)

	a, _ := r.Create("a", uuid.New(), "alice", 0)
	b, _ := r.Create("b", uuid.New(), "bob", 0)
	a.ChangeAttribute(modules.AutoHarvest) // off -> on
	b.ChangeAttribute(modules.AutoSeller)  // off -> on
	if err := adapter.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mods.Replace(modules.NewSet(
		modules.NewFeature(modules.AutoHarvest, true, true),
		modules.NewFeature(modules.AutoSeller, true, false),
	))
	if n := r.NormalizeAll(); n != 1 {
		t.Fatalf("normalized=%d want=1", n)
	}
	if len(a.Overrides()) != 0 || !a.AttributeStatus(modules.AutoHarvest) {
		t.Fatalf("a overrides=%v", a.Overrides())
	}
	if got := b.Overrides(); len(got) != 1 || !got[modules.AutoSeller] {
		t.Fatalf("b overrides=%v", got)
	}
	r.Range(func(p *plot.Plot) bool {
		for m, v := range p.Overrides() {
			if v == mods.DefaultStatus(m) {
				t.Fatalf("%s keeps override %s=%v equal to default", p.RegionID(), m, v)
			}
		}
		return true
	})

	if err := adapter.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	recs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, rec := range recs {
		if rec.RegionID == "a" && len(rec.Overrides) != 0 {
			t.Fatalf("stored overrides for a=%v want none", rec.Overrides)
		}
	}
}
