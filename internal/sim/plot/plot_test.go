package plot

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"farmplots/internal/sim/levels"
	"farmplots/internal/sim/modules"
)

type write struct {
	kind   string
	key    uint64
	row    Row
	member Member
	from   Member
	module string
	status bool
}

type recorder struct{ writes []write }

func (r *recorder) InsertPlot(h *Handle, row Row, owner Member) {
	r.writes = append(r.writes, write{kind: "insert_plot", key: h.Key(), row: row, member: owner})
}
func (r *recorder) UpdatePlot(h *Handle, row Row) {
	r.writes = append(r.writes, write{kind: "update_plot", key: h.Key(), row: row})
}
func (r *recorder) DeletePlot(h *Handle, regionID string) {
	r.writes = append(r.writes, write{kind: "delete_plot", key: h.Key(), row: Row{RegionID: regionID}})
}
func (r *recorder) InsertMember(h *Handle, m Member) {
	r.writes = append(r.writes, write{kind: "insert_member", key: h.Key(), member: m})
}
func (r *recorder) DeleteMember(h *Handle, id uuid.UUID) {
	r.writes = append(r.writes, write{kind: "delete_member", key: h.Key(), member: Member{Identity: id}})
}
func (r *recorder) TransferOwner(h *Handle, from, to Member) {
	r.writes = append(r.writes, write{kind: "transfer_owner", key: h.Key(), from: from, member: to})
}
func (r *recorder) SetAttribute(h *Handle, module string, status bool) {
	r.writes = append(r.writes, write{kind: "set_attribute", key: h.Key(), module: module, status: status})
}
func (r *recorder) ClearAttribute(h *Handle, module string) {
	r.writes = append(r.writes, write{kind: "clear_attribute", key: h.Key(), module: module})
}

func (r *recorder) kinds() []string {
	out := make([]string, 0, len(r.writes))
	for _, w := range r.writes {
		out = append(out, w.kind)
	}
	return out
}

func testDeps(rec *recorder) Deps {
	return Deps{
		Levels:  levels.New(levels.Level{Capacity: 10}, levels.Level{Capacity: 20}),
		Modules: modules.NewSet(modules.NewFeature(modules.AutoHarvest, true, false), modules.NewFeature(modules.AutoSeller, true, true)),
		Persist: rec,
	}
}

func TestNewFreshPlot(t *testing.T) {
	rec := &recorder{}
	owner := uuid.New()
	p, err := NewFresh(testDeps(rec), "island-1", Member{Identity: owner, Name: "alice"}, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := p.Owner()
	if err != nil || got.Identity != owner || got.Role != RoleOwner {
		t.Fatalf("owner=%+v err=%v", got, err)
	}
	if p.State() != StateCollecting || p.ID() != 0 {
		t.Fatalf("state=%d id=%d", p.State(), p.ID())
	}
	if len(rec.writes) != 1 || rec.writes[0].kind != "insert_plot" || rec.writes[0].member.Identity != owner {
		t.Fatalf("writes=%v", rec.kinds())
	}
	if rec.writes[0].row.Items != "" || rec.writes[0].row.RegionID != "island-1" {
		t.Fatalf("insert row=%+v", rec.writes[0].row)
	}
}

func TestNewFreshRejectsBadLevel(t *testing.T) {
	rec := &recorder{}
	_, err := NewFresh(testDeps(rec), "island-1", Member{Identity: uuid.New()}, 2)
	if !errors.Is(err, ErrLevelOutOfRange) {
		t.Fatalf("err=%v want ErrLevelOutOfRange", err)
	}
	if len(rec.writes) != 0 {
		t.Fatalf("no write expected, got %v", rec.kinds())
	}
}

func TestMembershipRules(t *testing.T) {
	rec := &recorder{}
	owner, coop := uuid.New(), uuid.New()
	p, _ := NewFresh(testDeps(rec), "r", Member{Identity: owner, Name: "o"}, 0)

	if err := p.AddCoop(coop, "c"); err != nil {
		t.Fatalf("add coop: %v", err)
	}
	if err := p.AddCoop(coop, "c"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("duplicate err=%v", err)
	}
	if err := p.AddUser(uuid.New(), "x", RoleOwner); !errors.Is(err, ErrSecondOwner) {
		t.Fatalf("second owner err=%v", err)
	}
	if err := p.RemoveUser(owner); !errors.Is(err, ErrOwnerRemoval) {
		t.Fatalf("owner removal err=%v", err)
	}
	if len(p.Members()) != 2 {
		t.Fatalf("members=%d want=2", len(p.Members()))
	}
	if err := p.RemoveUser(uuid.New()); !errors.Is(err, ErrNotMember) {
		t.Fatalf("stranger removal err=%v", err)
	}
	if err := p.RemoveUser(coop); err != nil {
		t.Fatalf("remove coop: %v", err)
	}
	want := []string{"insert_plot", "insert_member", "delete_member"}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("writes=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("writes=%v want=%v", got, want)
		}
	}
}

func TestTransferOwner(t *testing.T) {
	rec := &recorder{}
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	p, _ := NewFresh(testDeps(rec), "r", Member{Identity: u1, Name: "one"}, 0)
	_ = p.AddCoop(u2, "two")

	if err := p.TransferOwner(u2, u3, "three"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner transfer err=%v", err)
	}
	if err := p.TransferOwner(u1, u2, ""); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := p.Owner()
	if err != nil || owner.Identity != u2 || owner.Name != "two" {
		t.Fatalf("owner=%+v err=%v", owner, err)
	}
	prev, ok := p.Member(u1)
	if !ok || prev.Role != RoleCoop {
		t.Fatalf("previous owner=%+v ok=%v", prev, ok)
	}

	// Transfer to a stranger adds them directly as owner.
	if err := p.TransferOwner(u2, u3, "three"); err != nil {
		t.Fatalf("transfer to stranger: %v", err)
	}
	if owner, _ := p.Owner(); owner.Identity != u3 || owner.Name != "three" {
		t.Fatalf("owner=%+v", owner)
	}
	if len(p.Members()) != 3 {
		t.Fatalf("members=%d want=3", len(p.Members()))
	}
	last := rec.writes[len(rec.writes)-1]
	if last.kind != "transfer_owner" || last.from.Identity != u2 || last.from.Role != RoleCoop || last.member.Role != RoleOwner {
		t.Fatalf("last write=%+v", last)
	}
}

func TestOwnerCorrupted(t *testing.T) {
	p, err := Reconstitute(testDeps(&recorder{}), Record{
		ID:       7,
		RegionID: "r",
		Members:  []Member{{Identity: uuid.New(), Role: RoleCoop}},
	})
	if err != nil {
		t.Fatalf("reconstitute: %v", err)
	}
	_, err = p.Owner()
	if !errors.Is(err, ErrNoOwner) || !errors.Is(err, ErrCorrupted) {
		t.Fatalf("err=%v want ErrNoOwner", err)
	}
	if Code(err) != "E_CORRUPT" {
		t.Fatalf("code=%s", Code(err))
	}
}

func TestReconstituteSchedulesNothing(t *testing.T) {
	rec := &recorder{}
	owner := uuid.New()
	p, err := Reconstitute(testDeps(rec), Record{
		ID:        42,
		RegionID:  "r",
		State:     StateLocked,
		Level:     1,
		Items:     "WHEAT:5;CARROT:2",
		Members:   []Member{{Identity: owner, Role: RoleOwner}, {Identity: owner, Role: RoleCoop}},
		Overrides: map[string]bool{"AutoHarvest": true},
	})
	if err != nil {
		t.Fatalf("reconstitute: %v", err)
	}
	if len(rec.writes) != 0 {
		t.Fatalf("writes=%v", rec.kinds())
	}
	if p.ID() != 42 || p.Level() != 1 || p.State() != StateLocked {
		t.Fatalf("fields id=%d level=%d state=%d", p.ID(), p.Level(), p.State())
	}
	if len(p.Members()) != 1 {
		t.Fatalf("duplicate identity should collapse, members=%v", p.Members())
	}
	if p.Inventory().Amount("wheat") != 5 {
		t.Fatalf("wheat=%d", p.Inventory().Amount("wheat"))
	}
	if r := p.Attribute(modules.AutoHarvest); !r.Status || r.Source != SourceOverride {
		t.Fatalf("autoharvest=%+v", r)
	}
	if _, err := Reconstitute(testDeps(rec), Record{Items: "WHEAT"}); err == nil {
		t.Fatalf("expected malformed inventory error")
	}
}

func TestChangeAttributeWrites(t *testing.T) {
	rec := &recorder{}
	p, _ := NewFresh(testDeps(rec), "r", Member{Identity: uuid.New()}, 0)
	rec.writes = nil

	if !p.ChangeAttribute("autoharvest") {
		t.Fatalf("autoharvest should flip to true")
	}
	if p.ChangeAttribute("autoharvest") {
		t.Fatalf("autoharvest should return to default false")
	}
	if len(rec.writes) != 2 || rec.writes[0].kind != "set_attribute" || !rec.writes[0].status || rec.writes[1].kind != "clear_attribute" {
		t.Fatalf("writes=%+v", rec.writes)
	}
	if len(p.Overrides()) != 0 {
		t.Fatalf("overrides=%v", p.Overrides())
	}
}

func TestNormalizeOverridesAfterDefaultChange(t *testing.T) {
	rec := &recorder{}
	deps := testDeps(rec)
	set := deps.Modules.(*modules.Set)
	p, _ := NewFresh(deps, "r", Member{Identity: uuid.New()}, 0)
	p.ChangeAttribute(modules.AutoHarvest) // override true
	rec.writes = nil

	set.Register(modules.NewFeature(modules.AutoHarvest, true, true))
	dropped := p.NormalizeOverrides()
	if len(dropped) != 1 || dropped[0] != modules.AutoHarvest {
		t.Fatalf("dropped=%v", dropped)
	}
	if len(rec.writes) != 1 || rec.writes[0].kind != "clear_attribute" {
		t.Fatalf("writes=%v", rec.kinds())
	}
	if !p.AttributeStatus(modules.AutoHarvest) {
		t.Fatalf("status should follow the new default")
	}
}

func TestDepositCappedByLevel(t *testing.T) {
	p, _ := NewFresh(testDeps(&recorder{}), "r", Member{Identity: uuid.New()}, 0)
	if got := p.Deposit("wheat", 15); got != 10 {
		t.Fatalf("deposited=%d want=10", got)
	}
	if err := p.SetLevel(1); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if got := p.Deposit("wheat", 15); got != 10 {
		t.Fatalf("deposited=%d want=10", got)
	}
	if err := p.SetLevel(5); !errors.Is(err, ErrLevelOutOfRange) {
		t.Fatalf("err=%v", err)
	}
	if got := p.Withdraw("WHEAT", 25); got != 20 {
		t.Fatalf("withdrew=%d want=20", got)
	}
	if p.Inventory().Serialize() != "" {
		t.Fatalf("inventory should be empty, got %q", p.Inventory().Serialize())
	}
}

func TestMovedLeavesOriginalUntouched(t *testing.T) {
	rec := &recorder{}
	owner, coop := uuid.New(), uuid.New()
	p, err := NewFresh(testDeps(rec), "a", Member{Identity: owner}, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = p.AddCoop(coop, "bob")
	p.Deposit("wheat", 4)
	p.ChangeAttribute(modules.AutoHarvest)
	p.Handle().SetID(9)
	n := len(rec.writes)

	m, err := p.Moved("b")
	if err != nil {
		t.Fatalf("moved: %v", err)
	}
	if p.RegionID() != "a" || m.RegionID() != "b" {
		t.Fatalf("regions original=%s copy=%s", p.RegionID(), m.RegionID())
	}
	if m.Handle() != p.Handle() || m.ID() != 9 {
		t.Fatalf("copy lost storage identity id=%d", m.ID())
	}
	if len(rec.writes) != n {
		t.Fatalf("moved scheduled writes: %v", rec.kinds()[n:])
	}
	if m.Inventory().Serialize() != "WHEAT:4" || len(m.Members()) != 2 || !m.AttributeStatus(modules.AutoHarvest) {
		t.Fatalf("copy state items=%q members=%d", m.Inventory().Serialize(), len(m.Members()))
	}

	// The copy is independent of the original.
	m.Deposit("wheat", 1)
	_ = m.RemoveUser(coop)
	m.ChangeAttribute(modules.AutoHarvest)
	if p.Inventory().Amount("wheat") != 4 || len(p.Members()) != 2 || !p.AttributeStatus(modules.AutoHarvest) {
		t.Fatalf("original changed through copy")
	}
	if _, err := p.Moved(" "); err == nil {
		t.Fatalf("empty region accepted")
	}
}

func TestRegionKeyStableAcrossBuilds(t *testing.T) {
	rec := &recorder{}
	a, _ := NewFresh(testDeps(rec), "island-1", Member{Identity: uuid.New()}, 0)
	b, _ := Reconstitute(testDeps(rec), Record{ID: 3, RegionID: "island-1"})
	if a.Handle().Key() != b.Handle().Key() || a.Handle().Key() != RegionKey("island-1") {
		t.Fatalf("keys fresh=%d loaded=%d", a.Handle().Key(), b.Handle().Key())
	}
}
