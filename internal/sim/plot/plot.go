package plot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"farmplots/internal/sim/levels"
)

const (
	StateLocked     = 0
	StateCollecting = 1
)

// Deps are the collaborators every plot shares.
type Deps struct {
	Levels  *levels.Catalog
	Modules Defaults
	Persist Persister
}

type noDefaults struct{}

func (noDefaults) DefaultStatus(string) bool { return false }

func (d Deps) defaults() Defaults {
	if d.Modules == nil {
		return noDefaults{}
	}
	return d.Modules
}

func (d Deps) persister() Persister {
	if d.Persist == nil {
		return Discard{}
	}
	return d.Persist
}

// Plot is the aggregate for one claimed farming region. It is not safe for
// concurrent use: all calls must come from the world loop goroutine.
type Plot struct {
	deps   Deps
	handle *Handle

	regionID  string
	level     int
	state     int
	members   []Member
	inv       *Inventory
	overrides map[string]bool
}

// Record is the stored form of a plot, used for bulk loading and snapshots.
type Record struct {
	ID        int64
	RegionID  string
	State     int
	Level     int
	Items     string
	Members   []Member
	Overrides map[string]bool
}

// NewFresh builds a plot that has never been stored and schedules its insert
// together with the owner membership row.
func NewFresh(deps Deps, regionID string, owner Member, level int) (*Plot, error) {
	regionID = strings.TrimSpace(regionID)
	if regionID == "" {
		return nil, fmt.Errorf("new plot: empty region id")
	}
	if !deps.Levels.Valid(level) {
		return nil, fmt.Errorf("new plot %s: level %d: %w", regionID, level, ErrLevelOutOfRange)
	}
	owner.Role = RoleOwner
	p := &Plot{
		deps:      deps,
		handle:    newHandle(regionID, 0),
		regionID:  regionID,
		level:     level,
		state:     StateCollecting,
		members:   []Member{owner},
		inv:       NewInventory(),
		overrides: map[string]bool{},
	}
	deps.persister().InsertPlot(p.handle, p.row(), owner)
	return p, nil
}

// Reconstitute rebuilds a stored plot without scheduling any write. Stored
// overrides are taken as-is; callers normalize them against the current
// defaults with NormalizeOverrides.
func Reconstitute(deps Deps, rec Record) (*Plot, error) {
	inv, err := ParseInventory(rec.Items)
	if err != nil {
		return nil, fmt.Errorf("load plot %d (%s): %w", rec.ID, rec.RegionID, err)
	}
	p := &Plot{
		deps:      deps,
		handle:    newHandle(rec.RegionID, rec.ID),
		regionID:  rec.RegionID,
		level:     rec.Level,
		state:     rec.State,
		inv:       inv,
		overrides: map[string]bool{},
	}
	seen := map[uuid.UUID]bool{}
	for _, m := range rec.Members {
		if seen[m.Identity] {
			continue
		}
		seen[m.Identity] = true
		p.members = append(p.members, m)
	}
	for k, v := range rec.Overrides {
		p.overrides[normalizeModule(k)] = v
	}
	return p, nil
}

// Handle is the persistence identity shared by every write for this plot.
func (p *Plot) Handle() *Handle { return p.handle }

// ID is the storage id, or 0 until the insert has run.
func (p *Plot) ID() int64 { return p.handle.ID() }

// RegionID is the claimed region the plot is registered under.
func (p *Plot) RegionID() string { return p.regionID }

// Level is the index into the level catalog.
func (p *Plot) Level() int { return p.level }

// State is the opaque progress counter carried through storage.
func (p *Plot) State() int { return p.state }

// Inventory is the plot's live item store. Mutations through it are not
// persisted until the next Save.
func (p *Plot) Inventory() *Inventory { return p.inv }

// LevelDef resolves Level against the catalog; false when the catalog has
// shrunk below it.
func (p *Plot) LevelDef() (levels.Level, bool) { return p.deps.Levels.At(p.level) }

// Members returns a copy of the membership in insertion order.
func (p *Plot) Members() []Member {
	out := make([]Member, len(p.members))
	copy(out, p.members)
	return out
}

// Coops returns every member except the owner.
func (p *Plot) Coops() []Member {
	out := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		if !m.IsOwner() {
			out = append(out, m)
		}
	}
	return out
}

// Member looks up identity among the plot's members.
func (p *Plot) Member(identity uuid.UUID) (Member, bool) {
	i := p.indexOf(identity)
	if i < 0 {
		return Member{}, false
	}
	return p.members[i], true
}

func (p *Plot) indexOf(identity uuid.UUID) int {
	for i, m := range p.members {
		if m.Identity == identity {
			return i
		}
	}
	return -1
}

// Owner returns the single OWNER member. Zero or several owners can only come
// from corrupted storage and are reported as ErrCorrupted.
func (p *Plot) Owner() (Member, error) {
	var (
		owner Member
		n     int
	)
	for _, m := range p.members {
		if m.IsOwner() {
			owner = m
			n++
		}
	}
	switch n {
	case 1:
		return owner, nil
	case 0:
		return Member{}, fmt.Errorf("plot %s: %w", p.regionID, ErrNoOwner)
	default:
		return Member{}, fmt.Errorf("plot %s: %d owners: %w", p.regionID, n, ErrMultipleOwners)
	}
}

// AddCoop adds identity as COOP. See AddUser for the errors.
func (p *Plot) AddCoop(identity uuid.UUID, name string) error {
	return p.AddUser(identity, name, RoleCoop)
}

// AddUser appends a member and schedules its insert. It fails with
// ErrAlreadyMember when identity is already on the plot and with
// ErrSecondOwner when role is OWNER; ownership only moves via TransferOwner.
func (p *Plot) AddUser(identity uuid.UUID, name string, role Role) error {
	if p.indexOf(identity) >= 0 {
		return fmt.Errorf("add %s to %s: %w", identity, p.regionID, ErrAlreadyMember)
	}
	if role == RoleOwner {
		return fmt.Errorf("add %s to %s: %w", identity, p.regionID, ErrSecondOwner)
	}
	m := Member{Identity: identity, Name: strings.TrimSpace(name), Role: role}
	p.members = append(p.members, m)
	p.deps.persister().InsertMember(p.handle, m)
	return nil
}

// RemoveUser drops a COOP member and schedules its delete. It fails with
// ErrNotMember for an unknown identity and ErrOwnerRemoval for the owner.
func (p *Plot) RemoveUser(identity uuid.UUID) error {
	i := p.indexOf(identity)
	if i < 0 {
		return fmt.Errorf("remove %s from %s: %w", identity, p.regionID, ErrNotMember)
	}
	if p.members[i].IsOwner() {
		return fmt.Errorf("remove %s from %s: %w", identity, p.regionID, ErrOwnerRemoval)
	}
	p.members = append(p.members[:i], p.members[i+1:]...)
	p.deps.persister().DeleteMember(p.handle, identity)
	return nil
}

// TransferOwner moves the OWNER role from one member to another. The new
// owner is added when not yet a member; the previous owner stays on as COOP.
func (p *Plot) TransferOwner(from, to uuid.UUID, toName string) error {
	fi := p.indexOf(from)
	if fi < 0 || !p.members[fi].IsOwner() {
		return fmt.Errorf("transfer %s: %s: %w", p.regionID, from, ErrNotOwner)
	}
	if from == to {
		return nil
	}
	toName = strings.TrimSpace(toName)
	ti := p.indexOf(to)
	if ti < 0 {
		p.members = append(p.members, Member{Identity: to, Name: toName, Role: RoleOwner})
		ti = len(p.members) - 1
	} else {
		p.members[ti].Role = RoleOwner
		if toName != "" {
			p.members[ti].Name = toName
		}
	}
	p.members[fi].Role = RoleCoop
	p.deps.persister().TransferOwner(p.handle, p.members[fi], p.members[ti])
	return nil
}

func (p *Plot) AttributeStatus(module string) bool {
	return p.Attribute(module).Status
}

func (p *Plot) Attribute(module string) Resolution {
	return Resolve(p.overrides, p.deps.defaults(), module)
}

// ChangeAttribute toggles a module and returns its new effective status.
func (p *Plot) ChangeAttribute(module string) bool {
	module = normalizeModule(module)
	r := Toggle(p.overrides, p.deps.defaults(), module)
	if r.Source == SourceOverride {
		p.deps.persister().SetAttribute(p.handle, module, r.Status)
	} else {
		p.deps.persister().ClearAttribute(p.handle, module)
	}
	return r.Status
}

// Overrides returns a copy of the explicit per-plot module settings.
func (p *Plot) Overrides() map[string]bool {
	out := make(map[string]bool, len(p.overrides))
	for k, v := range p.overrides {
		out[k] = v
	}
	return out
}

// NormalizeOverrides re-applies the sparse rule after module defaults change
// and clears the dropped entries in storage.
func (p *Plot) NormalizeOverrides() []string {
	dropped := Normalize(p.overrides, p.deps.defaults())
	sort.Strings(dropped)
	for _, module := range dropped {
		p.deps.persister().ClearAttribute(p.handle, module)
	}
	return dropped
}

func (p *Plot) SetState(state int) { p.state = state }

func (p *Plot) SetLevel(level int) error {
	if !p.deps.Levels.Valid(level) {
		return fmt.Errorf("plot %s: level %d: %w", p.regionID, level, ErrLevelOutOfRange)
	}
	p.level = level
	return nil
}

// Deposit stores items, capped by the level capacity.
func (p *Plot) Deposit(material string, amount int64) int64 {
	var capacity int64
	if lv, ok := p.LevelDef(); ok {
		capacity = lv.Capacity
	}
	return p.inv.Add(material, amount, capacity)
}

func (p *Plot) Withdraw(material string, amount int64) int64 {
	return p.inv.Take(material, amount)
}

// Moved returns a copy of the plot on another region. The copy keeps the
// storage identity and write lane; the receiver is left unchanged, so a plot
// already keyed somewhere never changes region in place. Nothing is
// scheduled; the caller saves the copy once it replaces the original.
func (p *Plot) Moved(regionID string) (*Plot, error) {
	regionID = strings.TrimSpace(regionID)
	if regionID == "" {
		return nil, fmt.Errorf("move plot %s: empty region id", p.regionID)
	}
	return &Plot{
		deps:      p.deps,
		handle:    p.handle,
		regionID:  regionID,
		level:     p.level,
		state:     p.state,
		members:   p.Members(),
		inv:       p.inv.clone(),
		overrides: p.Overrides(),
	}, nil
}

func (p *Plot) row() Row {
	return Row{
		RegionID: p.regionID,
		State:    p.state,
		Items:    p.inv.Serialize(),
		Level:    p.level,
	}
}

// Save schedules an update of the plot columns.
func (p *Plot) Save() {
	p.deps.persister().UpdatePlot(p.handle, p.row())
}

// Delete schedules removal of the plot and everything hanging off it.
func (p *Plot) Delete() {
	p.deps.persister().DeletePlot(p.handle, p.regionID)
}

func (p *Plot) Record() Record {
	r := p.row()
	return Record{
		ID:        p.ID(),
		RegionID:  r.RegionID,
		State:     r.State,
		Level:     r.Level,
		Items:     r.Items,
		Members:   p.Members(),
		Overrides: p.Overrides(),
	}
}
