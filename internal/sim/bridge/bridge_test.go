package bridge

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"farmplots/internal/sim/levels"
	"farmplots/internal/sim/plot"
	"farmplots/internal/sim/registry"
)

func newRegistry() *registry.Registry {
	return registry.New(plot.Deps{Levels: levels.Defaults()}, nil, nil)
}

func TestRegionDeleted_ByRegionID(t *testing.T) {
	reg := newRegistry()
	if _, err := reg.Create("R1", uuid.New(), "a", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !OnRegionDeleted(reg, RegionDeleted{Region: "R1"}) {
		t.Fatalf("plot not removed")
	}
	if OnRegionDeleted(reg, RegionDeleted{Region: "R1"}) {
		t.Fatalf("second delete removed something")
	}
}

func TestRegionDeleted_OwnerKeyed(t *testing.T) {
	reg := newRegistry()
	owner := uuid.New()
	if _, err := reg.Create(owner.String(), owner, "a", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !OnRegionDeleted(reg, RegionDeleted{Owner: owner}) {
		t.Fatalf("owner-keyed plot not removed")
	}
	if OnRegionDeleted(reg, RegionDeleted{}) {
		t.Fatalf("empty event removed something")
	}
}

func TestOwnershipTransferred(t *testing.T) {
	reg := newRegistry()
	prev, next := uuid.New(), uuid.New()
	p, err := reg.Create(prev.String(), prev, "a", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := OnOwnershipTransferred(reg, OwnershipTransferred{PreviousOwner: prev, NewOwner: next, NewOwnerName: "b"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := p.Owner()
	if err != nil || owner.Identity != next || owner.Name != "b" {
		t.Fatalf("owner=%+v err=%v", owner, err)
	}
}

func TestOwnershipTransferred_UnknownRegion(t *testing.T) {
	reg := newRegistry()
	err := OnOwnershipTransferred(reg, OwnershipTransferred{Region: "nope", PreviousOwner: uuid.New(), NewOwner: uuid.New()})
	if !errors.Is(err, plot.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if plot.Code(err) != "E_NOT_FOUND" {
		t.Fatalf("code=%s", plot.Code(err))
	}
}
