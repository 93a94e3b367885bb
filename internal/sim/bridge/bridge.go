// Package bridge translates land-plugin lifecycle events into registry
// calls. It keeps no state of its own.
package bridge

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"farmplots/internal/sim/registry"
)

// RegionDeleted is raised when the land plugin deletes a region. Some land
// plugins key regions by owner instead of by id; Region is then empty and
// the owner identity is the key.
type RegionDeleted struct {
	Region string
	Owner  uuid.UUID
}

// OwnershipTransferred is raised when a region changes owner.
type OwnershipTransferred struct {
	Region        string
	PreviousOwner uuid.UUID
	NewOwner      uuid.UUID
	NewOwnerName  string
}

func (e RegionDeleted) Key() string {
	return regionKey(e.Region, e.Owner)
}

func (e OwnershipTransferred) Key() string {
	return regionKey(e.Region, e.PreviousOwner)
}

func regionKey(region string, owner uuid.UUID) string {
	if region = strings.TrimSpace(region); region != "" {
		return region
	}
	if owner == uuid.Nil {
		return ""
	}
	return owner.String()
}

// OnRegionDeleted removes the plot of the deleted region, if any. It reports
// whether a plot was removed.
func OnRegionDeleted(reg *registry.Registry, e RegionDeleted) bool {
	key := e.Key()
	if key == "" {
		return false
	}
	return reg.Remove(key)
}

// OnOwnershipTransferred moves plot ownership to the region's new owner.
// An unknown region yields plot.ErrNotFound.
func OnOwnershipTransferred(reg *registry.Registry, e OwnershipTransferred) error {
	if e.NewOwner == uuid.Nil {
		return fmt.Errorf("ownership transfer of %q: empty new owner", e.Key())
	}
	return reg.ChangeOwner(e.PreviousOwner, e.NewOwner, e.NewOwnerName, e.Key())
}
