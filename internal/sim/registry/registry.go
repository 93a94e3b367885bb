// Package registry is the in-memory authority over every plot, keyed by
// region id. Like the plots it holds, a Registry belongs to the world loop
// goroutine; none of its methods wait on storage.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"farmplots/internal/metrics"
	"farmplots/internal/sim/plot"
)

type Registry struct {
	deps    plot.Deps
	logger  *log.Logger
	metrics *metrics.Metrics

	plots map[string]*plot.Plot
}

func New(deps plot.Deps, logger *log.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		deps:    deps,
		logger:  logger,
		metrics: m,
		plots:   map[string]*plot.Plot{},
	}
}

func (r *Registry) Deps() plot.Deps { return r.deps }

func (r *Registry) Get(regionID string) (*plot.Plot, bool) {
	p, ok := r.plots[regionID]
	return p, ok
}

func (r *Registry) Len() int { return len(r.plots) }

// Create registers a fresh plot and schedules its insert.
func (r *Registry) Create(regionID string, owner uuid.UUID, ownerName string, level int) (*plot.Plot, error) {
	regionID = strings.TrimSpace(regionID)
	if _, ok := r.plots[regionID]; ok {
		return nil, fmt.Errorf("create %s: %w", regionID, plot.ErrRegionExists)
	}
	p, err := plot.NewFresh(r.deps, regionID, plot.Member{Identity: owner, Name: strings.TrimSpace(ownerName)}, level)
	if err != nil {
		return nil, err
	}
	r.plots[regionID] = p
	r.metrics.SetPlots(len(r.plots))
	r.printf("plot created region=%s owner=%s level=%d", regionID, owner, level)
	return p, nil
}

// Remove forgets the plot and schedules its delete behind any of its pending
// writes. Removing an unknown region is a no-op.
func (r *Registry) Remove(regionID string) bool {
	p, ok := r.plots[regionID]
	if !ok {
		return false
	}
	delete(r.plots, regionID)
	p.Delete()
	r.metrics.SetPlots(len(r.plots))
	r.printf("plot removed region=%s id=%d", regionID, p.ID())
	return true
}

// ChangeOwner hands the plot of regionID from oldOwner to newOwner. The
// previous owner stays on as COOP.
func (r *Registry) ChangeOwner(oldOwner, newOwner uuid.UUID, newOwnerName, regionID string) error {
	p, ok := r.plots[regionID]
	if !ok {
		return fmt.Errorf("change owner of %s: %w", regionID, plot.ErrNotFound)
	}
	if err := p.TransferOwner(oldOwner, newOwner, newOwnerName); err != nil {
		return err
	}
	r.printf("plot owner changed region=%s from=%s to=%s", regionID, oldOwner, newOwner)
	return nil
}

// Rekey moves a plot to another region id and persists the new key. The
// plot previously returned by Get for oldRegion is retired; look the plot up
// again under newRegion.
func (r *Registry) Rekey(oldRegion, newRegion string) error {
	newRegion = strings.TrimSpace(newRegion)
	p, ok := r.plots[oldRegion]
	if !ok {
		return fmt.Errorf("rekey %s: %w", oldRegion, plot.ErrNotFound)
	}
	if oldRegion == newRegion {
		return nil
	}
	if newRegion == "" {
		return fmt.Errorf("rekey %s: empty region id", oldRegion)
	}
	if _, taken := r.plots[newRegion]; taken {
		return fmt.Errorf("rekey %s to %s: %w", oldRegion, newRegion, plot.ErrRegionExists)
	}
	moved, err := p.Moved(newRegion)
	if err != nil {
		return err
	}
	delete(r.plots, oldRegion)
	r.plots[newRegion] = moved
	moved.Save()
	r.printf("plot rekeyed from=%s to=%s id=%d", oldRegion, newRegion, moved.ID())
	return nil
}

// FindByMember returns the plots identity belongs to, ordered by region.
func (r *Registry) FindByMember(identity uuid.UUID) []*plot.Plot {
	var out []*plot.Plot
	for _, p := range r.plots {
		if _, ok := p.Member(identity); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID() < out[j].RegionID() })
	return out
}

// Range calls fn for every plot in region order until fn returns false.
func (r *Registry) Range(fn func(*plot.Plot) bool) {
	keys := make([]string, 0, len(r.plots))
	for k := range r.plots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(r.plots[k]) {
			return
		}
	}
}

// SaveAll schedules an update for every plot.
func (r *Registry) SaveAll() int {
	for _, p := range r.plots {
		p.Save()
	}
	return len(r.plots)
}

// Records returns the stored form of every plot in region order.
func (r *Registry) Records() []plot.Record {
	out := make([]plot.Record, 0, len(r.plots))
	r.Range(func(p *plot.Plot) bool {
		out = append(out, p.Record())
		return true
	})
	return out
}

type LoadStats struct {
	Loaded     int
	Skipped    int
	Clamped    int
	Corrupted  int
	Normalized int
}

// Load reconstitutes stored plots. Records that cannot be rebuilt are
// skipped; out-of-range levels are clamped and saved back; plots without a
// single owner are kept but logged as corrupted.
func (r *Registry) Load(records []plot.Record) LoadStats {
	var st LoadStats
	for _, rec := range records {
		if _, dup := r.plots[rec.RegionID]; dup {
			st.Skipped++
			r.printf("plot load skip id=%d region=%s err=%v", rec.ID, rec.RegionID, plot.ErrRegionExists)
			continue
		}
		p, err := plot.Reconstitute(r.deps, rec)
		if err != nil {
			st.Skipped++
			r.printf("plot load skip id=%d region=%s err=%v", rec.ID, rec.RegionID, err)
			continue
		}
		if !r.deps.Levels.Valid(p.Level()) {
			clamped := r.deps.Levels.Clamp(p.Level())
			r.printf("plot level clamped id=%d region=%s level=%d clamped=%d", rec.ID, rec.RegionID, p.Level(), clamped)
			if err := p.SetLevel(clamped); err == nil {
				p.Save()
				st.Clamped++
			}
		}
		if _, err := p.Owner(); err != nil {
			st.Corrupted++
			if errors.Is(err, plot.ErrCorrupted) {
				r.printf("plot corrupted id=%d region=%s err=%v", rec.ID, rec.RegionID, err)
			}
		}
		if dropped := p.NormalizeOverrides(); len(dropped) > 0 {
			st.Normalized += len(dropped)
			r.printf("plot overrides normalized id=%d region=%s dropped=%v", rec.ID, rec.RegionID, dropped)
		}
		r.plots[p.RegionID()] = p
		st.Loaded++
	}
	r.metrics.SetPlots(len(r.plots))
	return st
}

// NormalizeAll re-applies module defaults to every plot, for use after the
// module configuration changes.
func (r *Registry) NormalizeAll() int {
	n := 0
	for _, p := range r.plots {
		n += len(p.NormalizeOverrides())
	}
	return n
}

func (r *Registry) printf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
