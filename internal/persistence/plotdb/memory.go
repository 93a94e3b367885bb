package plotdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"farmplots/internal/sim/plot"
)

type memPlot struct {
	row     plot.Row
	members []plot.Member
	attrs   map[string]bool
}

// MemoryStore keeps everything in process memory. It backs the "memory"
// storage driver and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	plots  map[int64]*memPlot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plots: map[int64]*memPlot{}}
}

func (s *MemoryStore) InsertPlot(_ context.Context, row plot.Row, owner plot.Member) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.plots {
		if p.row.RegionID == row.RegionID {
			delete(s.plots, id)
		}
	}
	s.nextID++
	s.plots[s.nextID] = &memPlot{row: row, members: []plot.Member{owner}, attrs: map[string]bool{}}
	return s.nextID, nil
}

func (s *MemoryStore) get(id int64) (*memPlot, error) {
	p, ok := s.plots[id]
	if !ok {
		return nil, fmt.Errorf("plot %d: %w", id, sql.ErrNoRows)
	}
	return p, nil
}

func (s *MemoryStore) UpdatePlot(_ context.Context, id int64, row plot.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return err
	}
	p.row = row
	return nil
}

func (s *MemoryStore) DeletePlot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plots, id)
	return nil
}

func (s *MemoryStore) UpsertMembers(_ context.Context, plotID int64, members ...plot.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(plotID)
	if err != nil {
		return err
	}
next:
	for _, m := range members {
		for i := range p.members {
			if p.members[i].Identity == m.Identity {
				p.members[i] = m
				continue next
			}
		}
		p.members = append(p.members, m)
	}
	return nil
}

func (s *MemoryStore) DeleteMember(_ context.Context, plotID int64, identity uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plots[plotID]
	if !ok {
		return nil
	}
	for i := range p.members {
		if p.members[i].Identity == identity {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) SetAttribute(_ context.Context, plotID int64, module string, status bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(plotID)
	if err != nil {
		return err
	}
	p.attrs[module] = status
	return nil
}

func (s *MemoryStore) DeleteAttribute(_ context.Context, plotID int64, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plots[plotID]; ok {
		delete(p.attrs, module)
	}
	return nil
}

func (s *MemoryStore) LoadAll(context.Context) ([]plot.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.plots))
	for id := range s.plots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]plot.Record, 0, len(ids))
	for _, id := range ids {
		p := s.plots[id]
		rec := plot.Record{
			ID:        id,
			RegionID:  p.row.RegionID,
			State:     p.row.State,
			Level:     p.row.Level,
			Items:     p.row.Items,
			Members:   append([]plot.Member(nil), p.members...),
			Overrides: make(map[string]bool, len(p.attrs)),
		}
		for k, v := range p.attrs {
			rec.Overrides[k] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
