package plot

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle identifies a plot to the persistence layer. Key orders the plot's
// writes and is derived from the region id the plot was built with, so a
// plot removed from a region and its successor on that region share a write
// lane. ID is the storage id, known immediately for loaded plots and filled
// in by the insert for fresh ones.
type Handle struct {
	key uint64
	id  atomic.Int64
}

func newHandle(regionID string, id int64) *Handle {
	h := &Handle{key: RegionKey(regionID)}
	h.id.Store(id)
	return h
}

// RegionKey is the write-ordering key for a region id.
func RegionKey(regionID string) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(regionID))
	return f.Sum64()
}

func (h *Handle) Key() uint64    { return h.key }
func (h *Handle) ID() int64      { return h.id.Load() }
func (h *Handle) SetID(id int64) { h.id.Store(id) }

// Row is the snapshot of the mutable plot columns taken when a save is
// scheduled.
type Row struct {
	RegionID string
	State    int
	Items    string
	Level    int
}

// Persister schedules durable writes. Implementations must return without
// waiting for storage and must apply writes for one handle in call order.
type Persister interface {
	InsertPlot(h *Handle, row Row, owner Member)
	UpdatePlot(h *Handle, row Row)
	DeletePlot(h *Handle, regionID string)
	InsertMember(h *Handle, m Member)
	DeleteMember(h *Handle, identity uuid.UUID)
	TransferOwner(h *Handle, from, to Member)
	SetAttribute(h *Handle, module string, status bool)
	ClearAttribute(h *Handle, module string)
}

// Discard drops every write; used when persistence is disabled.
type Discard struct{}

func (Discard) InsertPlot(*Handle, Row, Member)       {}
func (Discard) UpdatePlot(*Handle, Row)               {}
func (Discard) DeletePlot(*Handle, string)            {}
func (Discard) InsertMember(*Handle, Member)          {}
func (Discard) DeleteMember(*Handle, uuid.UUID)       {}
func (Discard) TransferOwner(*Handle, Member, Member) {}
func (Discard) SetAttribute(*Handle, string, bool)    {}
func (Discard) ClearAttribute(*Handle, string)        {}
