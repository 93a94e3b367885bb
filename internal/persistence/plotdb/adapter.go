package plotdb

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"farmplots/internal/sim/plot"
)

// ErrNoStorageID is reported for writes on a plot whose insert never
// produced an id.
var ErrNoStorageID = errors.New("plot has no storage id")

// Write kinds, used as metric labels and in failure reports.
const (
	KindInsertPlot     = "insert_plot"
	KindUpdatePlot     = "update_plot"
	KindDeletePlot     = "delete_plot"
	KindInsertMember   = "insert_member"
	KindDeleteMember   = "delete_member"
	KindTransferOwner  = "transfer_owner"
	KindSetAttribute   = "set_attribute"
	KindClearAttribute = "clear_attribute"
)

// Adapter turns plot mutations into queued Store writes. It implements
// plot.Persister.
type Adapter struct {
	store Store
	queue *Queue
}

var _ plot.Persister = (*Adapter)(nil)

func NewAdapter(store Store, queue *Queue) *Adapter {
	return &Adapter{store: store, queue: queue}
}

func (a *Adapter) Store() Store  { return a.store }
func (a *Adapter) Queue() *Queue { return a.queue }

func (a *Adapter) submit(h *plot.Handle, kind, region string, run func(ctx context.Context) error) {
	a.queue.Enqueue(Job{
		Key:    h.Key(),
		Kind:   kind,
		Region: region,
		PlotID: h.ID,
		Run:    run,
	})
}

// submitStored runs fn with the storage id current at execution time. For a
// fresh plot that id is filled in by the insert ahead of it in the shard.
func (a *Adapter) submitStored(h *plot.Handle, kind, region string, fn func(ctx context.Context, id int64) error) {
	a.submit(h, kind, region, func(ctx context.Context) error {
		id := h.ID()
		if id == 0 {
			return ErrNoStorageID
		}
		return fn(ctx, id)
	})
}

func (a *Adapter) InsertPlot(h *plot.Handle, row plot.Row, owner plot.Member) {
	a.submit(h, KindInsertPlot, row.RegionID, func(ctx context.Context) error {
		id, err := a.store.InsertPlot(ctx, row, owner)
		if err != nil {
			return err
		}
		h.SetID(id)
		return nil
	})
}

func (a *Adapter) UpdatePlot(h *plot.Handle, row plot.Row) {
	a.submitStored(h, KindUpdatePlot, row.RegionID, func(ctx context.Context, id int64) error {
		return a.store.UpdatePlot(ctx, id, row)
	})
}

func (a *Adapter) DeletePlot(h *plot.Handle, regionID string) {
	a.submitStored(h, KindDeletePlot, regionID, func(ctx context.Context, id int64) error {
		return a.store.DeletePlot(ctx, id)
	})
}

func (a *Adapter) InsertMember(h *plot.Handle, m plot.Member) {
	a.submitStored(h, KindInsertMember, "", func(ctx context.Context, id int64) error {
		return a.store.UpsertMembers(ctx, id, m)
	})
}

func (a *Adapter) DeleteMember(h *plot.Handle, identity uuid.UUID) {
	a.submitStored(h, KindDeleteMember, "", func(ctx context.Context, id int64) error {
		return a.store.DeleteMember(ctx, id, identity)
	})
}

// TransferOwner writes both role changes in one transaction.
func (a *Adapter) TransferOwner(h *plot.Handle, from, to plot.Member) {
	a.submitStored(h, KindTransferOwner, "", func(ctx context.Context, id int64) error {
		return a.store.UpsertMembers(ctx, id, from, to)
	})
}

func (a *Adapter) SetAttribute(h *plot.Handle, module string, status bool) {
	a.submitStored(h, KindSetAttribute, "", func(ctx context.Context, id int64) error {
		return a.store.SetAttribute(ctx, id, module, status)
	})
}

func (a *Adapter) ClearAttribute(h *plot.Handle, module string) {
	a.submitStored(h, KindClearAttribute, "", func(ctx context.Context, id int64) error {
		return a.store.DeleteAttribute(ctx, id, module)
	})
}

// LoadAll is the one synchronous read, used at startup before the world loop
// runs.
func (a *Adapter) LoadAll(ctx context.Context) ([]plot.Record, error) {
	return a.store.LoadAll(ctx)
}

// Flush waits for every write scheduled so far.
func (a *Adapter) Flush(ctx context.Context) error {
	return a.queue.Flush(ctx)
}
