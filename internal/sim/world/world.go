package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"farmplots/internal/persistence/snapshot"
	"farmplots/internal/sim/registry"
)

var ErrStopped = errors.New("world stopped")

// ErrPending is returned by Call when fn was queued on the loop but did not
// finish before ctx ended. fn still runs later.
var ErrPending = errors.New("world call pending")

type Config struct {
	AutosaveInterval time.Duration
	// SnapshotEvery takes a snapshot every N autosaves; 0 disables it.
	SnapshotEvery int
	InboxSize     int
}

// World is the single main context of the service. The registry and every
// plot in it must be accessed only from the world loop goroutine; other
// goroutines go through Do and Call.
type World struct {
	cfg    Config
	reg    *registry.Registry
	logger *log.Logger

	inbox    chan func(*registry.Registry)
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	snapshotSink chan<- snapshot.SnapshotV1
	snapSeq      uint64

	autosaves atomic.Uint64
}

func New(cfg Config, reg *registry.Registry, logger *log.Logger) *World {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &World{
		cfg:    cfg,
		reg:    reg,
		logger: logger,
		inbox:  make(chan func(*registry.Registry), cfg.InboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetSnapshotSink must be called before Run.
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) Autosaves() uint64 { return w.autosaves.Load() }

// Run owns the registry until ctx is cancelled or Stop is called. Every plot
// is saved once more on the way out.
func (w *World) Run(ctx context.Context) error {
	defer close(w.done)

	var tick <-chan time.Time
	if w.cfg.AutosaveInterval > 0 {
		ticker := time.NewTicker(w.cfg.AutosaveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-w.stop:
			w.shutdown()
			return nil
		case fn := <-w.inbox:
			w.apply(fn)
		case <-tick:
			w.autosave()
		}
	}
}

func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

// Do schedules fn on the world loop without waiting for it.
func (w *World) Do(fn func(*registry.Registry)) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.inbox <- fn:
		return nil
	case <-w.done:
		return ErrStopped
	}
}

// Call runs fn on the world loop and waits for its result. An error matching
// ErrStopped or ctx.Err() alone means fn never ran; once fn is queued, giving
// up early yields ErrPending (wrapping ctx.Err()).
func (w *World) Call(ctx context.Context, fn func(*registry.Registry) error) error {
	resp := make(chan error, 1)
	job := func(reg *registry.Registry) { resp <- fn(reg) }

	select {
	case w.inbox <- job:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-w.done:
		// The job may have run in the final drain.
		select {
		case err := <-resp:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPending, ctx.Err())
	}
}

// RequestSnapshot captures every plot on the world loop and hands the
// snapshot to the sink.
func (w *World) RequestSnapshot(ctx context.Context) (seq uint64, err error) {
	if w.snapshotSink == nil {
		return 0, errors.New("snapshot sink not configured")
	}
	err = w.Call(ctx, func(*registry.Registry) error {
		var ok bool
		seq, ok = w.snapshot()
		if !ok {
			return errors.New("snapshot sink busy")
		}
		return nil
	})
	return seq, err
}

func (w *World) apply(fn func(*registry.Registry)) {
	defer func() {
		if p := recover(); p != nil {
			w.printf("world job panic: %v", p)
		}
	}()
	fn(w.reg)
}

func (w *World) autosave() {
	n := w.reg.SaveAll()
	count := w.autosaves.Add(1)
	if w.cfg.SnapshotEvery > 0 && count%uint64(w.cfg.SnapshotEvery) == 0 {
		w.snapshot()
	}
	w.printf("autosave plots=%d count=%d", n, count)
}

func (w *World) snapshot() (uint64, bool) {
	if w.snapshotSink == nil {
		return 0, false
	}
	w.snapSeq++
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:      snapshot.Version,
			Seq:          w.snapSeq,
			TakenAt:      time.Now().UTC().Format(time.RFC3339),
			LevelsDigest: w.reg.Deps().Levels.Digest(),
		},
		Plots: snapshot.FromRecords(w.reg.Records()),
	}
	snap.Header.Plots = len(snap.Plots)
	select {
	case w.snapshotSink <- snap:
		return w.snapSeq, true
	default:
		w.printf("snapshot dropped seq=%d reason=sink_full", w.snapSeq)
		return w.snapSeq, false
	}
}

// shutdown drains queued jobs and saves every plot.
func (w *World) shutdown() {
drain:
	for {
		select {
		case fn := <-w.inbox:
			w.apply(fn)
		default:
			break drain
		}
	}
	n := w.reg.SaveAll()
	w.printf("shutdown save plots=%d", n)
}

func (w *World) printf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
