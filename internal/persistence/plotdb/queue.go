package plotdb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"farmplots/internal/metrics"
)

// Failure reasons.
const (
	ReasonSaturated   = "queue_saturated"
	ReasonClosed      = "queue_closed"
	ReasonWriteFailed = "write_failed"
)

var ErrQueueClosed = errors.New("write queue closed")

// Failure describes one write that did not reach storage. Writes are never
// retried; the in-memory state stays authoritative until restart.
type Failure struct {
	At     time.Time
	Kind   string
	Key    uint64
	PlotID int64
	Region string
	Reason string
	Err    error
}

// Reporter receives every failed or dropped write.
type Reporter interface {
	Report(Failure)
}

// Job is one scheduled storage write. Jobs with the same Key run in
// submission order.
type Job struct {
	Key    uint64
	Kind   string
	Region string
	PlotID func() int64
	Run    func(ctx context.Context) error
}

type QueueConfig struct {
	Shards       int
	Capacity     int // per shard
	WriteTimeout time.Duration
	EnqueueWait  time.Duration
	Logger       *log.Logger
	Reporter     Reporter
	Metrics      *metrics.Metrics
}

type QueueStats struct {
	Shards              int
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	WriteOKTotal        uint64
	WriteFailTotal      uint64
	LastErrorUnix       int64
}

// Queue runs storage writes on a fixed set of worker goroutines. A job is
// routed to shard Key mod Shards, so all writes of one plot share a FIFO
// while different plots proceed in parallel.
type Queue struct {
	cfg    QueueConfig
	shards []chan Job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	writeOKTotal        atomic.Uint64
	writeFailTotal      atomic.Uint64
	lastErrorUnix       atomic.Int64
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	q := &Queue{cfg: cfg, shards: make([]chan Job, cfg.Shards)}
	for i := range q.shards {
		ch := make(chan Job, cfg.Capacity)
		q.shards[i] = ch
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range ch {
				q.run(job)
			}
		}()
	}
	return q
}

// Enqueue hands a job to its shard without blocking the caller for longer
// than EnqueueWait. A job that cannot be queued in time is dropped and
// reported.
func (q *Queue) Enqueue(job Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.fail(job, ReasonClosed, ErrQueueClosed)
		return
	}
	q.enqueuedTotal.Add(1)
	q.cfg.Metrics.Write(job.Kind, "enqueued")
	ch := q.shards[job.Key%uint64(len(q.shards))]

	select {
	case ch <- job:
		return
	default:
	}

	q.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(q.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case ch <- job:
	case <-timer.C:
		q.droppedTotal.Add(1)
		q.cfg.Metrics.Write(job.Kind, "dropped")
		q.fail(job, ReasonSaturated, fmt.Errorf("shard full after %s", q.cfg.EnqueueWait))
	}
}

// Flush waits until every job queued before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	var done sync.WaitGroup
	for _, ch := range q.shards {
		done.Add(1)
		barrier := Job{Kind: "flush", Run: func(context.Context) error {
			done.Done()
			return nil
		}}
		select {
		case ch <- barrier:
		case <-ctx.Done():
			q.mu.RUnlock()
			return ctx.Err()
		}
	}
	q.mu.RUnlock()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and drains what is already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) Stats() QueueStats {
	s := QueueStats{
		Shards:              len(q.shards),
		QueueCapacity:       len(q.shards) * q.cfg.Capacity,
		EnqueuedTotal:       q.enqueuedTotal.Load(),
		QueueSaturatedTotal: q.queueSaturatedTotal.Load(),
		DroppedTotal:        q.droppedTotal.Load(),
		WriteOKTotal:        q.writeOKTotal.Load(),
		WriteFailTotal:      q.writeFailTotal.Load(),
		LastErrorUnix:       q.lastErrorUnix.Load(),
	}
	for _, ch := range q.shards {
		s.QueueDepth += len(ch)
	}
	return s
}

func (q *Queue) run(job Job) {
	if job.Kind == "flush" {
		_ = job.Run(context.Background())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.WriteTimeout)
	defer cancel()
	start := time.Now()
	err := safeRun(ctx, job.Run)
	q.cfg.Metrics.WriteDuration(job.Kind, time.Since(start))
	if err != nil {
		q.writeFailTotal.Add(1)
		q.lastErrorUnix.Store(time.Now().UTC().Unix())
		q.cfg.Metrics.Write(job.Kind, "failed")
		q.fail(job, ReasonWriteFailed, err)
		return
	}
	q.writeOKTotal.Add(1)
	q.cfg.Metrics.Write(job.Kind, "ok")
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("write panic: %v", p)
		}
	}()
	return fn(ctx)
}

func (q *Queue) fail(job Job, reason string, err error) {
	f := Failure{
		At:     time.Now().UTC(),
		Kind:   job.Kind,
		Key:    job.Key,
		Region: job.Region,
		Reason: reason,
		Err:    err,
	}
	if job.PlotID != nil {
		f.PlotID = job.PlotID()
	}
	q.printf("plotdb %s kind=%s key=%d plot_id=%d region=%s err=%v", reason, f.Kind, f.Key, f.PlotID, f.Region, err)
	if q.cfg.Reporter != nil {
		q.cfg.Reporter.Report(f)
	}
}

func (q *Queue) printf(format string, args ...any) {
	if q.cfg.Logger != nil {
		q.cfg.Logger.Printf(format, args...)
	}
}
