// Package backup mirrors snapshot files to object storage off the world
// loop.
package backup

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"farmplots/internal/persistence/snapshot"
)

// Upload is one written snapshot waiting to be mirrored.
type Upload struct {
	Path   string
	Header snapshot.Header
}

type Stats struct {
	Pending         int
	Capacity        int
	EnqueuedTotal   uint64
	DroppedTotal    uint64
	SkippedTotal    uint64 // already mirrored, or pruned before upload
	UploadedTotal   uint64
	FailedTotal     uint64
	LastSeq         uint64
	LastSuccessUnix int64
	LastErrorUnix   int64
}

type MirrorConfig struct {
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	Logger        *log.Logger
}

// Mirror uploads snapshots under <prefix>/snapshots/<file name> with the
// snapshot header as object metadata. Each seq is uploaded at most once
// per process.
type Mirror struct {
	up  Uploader
	cfg MirrorConfig
	in  chan Upload
	wg  sync.WaitGroup

	mu   sync.Mutex
	seqs map[uint64]bool // false while uploading, true once stored

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	skipped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSeq     atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func NewMirror(up Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{up: up, cfg: cfg, in: make(chan Upload, cfg.QueueCapacity), seqs: map[uint64]bool{}}
	m.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go m.work()
	}
	return m
}

// Enqueue hands a written snapshot to the workers. It waits at most
// EnqueueWait; the snapshot stays on local disk when the queue is full.
func (m *Mirror) Enqueue(localPath string, h snapshot.Header) {
	if m == nil || m.up == nil {
		return
	}
	m.enqueued.Add(1)
	t := time.NewTimer(m.cfg.EnqueueWait)
	defer t.Stop()
	select {
	case m.in <- Upload{Path: localPath, Header: h}:
	case <-t.C:
		n := m.dropped.Add(1)
		m.printf("backup dropped seq=%d path=%s dropped_total=%d", h.Seq, localPath, n)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.in)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Pending:         len(m.in),
		Capacity:        cap(m.in),
		EnqueuedTotal:   m.enqueued.Load(),
		DroppedTotal:    m.dropped.Load(),
		SkippedTotal:    m.skipped.Load(),
		UploadedTotal:   m.uploaded.Load(),
		FailedTotal:     m.failed.Load(),
		LastSeq:         m.lastSeq.Load(),
		LastSuccessUnix: m.lastSuccess.Load(),
		LastErrorUnix:   m.lastError.Load(),
	}
}

// ObjectKey is where a snapshot file lands in the bucket.
func (m *Mirror) ObjectKey(localPath string) string {
	return path.Join(m.cfg.Prefix, "snapshots", filepath.Base(localPath))
}

func (m *Mirror) work() {
	defer m.wg.Done()
	for u := range m.in {
		if !m.claim(u.Header.Seq) {
			m.skipped.Add(1)
			m.printf("backup skip seq=%d reason=already_mirrored", u.Header.Seq)
			continue
		}
		stored, err := m.put(u)
		m.release(u.Header.Seq, stored)
		switch {
		case stored:
			m.uploaded.Add(1)
			m.lastSuccess.Store(time.Now().UTC().Unix())
			m.bumpLastSeq(u.Header.Seq)
			m.printf("backup uploaded seq=%d key=%s", u.Header.Seq, m.ObjectKey(u.Path))
		case errors.Is(err, fs.ErrNotExist):
			m.skipped.Add(1)
			m.printf("backup skip seq=%d reason=pruned path=%s", u.Header.Seq, u.Path)
		default:
			m.failed.Add(1)
			m.lastError.Store(time.Now().UTC().Unix())
			m.printf("backup failed seq=%d path=%s err=%v", u.Header.Seq, u.Path, err)
		}
	}
}

// put retries with quadratic backoff. A missing file ends the attempts.
func (m *Mirror) put(u Upload) (bool, error) {
	key := m.ObjectKey(u.Path)
	meta := Metadata(u.Header)
	var err error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, u.Path, meta)
		cancel()
		if err == nil {
			return true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		if attempt < m.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.cfg.Backoff)
		}
	}
	return false, err
}

func (m *Mirror) claim(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.seqs[seq]; busy {
		return false
	}
	m.seqs[seq] = false
	return true
}

// release records a stored seq, or frees it for a later retry.
func (m *Mirror) release(seq uint64, stored bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored {
		m.seqs[seq] = true
		return
	}
	delete(m.seqs, seq)
}

func (m *Mirror) bumpLastSeq(seq uint64) {
	for {
		cur := m.lastSeq.Load()
		if seq <= cur || m.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Metadata renders a snapshot header as S3 user metadata.
func Metadata(h snapshot.Header) map[string]string {
	meta := map[string]string{
		"snapshot-version": strconv.Itoa(h.Version),
		"snapshot-seq":     strconv.FormatUint(h.Seq, 10),
		"snapshot-plots":   strconv.Itoa(h.Plots),
	}
	if h.TakenAt != "" {
		meta["snapshot-taken-at"] = h.TakenAt
	}
	if h.LevelsDigest != "" {
		meta["levels-digest"] = h.LevelsDigest
	}
	return meta
}

func (m *Mirror) printf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
