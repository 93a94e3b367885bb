package backup

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farmplots/internal/persistence/snapshot"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
	meta     []map[string]string
}

func (f *fakeUploader) PutFile(_ context.Context, key, localPath string, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	if f.calls <= f.failures {
		return errors.New("503 slow down")
	}
	f.keys = append(f.keys, key)
	f.meta = append(f.meta, meta)
	return nil
}

func writeSnap(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, "snapshots", name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("snap"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func header(seq uint64) snapshot.Header {
	return snapshot.Header{Version: snapshot.Version, Seq: seq, TakenAt: "2026-01-02T03:04:05Z", Plots: 7, LevelsDigest: "abc"}
}

func TestMirror_UploadsWithHeaderMetadataAndRetries(t *testing.T) {
	up := &fakeUploader{failures: 2}
	m := NewMirror(up, MirrorConfig{Prefix: "/farmer/prod/", Backoff: time.Millisecond})
	m.Enqueue(writeSnap(t, t.TempDir(), "plots-1.snap.zst"), header(1))
	m.Close()

	if up.calls != 3 {
		t.Fatalf("calls=%d want=3", up.calls)
	}
	if len(up.keys) != 1 || up.keys[0] != "farmer/prod/snapshots/plots-1.snap.zst" {
		t.Fatalf("keys=%v", up.keys)
	}
	meta := up.meta[0]
	if meta["snapshot-seq"] != "1" || meta["snapshot-plots"] != "7" || meta["levels-digest"] != "abc" || meta["snapshot-taken-at"] == "" {
		t.Fatalf("meta=%v", meta)
	}
	if st := m.Stats(); st.UploadedTotal != 1 || st.FailedTotal != 0 || st.LastSeq != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_SkipsSeqAlreadyMirrored(t *testing.T) {
	up := &fakeUploader{}
	m := NewMirror(up, MirrorConfig{Workers: 1})
	p := writeSnap(t, t.TempDir(), "plots-5.snap.zst")
	m.Enqueue(p, header(5))
	m.Enqueue(p, header(5))
	m.Close()

	if up.calls != 1 {
		t.Fatalf("calls=%d want=1", up.calls)
	}
	if st := m.Stats(); st.UploadedTotal != 1 || st.SkippedTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_SkipsPrunedFileWithoutRetrying(t *testing.T) {
	up := &fakeUploader{}
	m := NewMirror(up, MirrorConfig{MaxAttempts: 4, Backoff: time.Millisecond})
	p := writeSnap(t, t.TempDir(), "plots-2.snap.zst")
	if err := os.Remove(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	m.Enqueue(p, header(2))
	m.Close()

	if up.calls != 1 {
		t.Fatalf("calls=%d want=1", up.calls)
	}
	if st := m.Stats(); st.SkippedTotal != 1 || st.FailedTotal != 0 || st.LastErrorUnix != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_FailedSeqCanBeRetried(t *testing.T) {
	up := &fakeUploader{failures: 2}
	m := NewMirror(up, MirrorConfig{Workers: 1, MaxAttempts: 2, Backoff: time.Millisecond})
	p := writeSnap(t, t.TempDir(), "plots-3.snap.zst")
	m.Enqueue(p, header(3))
	m.Enqueue(p, header(3))
	m.Close()

	if st := m.Stats(); st.FailedTotal != 1 || st.UploadedTotal != 1 || st.LastErrorUnix == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_NilIgnoresCalls(t *testing.T) {
	var m *Mirror
	m.Enqueue("x", header(1))
	m.Close()
	if st := m.Stats(); st != (Stats{}) {
		t.Fatalf("stats=%+v", st)
	}
}

func TestClient_PutFileAgainstS3Endpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		seq    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		method, path = r.Method, r.URL.Path
		seq = r.Header.Get("X-Amz-Meta-Snapshot-Seq")
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := NewClient(ctx, ClientConfig{
		Bucket:          "farm-backups",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	local := writeSnap(t, t.TempDir(), "x.snap.zst")
	if err := c.PutFile(ctx, "snapshots/x.snap.zst", local, Metadata(header(9))); err != nil {
		t.Fatalf("put: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/farm-backups/snapshots/x.snap.zst" {
		t.Fatalf("request=%s %s", method, path)
	}
	if seq != "9" {
		t.Fatalf("seq metadata=%q want=9", seq)
	}
}

func TestNewClient_RequiresBucket(t *testing.T) {
	if _, err := NewClient(context.Background(), ClientConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}
