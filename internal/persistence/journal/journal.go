// Package journal keeps an append-only, zstd-compressed JSONL record of
// storage writes that never reached the database.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"farmplots/internal/persistence/plotdb"
)

const fileSuffix = ".jsonl.zst"

// Entry is one journal line.
type Entry struct {
	At     string `json:"at"`
	Kind   string `json:"kind"`
	Key    uint64 `json:"key"`
	PlotID int64  `json:"plot_id,omitempty"`
	Region string `json:"region,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Journal rotates to a new file every UTC day. A file reopened after a
// restart gets a new zstd frame appended, which the reader concatenates.
type Journal struct {
	dir    string
	prefix string
	now    func() time.Time

	mu     sync.Mutex
	curDay string
	f      *os.File
	enc    *zstd.Encoder
	bw     *bufio.Writer
	closed bool
}

func Open(dir, prefix string) *Journal {
	if prefix == "" {
		prefix = "failed-writes"
	}
	return &Journal{dir: dir, prefix: prefix, now: time.Now}
}

// Report implements plotdb.Reporter. Journal errors are swallowed; the
// journal is itself the last-resort side channel.
func (j *Journal) Report(f plotdb.Failure) {
	e := Entry{
		At:     f.At.UTC().Format(time.RFC3339Nano),
		Kind:   f.Kind,
		Key:    f.Key,
		PlotID: f.PlotID,
		Region: f.Region,
		Reason: f.Reason,
	}
	if f.Err != nil {
		e.Error = f.Err.Error()
	}
	_ = j.Append(e)
}

func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.New("journal closed")
	}
	day := j.now().UTC().Format("2006-01-02")
	if day != j.curDay || j.bw == nil {
		if err := j.rotateLocked(day); err != nil {
			return err
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := j.bw.Write(b); err != nil {
		return err
	}
	if err := j.bw.Flush(); err != nil {
		return err
	}
	// Push the block to the file; the frame is ended on rotate/close.
	return j.enc.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return j.closeLocked()
}

func (j *Journal) Path(day string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s%s", j.prefix, day, fileSuffix))
}

func (j *Journal) rotateLocked(day string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.Path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f, j.enc, j.bw, j.curDay = f, enc, bufio.NewWriter(enc), day
	return nil
}

func (j *Journal) closeLocked() error {
	var err error
	if j.bw != nil {
		err = j.bw.Flush()
	}
	if j.enc != nil {
		if cerr := j.enc.Close(); err == nil {
			err = cerr
		}
	}
	if j.f != nil {
		if cerr := j.f.Close(); err == nil {
			err = cerr
		}
	}
	j.f, j.enc, j.bw, j.curDay = nil, nil, nil, ""
	return err
}

// ReadFile decodes every entry of one journal file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return decode(dec)
}

func decode(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return out, fmt.Errorf("journal line: %w", err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Files lists journal files in dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = "failed-writes"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix+"-") || !strings.HasSuffix(n, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, n))
	}
	sort.Strings(out)
	return out, nil
}
