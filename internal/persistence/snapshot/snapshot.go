package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"farmplots/internal/sim/plot"
)

const Version = 1

type Header struct {
	Version      int    `json:"version"`
	Seq          uint64 `json:"seq"`
	TakenAt      string `json:"taken_at"`
	Plots        int    `json:"plots"`
	LevelsDigest string `json:"levels_digest,omitempty"`
}

type SnapshotV1 struct {
	Header Header   `json:"header"`
	Plots  []PlotV1 `json:"plots"`
}

type PlotV1 struct {
	ID        int64           `json:"id"`
	RegionID  string          `json:"region_id"`
	State     int             `json:"state"`
	Level     int             `json:"level"`
	Items     string          `json:"items,omitempty"`
	Members   []MemberV1      `json:"members"`
	Overrides map[string]bool `json:"overrides,omitempty"`
}

type MemberV1 struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Role     int    `json:"role"`
}

// FromRecords builds a snapshot body ordered by region id.
func FromRecords(recs []plot.Record) []PlotV1 {
	out := make([]PlotV1, 0, len(recs))
	for _, r := range recs {
		p := PlotV1{
			ID:       r.ID,
			RegionID: r.RegionID,
			State:    r.State,
			Level:    r.Level,
			Items:    r.Items,
			Members:  make([]MemberV1, 0, len(r.Members)),
		}
		for _, m := range r.Members {
			p.Members = append(p.Members, MemberV1{Identity: m.Identity.String(), Name: m.Name, Role: int(m.Role)})
		}
		if len(r.Overrides) > 0 {
			p.Overrides = make(map[string]bool, len(r.Overrides))
			for k, v := range r.Overrides {
				p.Overrides[k] = v
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// Records converts the snapshot back into loadable plot records.
func (s SnapshotV1) Records() ([]plot.Record, error) {
	out := make([]plot.Record, 0, len(s.Plots))
	for _, p := range s.Plots {
		rec := plot.Record{
			ID:        p.ID,
			RegionID:  p.RegionID,
			State:     p.State,
			Level:     p.Level,
			Items:     p.Items,
			Overrides: map[string]bool{},
		}
		for _, m := range p.Members {
			id, err := uuid.Parse(m.Identity)
			if err != nil {
				return nil, fmt.Errorf("plot %s member %q: %w", p.RegionID, m.Identity, err)
			}
			rec.Members = append(rec.Members, plot.Member{Identity: id, Name: m.Name, Role: plot.Role(m.Role)})
		}
		for k, v := range p.Overrides {
			rec.Overrides[k] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteSnapshot writes a JSON header line followed by the gob body, all
// inside one zstd stream. The file is written next to path and renamed into
// place.
func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	snap.Header.Plots = len(snap.Plots)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err = bw.Write(hb); err != nil {
		return err
	}
	if err = bw.WriteByte('\n'); err != nil {
		return err
	}
	if err = gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = enc.Close(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, err
	}
	if h.Version == 0 {
		return h, errors.New("snapshot header without version")
	}
	return h, nil
}
