// Package source reads warehouse export snapshots from the filesystem and
// feeds them to the engine, one full-state CSV per reconciliation cycle.
package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// DirSource watches a directory for snapshot CSV files. Each file is one
// full-state export; files are consumed in name order and each file is
// ingested at most once per process lifetime.
//
// The snapshot ID is the file's base name without extension; the capture
// time is the file's modification time.
type DirSource struct {
	dir string

	mu   sync.Mutex
	seen map[string]bool
}

// NewDirSource creates a source over the given directory.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir, seen: make(map[string]bool)}
}

// Fetch returns the next unconsumed snapshot file, if any.
func (s *DirSource) Fetch(ctx context.Context) ([]map[string]string, record.SnapshotMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, record.SnapshotMeta{}, false, fmt.Errorf("read snapshot dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		if !s.seen[e.Name()] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, record.SnapshotMeta{}, false, nil
	}
	sort.Strings(names)
	name := names[0]

	path := filepath.Join(s.dir, name)
	raws, err := ReadCSVFile(path)
	if err != nil {
		// Mark consumed anyway: a malformed file would otherwise wedge the
		// source and starve every later snapshot.
		s.seen[name] = true
		return nil, record.SnapshotMeta{}, false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, record.SnapshotMeta{}, false, fmt.Errorf("stat snapshot: %w", err)
	}

	s.seen[name] = true
	meta := record.SnapshotMeta{
		SnapshotID:  strings.TrimSuffix(name, filepath.Ext(name)),
		SourceLabel: path,
		CapturedAt:  info.ModTime().UTC(),
		RecordCount: len(raws),
	}
	return raws, meta, true, nil
}

// FileSource feeds exactly one snapshot file, then reports none available.
// Used by one-shot ingestion.
type FileSource struct {
	path string
	at   time.Time

	mu   sync.Mutex
	done bool
}

// NewFileSource creates a source over a single file. capturedAt overrides
// the capture time; pass the zero time to use the file's modification time.
func NewFileSource(path string, capturedAt time.Time) *FileSource {
	return &FileSource{path: path, at: capturedAt}
}

// Fetch returns the file's records on the first call only.
func (s *FileSource) Fetch(ctx context.Context) ([]map[string]string, record.SnapshotMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, record.SnapshotMeta{}, false, nil
	}
	s.done = true

	raws, err := ReadCSVFile(s.path)
	if err != nil {
		return nil, record.SnapshotMeta{}, false, err
	}

	capturedAt := s.at
	if capturedAt.IsZero() {
		info, err := os.Stat(s.path)
		if err != nil {
			return nil, record.SnapshotMeta{}, false, fmt.Errorf("stat snapshot: %w", err)
		}
		capturedAt = info.ModTime().UTC()
	}

	name := filepath.Base(s.path)
	meta := record.SnapshotMeta{
		SnapshotID:  strings.TrimSuffix(name, filepath.Ext(name)),
		SourceLabel: s.path,
		CapturedAt:  capturedAt,
		RecordCount: len(raws),
	}
	return raws, meta, true, nil
}

// ReadCSVFile parses a snapshot CSV into raw records keyed by the header
// row's column names. Short rows are padded with empty strings.
func ReadCSVFile(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return readCSV(f, path)
}

func readCSV(r io.Reader, name string) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // exports occasionally carry ragged rows

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("snapshot %s: empty file", name)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: read header: %w", name, err)
	}

	var raws []map[string]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: read row: %w", name, err)
		}

		raw := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				raw[col] = row[i]
			} else {
				raw[col] = ""
			}
		}
		raws = append(raws, raw)
	}

	return raws, nil
}
