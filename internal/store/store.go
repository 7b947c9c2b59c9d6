package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/brensch/urnalog/internal/model"
)

const snapshotVersion = 1

type snapshot struct {
	Version  int                             `json:"version"`
	Sections map[string]*model.SectionRecord `json:"sections"`
}

// Store maps section ids to their accumulated records. It is not safe for
// concurrent use; the harvester owns it for the length of a run.
type Store struct {
	path    string
	records map[string]*model.SectionRecord
}

// Load reads the snapshot at path. A missing file yields an empty store, so a
// first run and a resumed run go through the same code.
func Load(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]*model.SectionRecord)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("store %s: unsupported snapshot version %d", path, snap.Version)
	}
	for id, rec := range snap.Sections {
		if rec == nil {
			continue
		}
		if rec.Models == nil {
			rec.Models = make(map[model.Round]string)
		}
		rec.SectionID = id
		s.records[id] = rec
	}
	return s, nil
}

// Path is the snapshot file the store saves to.
func (s *Store) Path() string { return s.path }

// Upsert merges a fragment. A new section is seeded with the fragment's
// location fields, which are never changed afterwards; only the model of the
// fragment's round is written. Upserts for different rounds commute and
// repeating an upsert changes nothing.
func (s *Store) Upsert(f model.Fragment) {
	rec, ok := s.records[f.SectionID]
	if !ok {
		rec = &model.SectionRecord{
			SectionID:        f.SectionID,
			Region:           f.Region,
			MunicipalityCode: f.MunicipalityCode,
			ZoneNumber:       f.ZoneNumber,
			SectionNumber:    f.SectionNumber,
			Models:           make(map[model.Round]string, 2),
		}
		s.records[f.SectionID] = rec
	}
	rec.Models[f.Round] = f.Model
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (model.SectionRecord, bool) {
	rec, ok := s.records[id]
	if !ok {
		return model.SectionRecord{}, false
	}
	return cloneRecord(rec), true
}

func (s *Store) Len() int { return len(s.records) }

// Records returns copies of every record ordered by section id.
func (s *Store) Records() []model.SectionRecord {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.SectionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(s.records[id]))
	}
	return out
}

// Rows projects every record, ordered by region and location.
func (s *Store) Rows() []model.Row {
	rows := make([]model.Row, 0, len(s.records))
	for _, rec := range s.records {
		rows = append(rows, rec.Row())
	}
	model.SortRows(rows)
	return rows
}

// Save replaces the snapshot file with the full contents of the store. The
// data is written to a temporary file in the same directory, synced, and
// renamed over the old snapshot, so readers see either the old or the new
// file.
func (s *Store) Save() error {
	data, err := json.Marshal(snapshot{Version: snapshotVersion, Sections: s.records})
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	// CreateTemp uses 0600; the snapshot is read by other processes.
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	_, writeErr := tmp.Write(data)
	var syncErr error
	if writeErr == nil {
		syncErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot %s: %w", s.path, err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk. Some platforms cannot sync a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

func cloneRecord(rec *model.SectionRecord) model.SectionRecord {
	c := *rec
	c.Models = make(map[model.Round]string, len(rec.Models))
	for r, m := range rec.Models {
		c.Models[r] = m
	}
	return c
}
