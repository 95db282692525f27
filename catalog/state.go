package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/stratadb/strata/core"
)

// counterKey scopes a file-index counter to one (table, level, bucket).
type counterKey struct {
	Table       core.TableID
	Level       core.GenerationLevel
	BucketStart int64
}

// state holds the catalog's mutable contents. It carries no lock of its
// own; the owning backend serializes access and persists the mutation
// records state methods return.
type state struct {
	version    uint64
	seq        uint64
	tables     map[core.TableID]*tableState
	files      map[string]core.FileMetadata // live files keyed by object path
	tombstones map[string]Tombstone
	counters   map[counterKey]uint64
}

type tableState struct {
	ref       TableRef
	watermark int64
}

func newState() *state {
	return &state{
		tables:     make(map[core.TableID]*tableState),
		files:      make(map[string]core.FileMetadata),
		tombstones: make(map[string]Tombstone),
		counters:   make(map[counterKey]uint64),
	}
}

// clone deep-copies the state so a backend can validate and apply a
// mutation without touching the live copy until persistence succeeds.
func (s *state) clone() *state {
	c := &state{
		version:    s.version,
		seq:        s.seq,
		tables:     make(map[core.TableID]*tableState, len(s.tables)),
		files:      make(map[string]core.FileMetadata, len(s.files)),
		tombstones: make(map[string]Tombstone, len(s.tombstones)),
		counters:   make(map[counterKey]uint64, len(s.counters)),
	}
	for id, ts := range s.tables {
		cp := *ts
		c.tables[id] = &cp
	}
	for p, f := range s.files {
		c.files[p] = f
	}
	for p, t := range s.tombstones {
		c.tombstones[p] = t
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

func (s *state) snapshot() *Snapshot {
	snap := &Snapshot{Version: s.version}
	ids := make([]core.TableID, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	byTable := make(map[core.TableID][]core.FileMetadata)
	for _, f := range s.files {
		byTable[f.TableID] = append(byTable[f.TableID], f)
	}

	for _, id := range ids {
		ts := s.tables[id]
		files := byTable[id]
		sort.Slice(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })
		snap.Tables = append(snap.Tables, TableSnapshot{
			Ref:             ts.ref,
			IngestWatermark: ts.watermark,
			Files:           files,
		})
	}
	return snap
}

func (s *state) nextFileIndex(key counterKey) uint64 {
	idx := s.counters[key]
	s.counters[key] = idx + 1
	return idx
}

// commit validates and applies a compaction commit. Conflict detection is
// scoped to the consumed files rather than the global version: a commit
// loses only when another mutation already consumed one of its inputs.
// Job planning is deterministic (oldest inputs by sequence), so two racers
// for the same bucket select identical inputs and input liveness alone
// yields a single winner, while jobs for disjoint (table, bucket) scopes
// commit concurrently from one snapshot. Outputs may overlap existing
// same-level files: an oversized bucket is promoted over several cycles,
// each batch landing next to the previous batches' outputs.
func (s *state) commit(expectedVersion uint64, newFiles []core.FileMetadata, tombstonePaths []string, deleteAfter time.Time) (uint64, error) {
	if expectedVersion > s.version {
		return 0, fmt.Errorf("expected version %d is ahead of catalog version %d: %w", expectedVersion, s.version, ErrConflict)
	}
	for _, path := range tombstonePaths {
		if _, live := s.files[path]; !live {
			return 0, fmt.Errorf("input %s is no longer live: %w", path, ErrConflict)
		}
	}
	for _, nf := range newFiles {
		if _, ok := s.tables[nf.TableID]; !ok {
			return 0, fmt.Errorf("commit for table %d: %w", nf.TableID, ErrUnknownTable)
		}
		if _, exists := s.files[nf.Path]; exists {
			return 0, fmt.Errorf("output path %s already registered: %w", nf.Path, ErrConflict)
		}
	}

	for _, path := range tombstonePaths {
		f := s.files[path]
		delete(s.files, path)
		s.tombstones[path] = Tombstone{File: f, DeleteAfter: deleteAfter}
	}
	for _, nf := range newFiles {
		s.seq++
		nf.Sequence = s.seq
		s.files[nf.Path] = nf
	}
	s.version++
	return s.version, nil
}

func (s *state) registerTable(ref TableRef) bool {
	if _, ok := s.tables[ref.TableID]; ok {
		return false
	}
	s.tables[ref.TableID] = &tableState{ref: ref}
	s.version++
	return true
}

func (s *state) addFile(file core.FileMetadata) (core.FileMetadata, error) {
	if _, ok := s.tables[file.TableID]; !ok {
		return core.FileMetadata{}, fmt.Errorf("add file for table %d: %w", file.TableID, ErrUnknownTable)
	}
	if _, exists := s.files[file.Path]; exists {
		return core.FileMetadata{}, fmt.Errorf("file %s already registered", file.Path)
	}
	s.seq++
	file.Sequence = s.seq
	s.files[file.Path] = file
	s.version++
	return file, nil
}

func (s *state) advanceWatermark(table core.TableID, watermark int64) error {
	ts, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("advance watermark for table %d: %w", table, ErrUnknownTable)
	}
	if watermark <= ts.watermark {
		return nil
	}
	ts.watermark = watermark
	s.version++
	return nil
}

func (s *state) expiredTombstones(now time.Time) []Tombstone {
	var out []Tombstone
	for _, t := range s.tombstones {
		if !t.DeleteAfter.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File.Path < out[j].File.Path })
	return out
}

func (s *state) removeTombstones(paths []string) {
	removed := false
	for _, p := range paths {
		if _, ok := s.tombstones[p]; ok {
			delete(s.tombstones, p)
			removed = true
		}
	}
	if removed {
		s.version++
	}
}

// isReferenced reports whether the catalog knows the path, live or
// tombstoned. Used by the orphan sweep.
func (s *state) isReferenced(path string) bool {
	if _, ok := s.files[path]; ok {
		return true
	}
	_, ok := s.tombstones[path]
	return ok
}
