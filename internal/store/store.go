// internal/store/store.go

// Package store persists job records, one JSON file per record keyed by the
// record's source path. Files are written to a temp name and renamed into
// place, so a crash mid-write never corrupts an existing record, and two
// processes sharing the directory can write different records without
// clobbering each other. Writes within one process are serialized through a
// single FIFO persist worker.
//
// A record touched by two processes at once is still last-writer-wins; the
// pipeline topology guarantees this never happens because each stage consumes
// from its own queue.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hoangvt/docpipe/pkg/schema"
)

// ErrCorruptRecord is wrapped by Init when a record file fails to decode.
// The file is quarantined, never silently discarded.
var ErrCorruptRecord = errors.New("corrupt record file")

// ErrDuplicate is returned by Insert when a record with the same source path
// already exists. SourcePath is unique among records.
var ErrDuplicate = errors.New("record already exists")

var errClosed = errors.New("store closed")

// Predicate selects records for find, update and delete operations.
type Predicate func(schema.JobRecord) bool

// Patch mutates a matched record in place during Update.
type Patch func(*schema.JobRecord)

// BySourcePath matches the record with the given source path.
func BySourcePath(path string) Predicate {
	return func(r schema.JobRecord) bool { return r.SourcePath == path }
}

// ByID matches the record with the given job id.
func ByID(id string) Predicate {
	return func(r schema.JobRecord) bool { return r.ID == id }
}

type opKind int

const (
	opWrite opKind = iota
	opDelete
	opClear
)

type persistReq struct {
	kind opKind
	key  string
	done chan error
}

// Store is a concurrency-safe record store over a directory of per-record
// JSON files. The directory is shared between processes, so every read and
// predicate scan refreshes from disk first; records with a write still queued
// in this process keep their in-memory state until the write lands. Mutations
// enqueue a request drained by a single worker goroutine.
type Store struct {
	dir string

	mu           sync.RWMutex
	records      map[string]schema.JobRecord
	order        []string
	dirty        map[string]int
	clearPending int
	ready        bool

	sendMu sync.RWMutex
	closed bool
	reqCh  chan persistReq
	wg     sync.WaitGroup
}

// New returns an unopened store over dir. Call Init before use.
func New(dir string) *Store {
	return &Store{
		dir:     dir,
		records: make(map[string]schema.JobRecord),
		dirty:   make(map[string]int),
		reqCh:   make(chan persistReq, 64),
	}
}

// Init ensures the backing directory exists and loads every record file into
// memory. A record file that fails to decode is renamed to
// <name>.corrupt-<unixts> and Init fails; startup must not proceed on top of
// silently dropped data. A second call is a no-op.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ensure store dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read record %s: %w", e.Name(), err)
		}
		var rec schema.JobRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			quarantine := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			if renameErr := os.Rename(path, quarantine); renameErr != nil {
				return fmt.Errorf("quarantine %s: %w", e.Name(), renameErr)
			}
			return fmt.Errorf("decode %s (quarantined to %s): %w: %w",
				e.Name(), filepath.Base(quarantine), ErrCorruptRecord, err)
		}
		s.records[rec.SourcePath] = rec
		s.order = append(s.order, rec.SourcePath)
	}

	// Load order follows directory listing; present records oldest-first.
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.records[s.order[i]], s.records[s.order[j]]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	s.wg.Add(1)
	go s.drain()
	s.ready = true
	return nil
}

// Close stops the persist worker after all queued writes have completed.
func (s *Store) Close() {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	s.closed = true
	close(s.reqCh)
	s.sendMu.Unlock()
	s.wg.Wait()
}

// refreshLocked re-reads the record directory so this process observes
// writes made by the other pipeline processes sharing it. A record with a
// write or delete still queued locally is skipped: its in-memory state is
// ahead of disk until the persist worker drains it. Undecodable files are
// ignored here; renames make partial reads impossible, and Init already
// quarantined anything corrupt at startup.
//
// Caller holds s.mu for writing.
func (s *Store) refreshLocked() {
	if s.clearPending > 0 {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	disk := make(map[string]schema.JobRecord)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec schema.JobRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		disk[rec.SourcePath] = rec
	}

	// Drop records another process deleted, adopt what it updated.
	kept := s.order[:0]
	for _, key := range s.order {
		if s.dirty[key] > 0 {
			kept = append(kept, key)
			continue
		}
		rec, onDisk := disk[key]
		if !onDisk {
			delete(s.records, key)
			continue
		}
		s.records[key] = rec
		delete(disk, key)
		kept = append(kept, key)
	}
	s.order = kept
	for key, rec := range disk {
		if s.dirty[key] > 0 {
			continue
		}
		s.records[key] = rec
		s.order = append(s.order, key)
	}
}

// ReadAll returns a copy of every record, oldest first.
func (s *Store) ReadAll() []schema.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make([]schema.JobRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.records[key])
	}
	return out
}

// FindOne returns the first record matching pred in store order.
func (s *Store) FindOne(pred Predicate) (schema.JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for _, key := range s.order {
		if rec := s.records[key]; pred(rec) {
			return rec, true
		}
	}
	return schema.JobRecord{}, false
}

// FindAll returns every record matching pred in store order.
func (s *Store) FindAll(pred Predicate) []schema.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	var out []schema.JobRecord
	for _, key := range s.order {
		if rec := s.records[key]; pred(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Insert appends a new record and persists it.
func (s *Store) Insert(rec schema.JobRecord) error {
	s.mu.Lock()
	s.refreshLocked()
	if _, exists := s.records[rec.SourcePath]; exists {
		s.mu.Unlock()
		return fmt.Errorf("insert %s: %w", rec.SourcePath, ErrDuplicate)
	}
	s.records[rec.SourcePath] = rec
	s.order = append(s.order, rec.SourcePath)
	s.dirty[rec.SourcePath]++
	s.mu.Unlock()

	return s.persist(opWrite, rec.SourcePath)
}

// Update applies patch to every record matching pred and persists each match.
// No match means no disk write. Returns the number of records updated.
func (s *Store) Update(pred Predicate, patch Patch) (int, error) {
	s.mu.Lock()
	s.refreshLocked()
	var keys []string
	for _, key := range s.order {
		rec := s.records[key]
		if !pred(rec) {
			continue
		}
		patch(&rec)
		rec.SourcePath = key // identity is immutable under Update
		s.records[key] = rec
		s.dirty[key]++
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := s.persist(opWrite, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(keys), firstErr
}

// Upsert merges rec into the first record matching pred, or appends rec when
// nothing matches. Persists unconditionally. Reports true when an existing
// record was updated.
func (s *Store) Upsert(pred Predicate, rec schema.JobRecord) (bool, error) {
	s.mu.Lock()
	s.refreshLocked()
	var key string
	updated := false
	for _, k := range s.order {
		if pred(s.records[k]) {
			merged := schema.Merge(s.records[k], rec)
			merged.SourcePath = k
			s.records[k] = merged
			key = k
			updated = true
			break
		}
	}
	if !updated {
		key = rec.SourcePath
		if _, exists := s.records[key]; !exists {
			s.order = append(s.order, key)
		}
		s.records[key] = rec
	}
	s.dirty[key]++
	s.mu.Unlock()

	return updated, s.persist(opWrite, key)
}

// Delete removes every record matching pred. Returns the number removed;
// zero matches means no disk writes.
func (s *Store) Delete(pred Predicate) (int, error) {
	s.mu.Lock()
	s.refreshLocked()
	var removed []string
	kept := s.order[:0]
	for _, key := range s.order {
		if pred(s.records[key]) {
			delete(s.records, key)
			s.dirty[key]++
			removed = append(removed, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	s.mu.Unlock()

	var firstErr error
	for _, key := range removed {
		if err := s.persist(opDelete, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(removed), firstErr
}

// Clear empties the store and its directory. Returns the prior record count.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	s.refreshLocked()
	n := len(s.order)
	s.records = make(map[string]schema.JobRecord)
	s.order = nil
	s.clearPending++
	s.mu.Unlock()

	return n, s.persist(opClear, "")
}

// persist enqueues one request and waits for the worker to complete it, so
// callers observe I/O failures on the mutation that caused them.
func (s *Store) persist(kind opKind, key string) error {
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return errClosed
	}
	req := persistReq{kind: kind, key: key, done: make(chan error, 1)}
	s.reqCh <- req
	s.sendMu.RUnlock()
	return <-req.done
}

// drain is the single persist worker. Each write serializes the record's
// current in-memory state, so back-to-back mutations of one key may coalesce
// into the same bytes on disk; that is fine because record writes are
// idempotent on the full record, not incremental.
func (s *Store) drain() {
	defer s.wg.Done()
	for req := range s.reqCh {
		err := s.apply(req)
		s.release(req)
		req.done <- err
	}
}

// release clears the dirty mark once the op is on disk, re-enabling refresh
// for the key.
func (s *Store) release(req persistReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.kind {
	case opWrite, opDelete:
		if s.dirty[req.key]--; s.dirty[req.key] <= 0 {
			delete(s.dirty, req.key)
		}
	case opClear:
		s.clearPending--
	}
}

func (s *Store) apply(req persistReq) error {
	switch req.kind {
	case opWrite:
		s.mu.RLock()
		rec, ok := s.records[req.key]
		s.mu.RUnlock()
		if !ok {
			// Deleted before the write drained; the delete op cleans up.
			return nil
		}
		return writeRecordFile(s.dir, req.key, rec)
	case opDelete:
		err := os.Remove(recordPath(s.dir, req.key))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete record file: %w", err)
		}
		return nil
	case opClear:
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return fmt.Errorf("clear store dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("clear record file: %w", err)
			}
		}
		return nil
	}
	return nil
}

// writeRecordFile writes the record next to its final name and renames it
// into place. The rename is what makes concurrent writers to different
// records, and crashes mid-write, safe.
func writeRecordFile(dir, key string, rec schema.JobRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), recordPath(dir, key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

func recordPath(dir, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:8])+".json")
}
