// Package session keeps the local-first log of job sessions.
//
// The local JSON file is the system of record: every mutation is written
// there before anything is sent to the remote backend, and remote failures
// never undo or fail a local write. Remote records are folded in on Load
// using last-write-wins on LastModified.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/lock"
)

var ErrNotFound = errors.New("session not found")

// Remote mirrors sessions for a user. Every error is treated as the backend
// being unavailable.
type Remote interface {
	List(ctx context.Context, userID string) ([]Record, error)
	Put(ctx context.Context, userID string, record Record) error
	Delete(ctx context.Context, userID, id string) error
}

type Options struct {
	Path   string // session file
	Remote Remote // nil keeps the store local-only

	// Identity returns the signed-in user id, or "" when offline.
	Identity func() string

	Now   func() time.Time
	NewID func() (string, error)
}

type Store struct {
	path     string
	locks    *lock.FileLock
	remote   Remote
	identity func() string
	now      func() time.Time
	newID    func() (string, error)

	mu      sync.Mutex
	loaded  bool
	records []Record
}

func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("session file path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newID
	}
	return &Store{
		path:     opts.Path,
		locks:    lock.NewFileLock(filepath.Dir(opts.Path)),
		remote:   opts.Remote,
		identity: opts.Identity,
		now:      opts.Now,
		newID:    opts.NewID,
	}, nil
}

// newID returns a time-ordered UUIDv7.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Store) remoteUser() (string, bool) {
	if s.remote == nil || s.identity == nil {
		return "", false
	}
	userID := s.identity()
	return userID, userID != ""
}

// Load reads the local file and, when a remote user is available, merges the
// remote records into it and writes the result back. The store is not locked
// while the remote list is in flight, so local mutations never wait on the
// backend; the merge is applied to whatever was saved in the meantime.
func (s *Store) Load(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	records, err := s.readLocal()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	sortRecords(records)
	s.records = records
	s.loaded = true
	local := cloneAll(records)
	s.mu.Unlock()

	userID, ok := s.remoteUser()
	if !ok {
		return local, nil
	}

	remote, err := s.remote.List(ctx, userID)
	if err != nil {
		log.Printf("[SESSION SYNC] remote fetch failed, using local data: %v", err)
		return local, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readLocal()
	if err != nil {
		log.Printf("[SESSION ERROR] failed to re-read sessions before merge: %v", err)
		current = s.records
	}

	merged := Merge(current, remote)
	sortRecords(merged)
	if err := s.writeLocal(merged); err != nil {
		log.Printf("[SESSION ERROR] failed to save merged sessions: %v", err)
	}
	s.records = merged
	return cloneAll(merged), nil
}

// Sessions returns the in-memory collection, newest first.
func (s *Store) Sessions() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.records)
}

// Create stores a new session with a fresh id.
func (s *Store) Create(ctx context.Context, data Record) (Record, error) {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}

	id, err := s.newID()
	if err != nil {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	record := data.clone()
	record.ID = id
	record.LastModified = 0
	if record.StartedAt == 0 {
		record.StartedAt = s.now().UnixMilli()
	}
	if record.Photos == nil {
		record.Photos = []string{}
	}

	records := append([]Record{record}, s.records...)
	sortRecords(records)
	if err := s.commitLocked(records); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	s.mu.Unlock()

	s.mirror(ctx, record)
	return record.clone(), nil
}

// Update replaces the session with the same id and stamps LastModified.
func (s *Store) Update(ctx context.Context, record Record) (Record, error) {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}

	records := cloneAll(s.records)
	found := false
	record = record.clone()
	record.LastModified = s.now().UnixMilli()
	if record.Photos == nil {
		record.Photos = []string{}
	}
	for i := range records {
		if records[i].ID == record.ID {
			records[i] = record
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, record.ID)
	}

	sortRecords(records)
	if err := s.commitLocked(records); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	s.mu.Unlock()

	s.mirror(ctx, record)
	return record.clone(), nil
}

// Delete removes a session locally, then from the remote backend.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.ID != id {
			records = append(records, r)
		}
	}
	if err := s.commitLocked(records); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if userID, ok := s.remoteUser(); ok {
		if err := s.remote.Delete(ctx, userID, id); err != nil {
			log.Printf("[SESSION SYNC] remote delete failed, session deleted locally: %v", err)
		}
	}
	return nil
}

// ClearAll removes the session file, then every known session from the
// remote backend.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	ids := make([]string, 0, len(s.records))
	for _, r := range s.records {
		ids = append(ids, r.ID)
	}

	unlock, err := s.locks.Lock(filepath.Base(s.path))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	err = os.Remove(s.path)
	unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.mu.Unlock()
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	s.records = nil
	s.mu.Unlock()

	userID, ok := s.remoteUser()
	if !ok || len(ids) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.remote.Delete(ctx, userID, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("[SESSION SYNC] remote clear failed, sessions cleared locally: %v", err)
	}
	return nil
}

func (s *Store) mirror(ctx context.Context, record Record) {
	userID, ok := s.remoteUser()
	if !ok {
		return
	}
	if err := s.remote.Put(ctx, userID, record); err != nil {
		log.Printf("[SESSION SYNC] remote save failed, session saved locally: %v", err)
	}
}

// ensureLoadedLocked reads the local file before the first mutation so a
// store that was never Loaded does not overwrite existing sessions.
func (s *Store) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	records, err := s.readLocal()
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}
	sortRecords(records)
	s.records = records
	s.loaded = true
	return nil
}

func (s *Store) commitLocked(records []Record) error {
	if err := s.writeLocal(records); err != nil {
		return fmt.Errorf("failed to save sessions: %w", err)
	}
	s.records = records
	return nil
}

// readLocal returns nil for a missing or unreadable file. Only I/O errors
// are returned.
func (s *Store) readLocal() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("[SESSION ERROR] discarding unreadable session file %s: %v", s.path, err)
		return nil, nil
	}
	return records, nil
}

func (s *Store) writeLocal(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(filepath.Base(s.path))
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
