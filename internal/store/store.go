// Package store persists instance records as a single JSON document.
//
// Every mutation rewrites the whole file through a temp file and rename.
// Only an in-process mutex guards the file; other writers (the helper
// daemon, manual edits) are reconciled afterwards rather than excluded.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/instance"
)

const (
	fileMode = 0o600
	dirMode  = 0o750
)

var (
	ErrNotFound      = errors.New("instance not found")
	ErrAlreadyExists = errors.New("instance already exists")
)

// Store reads and writes the instance state file.
type Store struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	corrupt bool
}

func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

func (s *Store) Path() string { return s.path }

// Ensure creates an empty state file when none exists.
func (s *Store) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.load()
	return err
}

func (s *Store) List(ctx context.Context) ([]instance.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) IDs(ctx context.Context) (map[string]struct{}, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		ids[r.ID] = struct{}{}
	}
	return ids, nil
}

func (s *Store) Get(ctx context.Context, id string) (instance.Record, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return instance.Record{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return instance.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) GetByName(ctx context.Context, name string) (instance.Record, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return instance.Record{}, err
	}
	for _, r := range recs {
		if r.Name == name {
			return r, nil
		}
	}
	return instance.Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Add appends rec. Both id and name must be unused.
func (s *Store) Add(ctx context.Context, rec instance.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.ID == rec.ID {
			return fmt.Errorf("%w: id %s", ErrAlreadyExists, rec.ID)
		}
		if r.Name == rec.Name {
			return fmt.Errorf("%w: name %s", ErrAlreadyExists, rec.Name)
		}
	}
	return s.save(append(recs, rec))
}

// Update applies fn to the record with id and persists the result.
// If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, id string, fn func(*instance.Record) error) (instance.Record, error) {
	if err := ctx.Err(); err != nil {
		return instance.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return instance.Record{}, err
	}
	idx := -1
	for i := range recs {
		if recs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return instance.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := recs[idx]
	if err := fn(&next); err != nil {
		return instance.Record{}, err
	}
	next.ID = id
	for i, r := range recs {
		if i != idx && r.Name == next.Name {
			return instance.Record{}, fmt.Errorf("%w: name %s", ErrAlreadyExists, next.Name)
		}
	}
	next.UpdatedAt = time.Now().UTC()
	recs[idx] = next
	if err := s.save(recs); err != nil {
		return instance.Record{}, err
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID == id {
			return s.save(append(recs[:i], recs[i+1:]...))
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// load must be called with mu held.
func (s *Store) load() ([]instance.Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.corrupt = false
			return []instance.Record{}, s.save(nil)
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []instance.Record{}, nil
	}
	var recs []instance.Record
	if err := json.Unmarshal(b, &recs); err != nil {
		if !s.corrupt {
			s.logger.Warn("state file unreadable, treating as empty", "path", s.path, "error", err)
		}
		s.corrupt = true
		return []instance.Record{}, nil
	}
	s.corrupt = false
	return recs, nil
}

// save must be called with mu held.
func (s *Store) save(recs []instance.Record) error {
	if recs == nil {
		recs = []instance.Record{}
	}
	if s.corrupt {
		backup := s.path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		if err := os.Rename(s.path, backup); err == nil {
			s.logger.Warn("preserved unreadable state file", "backup", backup)
		}
		s.corrupt = false
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
