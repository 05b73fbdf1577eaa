package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/visiontrack/internal/models"
)

const batchSize = 10 // Number of records to batch write

// Storage defines the interface for the results ledger
type Storage interface {
	// AddResult records one persisted output
	AddResult(ctx context.Context, record models.Record) error

	// Flush ensures all pending records are saved
	Flush() error

	// Close flushes and releases resources
	Close() error
}

// Discard is a Storage that keeps nothing
var Discard Storage = discard{}

type discard struct{}

func (discard) AddResult(context.Context, models.Record) error { return nil }
func (discard) Flush() error                                   { return nil }
func (discard) Close() error                                   { return nil }

// FileStorage appends records to a JSON array on disk in batches
type FileStorage struct {
	records []models.Record
	mu      sync.Mutex
	path    string
}

// NewFileStorage creates a ledger writing to path
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// AddResult adds a record to the batch and flushes if the batch is full
func (s *FileStorage) AddResult(ctx context.Context, record models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)

	if len(s.records) >= batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes all pending records to disk
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStorage) Close() error {
	return s.Flush()
}

// flush merges pending records into the existing file and rewrites it
func (s *FileStorage) flush() error {
	if len(s.records) == 0 {
		return nil
	}

	var existing []models.Record
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal existing ledger '%s': %w", s.path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to read existing ledger '%s': %w", s.path, err)
	}

	all := append(existing, s.records...)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for ledger: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create ledger file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace ledger '%s': %w", s.path, err)
	}

	s.records = nil
	return nil
}

// Config selects the ledger backend
type Config struct {
	DatabaseURL string
	LedgerPath  string
}

// Open picks Postgres when a database URL is set, then a JSON file, then Discard
func Open(ctx context.Context, cfg Config, runID string) (Storage, error) {
	switch {
	case cfg.DatabaseURL != "":
		if err := InitSchema(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return NewPostgresStorage(ctx, cfg.DatabaseURL, runID)
	case cfg.LedgerPath != "":
		return NewFileStorage(cfg.LedgerPath), nil
	}
	return Discard, nil
}
