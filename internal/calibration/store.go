// Package calibration learns and stores the speaking rate (words per second)
// of each voice/language/style combination.
package calibration

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

	"github.com/bobarin/narrator/internal/models"
)

// ErrNotFound is returned by a Store when no record exists for a key.
var ErrNotFound = errors.New("calibration not found")

type Store interface {
	Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error)
	Set(ctx context.Context, rec *models.CalibrationRecord) error
}

// fileEntry is the on-disk value format of FileStore.
type fileEntry struct {
	WPS       float64 `json:"wps"`
	Language  string  `json:"language"`
	Style     string  `json:"style"`
	WordCount int     `json:"word_count"`
	Duration  float64 `json:"duration"`
}

// FileStore keeps every record in one JSON document keyed by
// "{voiceId}_{language}_{style}". The whole file is read and rewritten on
// each access.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	entry, ok := all[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.CalibrationRecord{
		VoiceID:               key.VoiceID,
		Language:              entry.Language,
		Style:                 entry.Style,
		WordsPerSecond:        entry.WPS,
		SampleWordCount:       entry.WordCount,
		SampleDurationSeconds: entry.Duration,
	}, nil
}

func (s *FileStore) Set(ctx context.Context, rec *models.CalibrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		log.Printf("[Calibration] WARNING: discarding unreadable %s: %v", s.path, err)
		all = map[string]fileEntry{}
	}
	all[rec.Key().String()] = fileEntry{
		WPS:       rec.WordsPerSecond,
		Language:  rec.Language,
		Style:     rec.Style,
		WordCount: rec.SampleWordCount,
		Duration:  rec.SampleDurationSeconds,
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode calibrations: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create calibration dir: %w", err)
		}
	}
	// Replace atomically.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibrations: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace calibrations: %w", err)
	}
	return nil
}

func (s *FileStore) load() (map[string]fileEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]fileEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read calibrations: %w", err)
	}
	all := map[string]fileEntry{}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to parse calibrations: %w", err)
	}
	return all, nil
}

// JobCache memoizes store lookups for the lifetime of one job.
type JobCache struct {
	store   Store
	mu      sync.Mutex
	records map[models.CalibrationKey]*models.CalibrationRecord
}

func NewJobCache(store Store) *JobCache {
	return &JobCache{store: store, records: make(map[models.CalibrationKey]*models.CalibrationRecord)}
}

func (c *JobCache) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	c.mu.Lock()
	rec, ok := c.records[key]
	c.mu.Unlock()
	if ok {
		return rec, nil
	}

	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.records[key] = rec
	c.mu.Unlock()
	return rec, nil
}

func (c *JobCache) Set(ctx context.Context, rec *models.CalibrationRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	if err := c.store.Set(ctx, rec); err != nil {
		return err
	}
	c.mu.Lock()
	c.records[rec.Key()] = rec
	c.mu.Unlock()
	return nil
}

// MemoryStore is an in-process Store, used when no shared store is
// configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[models.CalibrationKey]models.CalibrationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[models.CalibrationKey]models.CalibrationRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Set(ctx context.Context, rec *models.CalibrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key()] = *rec
	return nil
}
