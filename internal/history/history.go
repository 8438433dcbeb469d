// Package history keeps a capped, newest-first list of past analyses per
// device in a single keyed blob.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vbonduro/ailab/internal/blobstore"
	"github.com/vbonduro/ailab/internal/domain"
)

const (
	DefaultCapacity = 20
	// currentVersion is the envelope version written by Append.
	currentVersion = 1
	// LegacyDevice is the storage key the browser app used for its single
	// history list. Imports without an explicit device land here.
	LegacyDevice = "ai-lab-history"
)

var (
	ErrInvalidDevice = errors.New("device id is required")
	// ErrUnsupportedVersion marks a blob written by a newer envelope format.
	// Such blobs are never overwritten.
	ErrUnsupportedVersion = errors.New("unsupported history version")
)

type envelope struct {
	Version int                     `json:"version"`
	Entries []domain.AnalysisResult `json:"entries"`
}

// legacyEntry is the bare-array entry shape written before versioning.
type legacyEntry struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Analysis  string   `json:"analysis"`
	ImageURLs []string `json:"imageUrls"`
}

// Store serializes every read-modify-write on a device's blob so the
// capacity bound holds under concurrent appends. Different devices do not
// wait on each other.
type Store struct {
	blobs    blobstore.BlobStore
	capacity int
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore(blobs blobstore.BlobStore, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		blobs:    blobs,
		capacity: capacity,
		logger:   logger,
		locks:    make(map[string]*deviceLock),
	}
}

// lock acquires the device's lock and returns its release func. Entries are
// dropped once no caller holds or waits on them.
func (s *Store) lock(device string) func() {
	s.mu.Lock()
	l, ok := s.locks[device]
	if !ok {
		l = &deviceLock{}
		s.locks[device] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, device)
		}
		s.mu.Unlock()
	}
}

func (s *Store) Capacity() int { return s.capacity }

func key(device string) string {
	return "history/" + device
}

// Load returns the device's history, newest first. A missing or unreadable
// blob, or one written in a newer format, yields an empty list.
func (s *Store) Load(ctx context.Context, device string) ([]domain.AnalysisResult, error) {
	if device == "" {
		return nil, ErrInvalidDevice
	}
	defer s.lock(device)()

	entries, err := s.load(ctx, device)
	if errors.Is(err, ErrUnsupportedVersion) {
		s.logger.Warn("history written by a newer version", "device", device, "error", err)
		return []domain.AnalysisResult{}, nil
	}
	return entries, err
}

func (s *Store) load(ctx context.Context, device string) ([]domain.AnalysisResult, error) {
	data, err := s.blobs.Get(ctx, key(device))
	if errors.Is(err, blobstore.ErrNotFound) {
		return []domain.AnalysisResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	entries, err := decode(data)
	if errors.Is(err, ErrUnsupportedVersion) {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if err != nil {
		s.logger.Warn("discarding unreadable history", "device", device, "error", err)
		return []domain.AnalysisResult{}, nil
	}
	return entries, nil
}

// Append stores result as the newest entry and evicts the oldest entries
// beyond capacity. It returns the updated history.
func (s *Store) Append(ctx context.Context, device string, result domain.AnalysisResult) ([]domain.AnalysisResult, error) {
	if device == "" {
		return nil, ErrInvalidDevice
	}
	defer s.lock(device)()

	entries, err := s.load(ctx, device)
	if err != nil {
		return nil, err
	}

	updated := make([]domain.AnalysisResult, 0, len(entries)+1)
	updated = append(updated, result)
	updated = append(updated, entries...)
	updated = s.truncate(updated)

	if err := s.save(ctx, device, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Import merges entries from an exported blob of either format after the
// device's existing history. Entries whose ID is already present are skipped.
// It returns how many entries were added.
func (s *Store) Import(ctx context.Context, device string, data []byte) (int, error) {
	if device == "" {
		return 0, ErrInvalidDevice
	}
	imported, err := decode(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse history: %w", err)
	}

	defer s.lock(device)()

	entries, err := s.load(ctx, device)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
	}
	before := len(entries)
	for _, e := range imported {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		entries = append(entries, e)
	}
	entries = s.truncate(entries)

	if err := s.save(ctx, device, entries); err != nil {
		return 0, err
	}
	return max(len(entries)-before, 0), nil
}

// Clear removes the device's history. Clearing an empty history succeeds.
func (s *Store) Clear(ctx context.Context, device string) error {
	if device == "" {
		return ErrInvalidDevice
	}
	defer s.lock(device)()

	if err := s.blobs.Delete(ctx, key(device)); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *Store) truncate(entries []domain.AnalysisResult) []domain.AnalysisResult {
	if len(entries) > s.capacity {
		return entries[:s.capacity]
	}
	return entries
}

func (s *Store) save(ctx context.Context, device string, entries []domain.AnalysisResult) error {
	data, err := json.Marshal(envelope{Version: currentVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := s.blobs.Put(ctx, key(device), data); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// decode reads a versioned envelope or a legacy bare array.
func decode(data []byte) ([]domain.AnalysisResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty history blob")
	}
	if trimmed[0] == '[' {
		return decodeLegacy(trimmed)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("failed to decode history envelope: %w", err)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedVersion, env.Version)
	}
	if env.Version != currentVersion {
		return nil, fmt.Errorf("invalid history version %d", env.Version)
	}
	if env.Entries == nil {
		env.Entries = []domain.AnalysisResult{}
	}
	return env.Entries, nil
}

func decodeLegacy(data []byte) ([]domain.AnalysisResult, error) {
	var legacy []legacyEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to decode legacy history: %w", err)
	}

	entries := make([]domain.AnalysisResult, 0, len(legacy))
	for _, le := range legacy {
		category, ok := domain.ParseCategory(le.Type)
		if !ok || le.ID == "" {
			continue
		}
		// Unparseable timestamps load as the zero time.
		createdAt, _ := time.Parse(time.RFC3339, le.Timestamp)
		previews := le.ImageURLs
		if previews == nil {
			previews = []string{}
		}
		entries = append(entries, domain.AnalysisResult{
			ID:         le.ID,
			Category:   category,
			Mode:       domain.ModeCombined,
			Previews:   previews,
			Analysis:   le.Analysis,
			ImageCount: len(previews),
			CreatedAt:  createdAt.UTC(),
		})
	}
	return entries, nil
}
