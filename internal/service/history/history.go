// Package history keeps a small, newest-first log of completed recordings
// persisted as a single document through a key-value backend.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/models"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/observability/metrics"
)

const (
	DefaultCapacity = 20
	DefaultKey      = "speech_history"
)

// ErrNotFound is returned by a Backend when the key has no value.
var ErrNotFound = errors.New("history: key not found")

// Backend is a minimal key-value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// record is the persisted form of an entry.
type record struct {
	Text        string `json:"text"`
	RecordedAt  string `json:"recordedAt"`
	LanguageTag string `json:"languageTag"`
}

// Store is a capacity-bounded history. Mutations rewrite the whole document.
type Store struct {
	backend  Backend
	key      string
	capacity int
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries []models.HistoryEntry
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity overrides the entry limit.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithKey overrides the document key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store. Call Load before use to pick up persisted entries.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:  b,
		key:      DefaultKey,
		capacity: DefaultCapacity,
		logger:   logging.WithComponent("history"),
		metrics:  metrics.DefaultMetrics,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory entries with the persisted document.
// A missing document yields an empty history.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		data, err = nil, nil
	}
	if err != nil {
		s.metrics.RecordHistoryError("load")
		return fmt.Errorf("load history: %w", err)
	}

	entries, err := s.decode(data)
	if err != nil {
		s.metrics.RecordHistoryError("load")
		return fmt.Errorf("decode history: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.metrics.RecordHistorySize(len(entries))
	s.logger.Debug().Int("entries", len(entries)).Msg("History loaded")
	return nil
}

// Append adds entry at the front, evicting the oldest beyond capacity.
// The in-memory list is unchanged when the write fails.
func (s *Store) Append(ctx context.Context, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.HistoryEntry, 0, len(s.entries)+1)
	next = append(next, entry)
	next = append(next, s.entries...)
	if len(next) > s.capacity {
		next = next[:s.capacity]
	}

	if err := s.persist(ctx, next); err != nil {
		s.metrics.RecordHistoryError("append")
		return err
	}
	s.entries = next
	s.metrics.RecordHistoryAppend(len(next))
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		s.metrics.RecordHistoryError("clear")
		return fmt.Errorf("clear history: %w", err)
	}
	s.entries = nil
	s.metrics.RecordHistorySize(0)
	return nil
}

// Entries returns a copy of the history, newest first.
func (s *Store) Entries() []models.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.HistoryEntry(nil), s.entries...)
}

func (s *Store) persist(ctx context.Context, entries []models.HistoryEntry) error {
	records := make([]record, len(entries))
	for i, e := range entries {
		records[i] = record{
			Text:        e.Text,
			RecordedAt:  e.RecordedAt.UTC().Format(time.RFC3339Nano),
			LanguageTag: e.LanguageTag,
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.backend.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *Store) decode(data []byte) ([]models.HistoryEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	entries := make([]models.HistoryEntry, 0, len(records))
	for _, r := range records {
		at, err := time.Parse(time.RFC3339Nano, r.RecordedAt)
		if err != nil {
			s.logger.Warn().Err(err).Str("recordedAt", r.RecordedAt).Msg("Skipping history entry with bad timestamp")
			continue
		}
		entries = append(entries, models.HistoryEntry{Text: r.Text, RecordedAt: at, LanguageTag: r.LanguageTag})
	}
	if len(entries) > s.capacity {
		entries = entries[:s.capacity]
	}
	return entries, nil
}

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
