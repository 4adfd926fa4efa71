package rules

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// RULE CONFIGURATION STORE - single source of truth for the active config
// =============================================================================
// Readers take a snapshot by pointer; the pointer swap on publish is
// atomic, so a reader never observes a torn configuration. Updates are
// serialized through a single writer lock. Hot reload watches the file
// source with a debounce; a reload that fails validation keeps the
// previous active configuration.

// HistoryEntry records one superseded configuration.
type HistoryEntry struct {
	Config      *RuleConfiguration `json:"configuration"`
	Description string             `json:"description,omitempty"`
	ReplacedAt  time.Time          `json:"replacedAt"`
}

// StoreStats summarizes the store for the stats endpoint.
type StoreStats struct {
	CurrentVersion string    `json:"currentVersion"`
	HistorySize    int       `json:"historySize"`
	TotalFields    int       `json:"totalFields"`
	TotalRules     int       `json:"totalRules"`
	LastUpdated    time.Time `json:"lastUpdated"`
	IsInitialized  bool      `json:"isInitialized"`
}

// Store loads, validates, versions and hot-reloads the active
// RuleConfiguration.
type Store struct {
	registry *Registry
	path     string

	active atomic.Pointer[RuleConfiguration]

	mu          sync.Mutex // serializes writers
	history     []HistoryEntry
	historySize int
	lastUpdated time.Time
	initialized bool

	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store reading from path. historySize bounds the
// retained prior versions.
func NewStore(registry *Registry, path string, historySize int, debounce time.Duration) *Store {
	if historySize <= 0 {
		historySize = 10
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Store{
		registry:    registry,
		path:        path,
		historySize: historySize,
		debounce:    debounce,
		stopCh:      make(chan struct{}),
	}
}

// Load reads the configuration from the file source, falling back to
// the built-in default template when the file does not exist. Called
// once at startup before any readers.
func (s *Store) Load() error {
	cfg, err := s.readFile()
	if os.IsNotExist(err) {
		log.Printf("[RuleStore] %s not found, using built-in default configuration", s.path)
		cfg = DefaultConfiguration()
		err = nil
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(s.registry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Store(cfg)
	s.lastUpdated = time.Now()
	s.initialized = true
	log.Printf("[RuleStore] Loaded configuration %q version %s (%d fields, %d rules)",
		cfg.Metadata.Name, cfg.Metadata.Version, len(cfg.FieldRules), cfg.TotalRules())
	return nil
}

// Get returns the active configuration snapshot. Callers must treat it
// as immutable.
func (s *Store) Get() *RuleConfiguration {
	return s.active.Load()
}

// Update validates and publishes a new configuration, moving the
// previous active one into history.
func (s *Store) Update(cfg *RuleConfiguration, description string) error {
	if err := cfg.Validate(s.registry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.active.Load(); prev != nil {
		s.pushHistory(HistoryEntry{
			Config:      prev,
			Description: description,
			ReplacedAt:  time.Now(),
		})
	}
	s.active.Store(cfg)
	s.lastUpdated = time.Now()
	s.initialized = true

	log.Printf("[RuleStore] Published configuration %q version %s", cfg.Metadata.Name, cfg.Metadata.Version)
	return nil
}

// Reload re-reads the file source. On any failure the active
// configuration is unchanged and the error is returned.
func (s *Store) Reload() error {
	cfg, err := s.readFile()
	if err != nil {
		return fmt.Errorf("reload rule configuration: %w", err)
	}
	return s.Update(cfg, "reloaded from file")
}

// History returns up to limit prior configurations, most recent first.
func (s *Store) History(limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]HistoryEntry, limit)
	// history is appended oldest-first; return newest-first
	for i := 0; i < limit; i++ {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

// Stats returns a summary of the store state.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StoreStats{
		HistorySize:   len(s.history),
		LastUpdated:   s.lastUpdated,
		IsInitialized: s.initialized,
	}
	if cfg := s.active.Load(); cfg != nil {
		stats.CurrentVersion = cfg.Metadata.Version
		stats.TotalFields = len(cfg.FieldRules)
		stats.TotalRules = cfg.TotalRules()
	}
	return stats
}

// Watch starts the hot-reload watcher on the file source. Rapid change
// bursts collapse into one reload through the debounce timer.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start rule watcher: %w", err)
	}
	// Watch the directory: editors replace files via rename, which
	// drops a watch placed on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.watchLoop()
	log.Printf("[RuleStore] Watching %s for changes", s.path)
	return nil
}

// Close stops the watcher.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

func (s *Store) watchLoop() {
	var timer *time.Timer
	target := filepath.Clean(s.path)

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				if err := s.Reload(); err != nil {
					log.Printf("[RuleStore] Hot reload failed, keeping active configuration: %v", err)
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[RuleStore] Watcher error: %v", err)
		}
	}
}

func (s *Store) readFile() (*RuleConfiguration, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var cfg RuleConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

func (s *Store) pushHistory(entry HistoryEntry) {
	s.history = append(s.history, entry)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}
