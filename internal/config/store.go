package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mzyy94/scanbridge/internal/capability"
)

// Settings holds the default scan settings applied to requests that leave a
// field unset.
type Settings struct {
	ColorMode        string `json:"colorMode"`  // "auto" keeps the request's mode
	Resolution       int    `json:"resolution"` // 0 = device default
	Source           string `json:"source"`     // "auto", "platen", "adf", "adf-duplex"
	Duplex           bool   `json:"duplex"`
	Format           string `json:"format"`           // MIME type
	BlankPageRemoval *bool  `json:"blankPageRemoval"` // nil = default (true)
	Deskew           bool   `json:"deskew"`
	AutoCrop         bool   `json:"autoCrop"`
}

// DefaultSettings returns the default scan settings.
func DefaultSettings() Settings {
	return Settings{
		ColorMode: "auto",
		Source:    "auto",
		Format:    "application/pdf",
	}
}

// Validate checks that every named value parses.
func (s Settings) Validate() error {
	if s.ColorMode != "" && s.ColorMode != "auto" {
		if _, err := capability.ParseColorMode(s.ColorMode); err != nil {
			return err
		}
	}
	if s.Source != "" && s.Source != "auto" {
		if _, err := capability.ParseInputSource(s.Source); err != nil {
			return err
		}
	}
	if s.Format != "" {
		if _, ok := capability.FormatFromMIME(s.Format); !ok {
			return fmt.Errorf("unknown format %q", s.Format)
		}
	}
	if s.Resolution < 0 {
		return fmt.Errorf("negative resolution %d", s.Resolution)
	}
	return nil
}

// Apply fills the unset fields of opts from the settings.
func (s Settings) Apply(opts capability.ScanOptions) capability.ScanOptions {
	if opts.ColorMode == capability.ColorModeUnset {
		if m, err := capability.ParseColorMode(s.ColorMode); err == nil {
			opts.ColorMode = m
		}
	}
	if opts.Resolution == 0 {
		opts.Resolution = s.Resolution
	}
	if opts.Source == capability.SourceUnset {
		if src, err := capability.ParseInputSource(s.Source); err == nil {
			opts.Source = src
		}
	}
	if opts.Format == capability.FormatUnset {
		if f, ok := capability.FormatFromMIME(s.Format); ok {
			opts.Format = f
		}
	}
	if opts.Source.IsFeeder() {
		opts.Duplex = opts.Duplex || s.Duplex
		opts.BlankPageRemoval = opts.BlankPageRemoval || s.BlankPageRemoval == nil || *s.BlankPageRemoval
	}
	opts.Deskew = opts.Deskew || s.Deskew
	opts.AutoCrop = opts.AutoCrop || s.AutoCrop
	return opts
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store that persists settings to dataDir/settings.json.
// If the file does not exist or is invalid, default settings are used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only.
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates and replaces the settings, then persists them.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file missing is OK, use defaults
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings
}

func (s *Store) save() error {
	if s.path == "" {
		return nil // memory-only mode
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
