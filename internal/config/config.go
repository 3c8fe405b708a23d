// Package config loads and validates the mixer's TOML configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/openmixer/mixcore/internal/logging"
)

//go:embed sample_config.toml
var sampleConfig string

// Engine contains session sizing.
type Engine struct {
	Decks         int     `toml:"decks"`
	SampleRate    float64 `toml:"sample_rate"`
	ChunkFrames   int     `toml:"chunk_frames"`
	CacheBudgetMB int     `toml:"cache_budget_mb"`
}

// Video contains compositor output settings.
type Video struct {
	Enabled bool `toml:"enabled"`
	Width   int  `toml:"width"`
	Height  int  `toml:"height"`
	FPS     int  `toml:"fps"`
}

// Store contains library database and mapping file locations.
type Store struct {
	DatabasePath  string `toml:"database_path"`
	MappingsPath  string `toml:"mappings_path"`
	WatchMappings bool   `toml:"watch_mappings"`
}

// API contains the control API bind settings.
type API struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for the mixer.
type Config struct {
	Engine  Engine         `toml:"engine"`
	Video   Video          `toml:"video"`
	Store   Store          `toml:"store"`
	API     API            `toml:"api"`
	Logging logging.Config `toml:"logging"`
}

const (
	defaultDecks        = 2
	defaultSampleRate   = 48000.0
	defaultChunkFrames  = 512
	defaultCacheMB      = 512
	defaultVideoWidth   = 1280
	defaultVideoHeight  = 720
	defaultVideoFPS     = 30
	defaultDatabasePath = "~/.local/share/mixcore/library.db"
	defaultMappingsPath = "~/.config/mixcore/mappings.json"
	defaultAPIBind      = "127.0.0.1:8750"
	defaultLogPath      = "~/.local/share/mixcore/logs/mixcore.log"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Engine: Engine{
			Decks:         defaultDecks,
			SampleRate:    defaultSampleRate,
			ChunkFrames:   defaultChunkFrames,
			CacheBudgetMB: defaultCacheMB,
		},
		Video: Video{
			Enabled: true,
			Width:   defaultVideoWidth,
			Height:  defaultVideoHeight,
			FPS:     defaultVideoFPS,
		},
		Store: Store{
			DatabasePath:  defaultDatabasePath,
			MappingsPath:  defaultMappingsPath,
			WatchMappings: true,
		},
		API: API{Bind: defaultAPIBind},
		Logging: logging.Config{
			Level:      "info",
			OutputPath: defaultLogPath,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/mixcore/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing
// file yields the defaults. Returns the config, the resolved path, and
// whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return "", false, err
		}
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(expanded); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	return expanded, true, nil
}

// normalize expands home-relative paths in place.
func (c *Config) normalize() error {
	for _, p := range []*string{
		&c.Store.DatabasePath,
		&c.Store.MappingsPath,
		&c.Logging.OutputPath,
	} {
		if *p == "" {
			continue
		}
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Engine.Decks < 2 || c.Engine.Decks > 4 {
		return fmt.Errorf("engine.decks must be between 2 and 4, got %d", c.Engine.Decks)
	}
	if c.Engine.SampleRate != 44100 && c.Engine.SampleRate != 48000 {
		return fmt.Errorf("engine.sample_rate must be 44100 or 48000, got %g", c.Engine.SampleRate)
	}
	if c.Engine.ChunkFrames < 64 || c.Engine.ChunkFrames > 4096 {
		return fmt.Errorf("engine.chunk_frames must be between 64 and 4096, got %d", c.Engine.ChunkFrames)
	}
	if c.Engine.ChunkFrames&(c.Engine.ChunkFrames-1) != 0 {
		return fmt.Errorf("engine.chunk_frames must be a power of two, got %d", c.Engine.ChunkFrames)
	}
	if c.Video.Enabled {
		if c.Video.Width <= 0 || c.Video.Height <= 0 {
			return fmt.Errorf("video resolution %dx%d is invalid", c.Video.Width, c.Video.Height)
		}
		if c.Video.FPS < 1 || c.Video.FPS > 120 {
			return fmt.Errorf("video.fps must be between 1 and 120, got %d", c.Video.FPS)
		}
	}
	if c.API.Bind == "" {
		return errors.New("api.bind must not be empty")
	}
	return nil
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// WriteSample writes the sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
