// Package config loads agentdb settings from a YAML file and AGENTDB_*
// environment variables and turns them into component configs.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment
// variables. Command-line flags are applied by the caller afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/agentdb/internal/embedding"
	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/eventlog"
	"github.com/rcliao/agentdb/internal/fsutil"
	"github.com/rcliao/agentdb/internal/learning"
	"github.com/rcliao/agentdb/internal/sona"
	"github.com/rcliao/agentdb/internal/store"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

// Default file names inside Dir.
const (
	DefaultStoreFile    = "memory" + store.BinaryExtension
	DefaultEventsFile   = "events.log"
	DefaultCacheFile    = "embeddings.cache"
	DefaultLearningFile = "learning.jsonl"
)

// Config is the full agentdb configuration.
type Config struct {
	// Dir holds every file whose path is not set explicitly.
	Dir       string          `yaml:"dir"`
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Learning  LearningConfig  `yaml:"learning"`
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	Provider    string        `yaml:"provider"`
	Dimensions  int           `yaml:"dimensions"`
	Metric      string        `yaml:"metric"`
	MaxEntries  int           `yaml:"max_entries"`
	AutoPersist time.Duration `yaml:"auto_persist"`
}

type EventsConfig struct {
	Path          string `yaml:"path"`
	SnapshotEvery int    `yaml:"snapshot_every"`
	NoSync        bool   `yaml:"no_sync"`
}

type EmbeddingConfig struct {
	CachePath       string        `yaml:"cache_path"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MemoryCacheSize int           `yaml:"memory_cache_size"`
	CacheFlushEvery int           `yaml:"cache_flush_every"`
}

type LearningConfig struct {
	Path               string  `yaml:"path"`
	Alpha              float64 `yaml:"alpha"`
	InitialSuccessRate float64 `yaml:"initial_success_rate"`
	MaxRecordSize      int     `yaml:"max_record_size"`
}

// Default returns the built-in configuration rooted at ~/.agentdb.
func Default() *Config {
	dir := ".agentdb"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".agentdb")
	}
	return &Config{
		Dir:      dir,
		LogLevel: "warn",
		Store: StoreConfig{
			Provider:   string(store.ProviderAuto),
			Dimensions: store.DefaultDimensions,
			Metric:     string(vectorindex.Cosine),
		},
		Events: EventsConfig{SnapshotEvery: eventlog.DefaultSnapshotEvery},
		Embedding: EmbeddingConfig{
			CacheSize:       embedding.DefaultCacheMaxSize,
			CacheTTL:        embedding.DefaultCacheTTL,
			MemoryCacheSize: embedding.DefaultMemoryCacheSize,
		},
		Learning: LearningConfig{
			Alpha:              sona.DefaultAlpha,
			InitialSuccessRate: sona.DefaultInitialSuccessRate,
		},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Validation("config.env", "%s: %v", name, err)
		}
		*dst = n
		return nil
	}

	str("AGENTDB_DIR", &c.Dir)
	str("AGENTDB_DB", &c.Store.Path)
	str("AGENTDB_PROVIDER", &c.Store.Provider)
	str("AGENTDB_METRIC", &c.Store.Metric)
	str("AGENTDB_EVENTS", &c.Events.Path)
	str("AGENTDB_CACHE", &c.Embedding.CachePath)
	str("AGENTDB_LEARNING", &c.Learning.Path)
	str("AGENTDB_LOG_LEVEL", &c.LogLevel)
	if err := num("AGENTDB_DIMENSIONS", &c.Store.Dimensions); err != nil {
		return err
	}
	if v, ok := lookup("AGENTDB_NO_SYNC"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errs.Validation("config.env", "AGENTDB_NO_SYNC: %v", err)
		}
		c.Events.NoSync = b
	}
	return nil
}

func (c *Config) resolvePaths() {
	fill := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.Dir, name)
		}
	}
	fill(&c.Store.Path, DefaultStoreFile)
	fill(&c.Events.Path, DefaultEventsFile)
	fill(&c.Embedding.CachePath, DefaultCacheFile)
	fill(&c.Learning.Path, DefaultLearningFile)
}

// Validate checks values that would otherwise only fail when a component
// is constructed.
func (c *Config) Validate() error {
	if _, err := store.ParseProvider(c.Store.Provider); err != nil {
		return err
	}
	if _, err := vectorindex.ParseMetric(c.Store.Metric); err != nil {
		return errs.Validation("config.validate", "%v", err)
	}
	if c.Store.Dimensions < 0 {
		return errs.Validation("config.validate", "store.dimensions must not be negative")
	}
	if c.Events.SnapshotEvery < 0 {
		return errs.Validation("config.validate", "events.snapshot_every must not be negative")
	}
	if c.Learning.Alpha < 0 || c.Learning.Alpha > 1 {
		return errs.Validation("config.validate", "learning.alpha must be in [0,1]")
	}
	if c.Learning.MaxRecordSize < 0 {
		return errs.Validation("config.validate", "learning.max_record_size must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	for _, p := range []string{c.Store.Path, c.Events.Path, c.Embedding.CachePath, c.Learning.Path} {
		if err := fsutil.ValidatePath("config.validate", p); err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errs.Validation("config.validate", "unknown log level %q", s)
}

// Logger returns a text logger on w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// OpenStore selects the store provider and returns an uninitialized backend.
func (c *Config) OpenStore(log *slog.Logger) (*store.Backend, error) {
	p, err := store.ParseProvider(c.Store.Provider)
	if err != nil {
		return nil, err
	}
	return store.Open(c.Store.Path, p, store.Config{
		Dimensions:          c.Store.Dimensions,
		Metric:              vectorindex.Metric(c.Store.Metric),
		MaxEntries:          c.Store.MaxEntries,
		AutoPersistInterval: c.Store.AutoPersist,
		Logger:              log,
	})
}

// EventLog returns the event log configuration.
func (c *Config) EventLog(log *slog.Logger) eventlog.Config {
	return eventlog.Config{
		Path:          c.Events.Path,
		SnapshotEvery: c.Events.SnapshotEvery,
		NoSync:        c.Events.NoSync,
		Logger:        log,
	}
}

// EmbeddingCache returns the persistent embedding cache configuration.
func (c *Config) EmbeddingCache(dims int, log *slog.Logger) embedding.CacheConfig {
	return embedding.CacheConfig{
		Path:       c.Embedding.CachePath,
		Dimensions: dims,
		MaxSize:    c.Embedding.CacheSize,
		TTL:        c.Embedding.CacheTTL,
		FlushEvery: c.Embedding.CacheFlushEvery,
		Logger:     log,
	}
}

// EmbeddingService returns the embedding service configuration around cache.
func (c *Config) EmbeddingService(dims int, cache *embedding.Cache, log *slog.Logger) embedding.ServiceConfig {
	return embedding.ServiceConfig{
		Dimensions:      dims,
		MemoryCacheSize: c.Embedding.MemoryCacheSize,
		Cache:           cache,
		Logger:          log,
	}
}

// LearningStore returns the learning store configuration.
func (c *Config) LearningStore(log *slog.Logger) learning.Config {
	return learning.Config{Path: c.Learning.Path, MaxRecordSize: c.Learning.MaxRecordSize, Logger: log}
}

// Sona returns the coordinator configuration.
func (c *Config) Sona(log *slog.Logger) sona.Config {
	return sona.Config{
		Alpha:              c.Learning.Alpha,
		Metric:             vectorindex.Metric(c.Store.Metric),
		InitialSuccessRate: c.Learning.InitialSuccessRate,
		Logger:             log,
	}
}
