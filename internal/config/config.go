package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration, shared by the API realm and
// the worker realm. Values resolve in three layers: compiled defaults, the
// YAML file, then environment variables (loaded from .env when present).
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Repos    ReposConfig    `yaml:"repos"`
	Git      GitConfig      `yaml:"git"`
	Embed    EmbedConfig    `yaml:"embedding"`
	LLM      LLMConfig      `yaml:"llm"`
	Wiki     WikiConfig     `yaml:"wiki"`
	Worker   WorkerConfig   `yaml:"worker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Verbose  bool           `yaml:"verbose"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path string `yaml:"path"`
	// VectorPath is the SQLite file holding the chunk vectors, kept separate
	// from the relational database so either can be rebuilt on its own.
	VectorPath string `yaml:"vector_path"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
	// Stream and subject names for the durable task queue.
	Stream       string `yaml:"stream"`
	Subject      string `yaml:"subject"`
	CancelBucket string `yaml:"cancel_bucket"`
	// CancelTTL bounds how long a cancel flag survives without being cleared.
	CancelTTL time.Duration `yaml:"cancel_ttl"`
}

type ReposConfig struct {
	// BaseDir holds one clone directory per repository id.
	BaseDir string `yaml:"base_dir"`
}

type GitConfig struct {
	CloneTimeout time.Duration `yaml:"clone_timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	DiffTimeout  time.Duration `yaml:"diff_timeout"`
}

type EmbedConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
	Dimension      int           `yaml:"dimension"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LLMConfig struct {
	DefaultProvider string        `yaml:"default_provider"`
	DefaultModel    string        `yaml:"default_model"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

type WikiConfig struct {
	// Language every generated page is written in (English, Chinese, ...).
	Language        string `yaml:"language"`
	PageConcurrency int    `yaml:"page_concurrency"`
	// FullRegenThreshold is the dirty-page ratio above which the incremental
	// path refuses to patch and suggests full regeneration.
	FullRegenThreshold    float64 `yaml:"full_regen_threshold"`
	SectionTitleThreshold float64 `yaml:"section_title_threshold"`
}

type WorkerConfig struct {
	// MaxRetries counts retries after the first failure.
	MaxRetries   int           `yaml:"max_retries"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
	// SyncInterval schedules periodic incremental syncs; zero disables.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// DeleteGrace is how long a cascading delete waits after setting cancel
	// flags before it starts tearing state down.
	DeleteGrace time.Duration `yaml:"delete_grace"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:       "./data/repowiki.db",
			VectorPath: "./data/vectors.db",
		},
		NATS: NATSConfig{
			URL:          "nats://localhost:4222",
			Stream:       "REPOWIKI_TASKS",
			Subject:      "repowiki.tasks",
			CancelBucket: "repowiki_cancel",
			CancelTTL:    time.Hour,
		},
		Repos: ReposConfig{BaseDir: "./repos"},
		Git: GitConfig{
			CloneTimeout: 600 * time.Second,
			FetchTimeout: 120 * time.Second,
			DiffTimeout:  60 * time.Second,
		},
		Embed: EmbedConfig{
			BatchSize:      32,
			MaxConcurrent:  10,
			RetryAttempts:  3,
			RetryInitial:   2 * time.Second,
			RetryMax:       30 * time.Second,
			Dimension:      1536,
			RequestTimeout: 60 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "offline",
			DefaultModel:    "offline",
			CallTimeout:     240 * time.Second,
			MaxConcurrent:   10,
		},
		Wiki: WikiConfig{
			Language:              "English",
			PageConcurrency:       5,
			FullRegenThreshold:    0.65,
			SectionTitleThreshold: 0.80,
		},
		Worker: WorkerConfig{
			MaxRetries:   2,
			RetryInitial: 30 * time.Second,
			RetryMax:     60 * time.Second,
			SyncInterval: 0,
			DeleteGrace:  2 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults plus environment apply. A .env file in the working
// directory is loaded first without overriding the process environment.
func Load(path string) (*Config, error) {
	// Best effort; absence of .env is the normal case in production.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyEnv()
				return cfg, cfg.Validate()
			}
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overrides select fields from well-known environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("REPOWIKI_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("REPOWIKI_VECTOR_PATH"); v != "" {
		c.Database.VectorPath = v
	}
	if v := os.Getenv("REPOWIKI_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("REPOWIKI_REPOS_DIR"); v != "" {
		c.Repos.BaseDir = v
	}
	if v := os.Getenv("REPOWIKI_LLM_PROVIDER"); v != "" {
		c.LLM.DefaultProvider = v
	}
	if v := os.Getenv("REPOWIKI_LLM_MODEL"); v != "" {
		c.LLM.DefaultModel = v
	}
	if v := os.Getenv("REPOWIKI_WIKI_LANGUAGE"); v != "" {
		c.Wiki.Language = v
	}
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if c.Database.VectorPath == "" {
		return fmt.Errorf("database.vector_path must be set")
	}
	if c.Repos.BaseDir == "" {
		return fmt.Errorf("repos.base_dir must be set")
	}
	if c.Embed.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	if c.Embed.MaxConcurrent <= 0 {
		return fmt.Errorf("embedding.max_concurrent must be positive")
	}
	if c.Wiki.PageConcurrency <= 0 {
		return fmt.Errorf("wiki.page_concurrency must be positive")
	}
	if c.Wiki.FullRegenThreshold <= 0 || c.Wiki.FullRegenThreshold > 1 {
		return fmt.Errorf("wiki.full_regen_threshold must be in (0,1]")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries cannot be negative")
	}
	return nil
}
