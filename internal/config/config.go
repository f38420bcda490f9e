package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Portal    PortalConfig
	Pipeline  PipelineConfig
	LLM       LLMConfig
	Features  FeatureConfig
	Documents DocumentConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// PortalConfig holds the credentials and pacing for the external case portal.
type PortalConfig struct {
	BaseURL           string
	Email             string
	Password          string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	SessionMaxAge     time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
}

// PipelineConfig bounds the worker pool and its retry policy.
// MaxWorkers and QueueSize are read once at startup.
type PipelineConfig struct {
	MaxWorkers          int
	QueueSize           int
	MaxAttempts         int
	InitialBackoff      time.Duration
	DrainTimeout        time.Duration
	Disambiguation      string
	NameSimilarity      float64
	DownloadConcurrency int
	MaxDocumentBytes    int
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type FeatureConfig struct {
	ExtractAssociatedParties        bool
	ExtractAssociatedPartyAddresses bool
	CheckVoluntaryDismissal         bool
}

// DocumentConfig lists the title keywords used to categorize portal documents.
type DocumentConfig struct {
	JudgmentKeywords  []string
	ComplaintKeywords []string
}

const (
	DisambiguationFail  = "fail"
	DisambiguationFirst = "first"
)

// Default returns the built-in configuration without reading the file or
// environment.
func Default() Config { return defaults() }

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Portal: PortalConfig{
			BaseURL:           "https://app.unicourt.com",
			RequestsPerSecond: 2,
			RequestTimeout:    60 * time.Second,
			SessionMaxAge:     30 * time.Minute,
			MinDelay:          250 * time.Millisecond,
			MaxDelay:          1500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			MaxWorkers:          2,
			QueueSize:           1024,
			MaxAttempts:         3,
			InitialBackoff:      2 * time.Second,
			DrainTimeout:        30 * time.Second,
			Disambiguation:      DisambiguationFail,
			NameSimilarity:      0.6,
			DownloadConcurrency: 2,
			MaxDocumentBytes:    50 << 20,
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "google/gemini-2.5-flash",
			Timeout: 180 * time.Second,
		},
		Features: FeatureConfig{
			ExtractAssociatedParties:        true,
			ExtractAssociatedPartyAddresses: true,
			CheckVoluntaryDismissal:         true,
		},
		Documents: DocumentConfig{
			JudgmentKeywords:  []string{"FINAL", "JUDGMENT"},
			ComplaintKeywords: []string{"COMPLAINT"},
		},
	}
}

// Load reads configuration from the YAML file backend and applies
// environment overrides (DOCKETD_*). Secrets are only read from the
// environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pipeline.MaxWorkers < 1 {
		return fmt.Errorf("invalid config: pipeline.max_workers must be at least 1, got %d", c.Pipeline.MaxWorkers)
	}
	if c.Pipeline.QueueSize < 1 {
		return fmt.Errorf("invalid config: pipeline.queue_size must be at least 1, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("invalid config: pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	switch c.Pipeline.Disambiguation {
	case DisambiguationFail, DisambiguationFirst:
	default:
		return fmt.Errorf("invalid config: pipeline.disambiguation must be %q or %q, got %q",
			DisambiguationFail, DisambiguationFirst, c.Pipeline.Disambiguation)
	}
	if c.Portal.MaxDelay < c.Portal.MinDelay {
		return fmt.Errorf("invalid config: portal.max_delay (%s) is below portal.min_delay (%s)", c.Portal.MaxDelay, c.Portal.MinDelay)
	}
	return nil
}

// clone returns a copy that shares no slices with c.
func (c Config) clone() Config {
	c.Documents.JudgmentKeywords = slices.Clone(c.Documents.JudgmentKeywords)
	c.Documents.ComplaintKeywords = slices.Clone(c.Documents.ComplaintKeywords)
	return c
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docketd-data"
		}
	}
	return filepath.Join(dir, "docketd")
}

// FilePath is the location of the YAML config file.
func FilePath() string {
	if p := os.Getenv("DOCKETD_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "docketd", "config.yaml")
}
