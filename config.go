package engram

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointConfig points at one external HTTP API.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// WorkerConfig tunes the ingestion worker pool.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Visibility  time.Duration `yaml:"visibility"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// ReconcileConfig tunes the delta-sync sweep.
type ReconcileConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxPagesPerRun int           `yaml:"max_pages_per_run"`
}

// SubsConfig tunes subscription lifecycle management.
type SubsConfig struct {
	RenewalLead   time.Duration `yaml:"renewal_lead"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Config is the full engram daemon configuration.
type Config struct {
	// DataDir holds the application and observability databases.
	DataDir string `yaml:"data_dir"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// NotifyURL is the externally reachable base URL for webhooks.
	NotifyURL string `yaml:"notify_url"`
	// RegistryFile points at the source registry YAML.
	RegistryFile string `yaml:"registry_file"`

	SourceAPI EndpointConfig `yaml:"source_api"`
	Memory    EndpointConfig `yaml:"memory"`

	Workers   WorkerConfig    `yaml:"workers"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Subs      SubsConfig      `yaml:"subs"`

	// LedgerRetentionDays bounds the idempotency window. Default: 30.
	LedgerRetentionDays int `yaml:"ledger_retention_days"`
	// NotePageSize for manual-note delta pages. Default: 100.
	NotePageSize int `yaml:"note_page_size"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Listen == "" {
		c.Listen = ":8787"
	}
	if c.Workers.Concurrency <= 0 {
		c.Workers.Concurrency = 4
	}
	if c.Workers.BatchSize <= 0 {
		c.Workers.BatchSize = 8
	}
	if c.Workers.MaxAttempts <= 0 {
		c.Workers.MaxAttempts = 8
	}
	if c.Workers.Visibility <= 0 {
		c.Workers.Visibility = time.Minute
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = 5 * time.Minute
	}
	if c.Subs.RenewalLead <= 0 {
		c.Subs.RenewalLead = 30 * time.Minute
	}
	if c.Subs.CheckInterval <= 0 {
		c.Subs.CheckInterval = time.Minute
	}
	if c.LedgerRetentionDays <= 0 {
		c.LedgerRetentionDays = 30
	}
	if c.NotePageSize <= 0 {
		c.NotePageSize = 100
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engram: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("engram: parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}
