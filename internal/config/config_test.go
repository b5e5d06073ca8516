package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: warn
browser:
  user_agent: harvester-test
  navigation_timeout: 20s
  block_resources: false
  viewport_width: 1280
portal:
  base_url: https://nfse.example.gov.br
  page_size: 20
  max_retries: 5
  backoff_base: 3s
  selectors:
    results_table: "#grid"
dedup:
  root: /srv/xml
  bucket_full_threshold: 0
execution:
  max_concurrent: 4
schedules:
  - name: monthly
    spec: "0 6 1 * *"
    cnpj: "11222333000181"
    password: pw
    headless: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Browser.UserAgent != "harvester-test" || cfg.Browser.NavigationTimeout != 20*time.Second || cfg.Browser.BlockResources {
		t.Fatalf("expected browser overrides, got %+v", cfg.Browser)
	}
	if cfg.Browser.ViewportWidth != 1280 || cfg.Browser.ViewportHeight != 900 {
		t.Fatalf("expected viewport 1280x900, got %dx%d", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
	}
	if cfg.Portal.PageSize != 20 || cfg.Portal.MaxRetries != 5 || cfg.Portal.BackoffBase != 3*time.Second {
		t.Fatalf("expected portal overrides, got %+v", cfg.Portal)
	}
	if cfg.Portal.Selectors.ResultsTable != "#grid" || cfg.Portal.Selectors.SearchStart != "#dataInicial" {
		t.Fatalf("expected selector override with defaults kept, got %+v", cfg.Portal.Selectors)
	}
	if cfg.Dedup.Root != "/srv/xml" || cfg.Dedup.BucketFullThreshold != 0 {
		t.Fatalf("expected dedup overrides, got %+v", cfg.Dedup)
	}
	if cfg.Execution.MaxConcurrent != 4 || cfg.Execution.ShutdownGrace != 30*time.Second {
		t.Fatalf("expected execution settings, got %+v", cfg.Execution)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Spec != "0 6 1 * *" || !cfg.Schedules[0].Headless {
		t.Fatalf("expected schedule to be loaded: %+v", cfg.Schedules)
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("HARVESTER_PORTAL_BASE_URL", "https://nfse.example.gov.br")
	t.Setenv("HARVESTER_EXECUTION_MAX_CONCURRENT", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Portal.BaseURL != "https://nfse.example.gov.br" {
		t.Fatalf("expected base url from env, got %q", cfg.Portal.BaseURL)
	}
	if cfg.Execution.MaxConcurrent != 3 {
		t.Fatalf("expected max concurrent 3, got %d", cfg.Execution.MaxConcurrent)
	}
	if cfg.Dedup.BucketFullThreshold != 11 || cfg.Pipeline.MaxPages != 100 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Dedup, cfg.Pipeline)
	}
	if cfg.Portal.DownloadTimeout != 30*time.Second || cfg.Progress.MaxBatchWait != 500*time.Millisecond {
		t.Fatalf("expected duration defaults to decode")
	}
	if !cfg.Browser.BlockResources || len(cfg.Browser.BlockedHosts) == 0 {
		t.Fatalf("expected resource blocking on by default")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := validConfig
	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Server.Port = 0 },
		"api_key":   func(c *Config) { c.Auth.Enabled = true },
		"base_url":  func(c *Config) { c.Portal.BaseURL = "" },
		"root":      func(c *Config) { c.Dedup.Root = "" },
		"threshold": func(c *Config) { c.Dedup.BucketFullThreshold = -1 },
		"max_pages": func(c *Config) { c.Pipeline.MaxPages = 0 },
		"max_conc":  func(c *Config) { c.Execution.MaxConcurrent = 0 },
		"viewport":  func(c *Config) { c.Browser.ViewportHeight = 0 },
		"pubsub":    func(c *Config) { c.PubSub.TopicName = "done" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read config error, got %v", err)
	}
}

func validConfig() Config {
	cfg := Config{}
	cfg.Server.Port = 8080
	cfg.Portal.BaseURL = "https://nfse.example.gov.br"
	cfg.Portal.PageSize = 10
	cfg.Portal.DownloadTimeout = time.Second
	cfg.Portal.DateFormat = "02/01/2006"
	cfg.Portal.Selectors.RowXPath = "(//tr)[%d]"
	cfg.Dedup.Root = "/tmp/xml"
	cfg.Pipeline.MaxPages = 100
	cfg.Execution.MaxConcurrent = 1
	cfg.Browser.ViewportWidth = 800
	cfg.Browser.ViewportHeight = 600
	return cfg
}
