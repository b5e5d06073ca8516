// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/nfse-harvester/internal/browser/chrome"
	"github.com/JakeFAU/nfse-harvester/internal/portal"
	"github.com/JakeFAU/nfse-harvester/internal/schedule"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_SERVER_PORT.
const EnvPrefix = "HARVESTER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Browser   BrowserConfig    `mapstructure:"browser"`
	Portal    portal.Config    `mapstructure:"portal"`
	Dedup     DedupConfig      `mapstructure:"dedup"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Execution ExecutionConfig  `mapstructure:"execution"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	DB        DBConfig         `mapstructure:"db"`
	Storage   StorageConfig    `mapstructure:"storage"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Schedules []schedule.Entry `mapstructure:"schedules"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig configures the headless Chrome sessions.
type BrowserConfig struct {
	chrome.Config  `mapstructure:",squash"`
	ViewportWidth  int `mapstructure:"viewport_width"`
	ViewportHeight int `mapstructure:"viewport_height"`
}

// DedupConfig governs the organized tree and duplicate detection.
type DedupConfig struct {
	Root string `mapstructure:"root"`
	// BucketFullThreshold skips downloads for buckets already holding this
	// many files. Zero disables the check.
	BucketFullThreshold int           `mapstructure:"bucket_full_threshold"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

// PipelineConfig bounds each execution's page loop.
type PipelineConfig struct {
	MaxPages    int    `mapstructure:"max_pages"`
	StagingRoot string `mapstructure:"staging_root"`
}

// ExecutionConfig sets admission and shutdown behavior.
type ExecutionConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	LogLines      int           `mapstructure:"log_lines"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// DBConfig controls access to the record database. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig sets where organized files are mirrored. An empty bucket
// disables archiving.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.element_timeout", "15s")
	v.SetDefault("browser.block_resources", true)
	v.SetDefault("browser.blocked_hosts", chrome.DefaultBlockedHosts)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 900)

	p := portal.DefaultConfig()
	v.SetDefault("portal.base_url", "")
	v.SetDefault("portal.login_path", p.LoginPath)
	v.SetDefault("portal.search_path", p.SearchPath)
	v.SetDefault("portal.page_url_template", p.PageURLTemplate)
	v.SetDefault("portal.date_format", p.DateFormat)
	v.SetDefault("portal.page_size", p.PageSize)
	v.SetDefault("portal.max_retries", p.MaxRetries)
	v.SetDefault("portal.backoff_base", p.BackoffBase.String())
	v.SetDefault("portal.download_timeout", p.DownloadTimeout.String())
	v.SetDefault("portal.settle_delay", p.SettleDelay.String())
	v.SetDefault("portal.actions_per_second", p.ActionsPerSecond)
	sel := p.Selectors
	v.SetDefault("portal.selectors.login_user", sel.LoginUser)
	v.SetDefault("portal.selectors.login_password", sel.LoginPassword)
	v.SetDefault("portal.selectors.login_submit", sel.LoginSubmit)
	v.SetDefault("portal.selectors.logged_in", sel.LoggedIn)
	v.SetDefault("portal.selectors.login_error", sel.LoginError)
	v.SetDefault("portal.selectors.search_start", sel.SearchStart)
	v.SetDefault("portal.selectors.search_end", sel.SearchEnd)
	v.SetDefault("portal.selectors.search_submit", sel.SearchSubmit)
	v.SetDefault("portal.selectors.results_table", sel.ResultsTable)
	v.SetDefault("portal.selectors.pagination", sel.Pagination)
	v.SetDefault("portal.selectors.row_xpath", sel.RowXPath)

	v.SetDefault("dedup.root", "./data/xml")
	v.SetDefault("dedup.bucket_full_threshold", 11)
	v.SetDefault("dedup.cache_ttl", "10m")
	v.SetDefault("pipeline.max_pages", 100)
	v.SetDefault("pipeline.staging_root", "")
	v.SetDefault("execution.max_concurrent", 2)
	v.SetDefault("execution.shutdown_grace", "30s")
	v.SetDefault("execution.log_lines", 50)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "nfse_records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "nfse")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Portal.Validate(); err != nil {
		return err
	}
	if c.Dedup.Root == "" {
		return fmt.Errorf("dedup.root is required")
	}
	if c.Dedup.BucketFullThreshold < 0 {
		return fmt.Errorf("dedup.bucket_full_threshold must be >= 0")
	}
	if c.Pipeline.MaxPages <= 0 {
		return fmt.Errorf("pipeline.max_pages must be > 0")
	}
	if c.Execution.MaxConcurrent <= 0 {
		return fmt.Errorf("execution.max_concurrent must be > 0")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
