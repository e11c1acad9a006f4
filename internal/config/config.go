// Package config loads and validates lyricsdb configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Rate      RateConfig      `mapstructure:"rate"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Publish   PublishConfig   `mapstructure:"publish"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RunLog    RunLogConfig    `mapstructure:"runlog"`
	Run       RunConfig       `mapstructure:"run"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// IntervalMinutes schedules RunOnce from the serve command; zero disables it.
	IntervalMinutes int `mapstructure:"interval_minutes"`
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

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// GitHubConfig selects the organisation whose repositories are sources.
type GitHubConfig struct {
	Org             string `mapstructure:"org"`
	Token           string `mapstructure:"token"`
	APIBaseURL      string `mapstructure:"api_base_url"`
	IncludeArchived bool   `mapstructure:"include_archived"`
	NamePattern     string `mapstructure:"name_pattern"`
}

// CrawlerConfig governs the fetch stage.
type CrawlerConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	UserAgent   string `mapstructure:"user_agent"`
	RawBaseURL  string `mapstructure:"raw_base_url"`
	Branch      string `mapstructure:"branch"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	MaxRetries       int   `mapstructure:"max_retries"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64 `mapstructure:"max_body_bytes"`
}

// RateConfig shapes the shared request budget.
type RateConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	Reserve           int     `mapstructure:"reserve"`
}

// QualityConfig controls the optional low-quality filter.
type QualityConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MinLines int  `mapstructure:"min_lines"`
	MinChars int  `mapstructure:"min_chars"`
	// MinDurationSeconds rejects tracks known to be shorter.
	MinDurationSeconds int      `mapstructure:"min_duration_seconds"`
	Languages          []string `mapstructure:"languages"`
}

// DedupConfig controls duplicate detection beyond the track identity.
type DedupConfig struct {
	// Text skips new tracks whose lyric text is already stored under another identity.
	Text bool `mapstructure:"text"`
	// DurationBucketSeconds, when positive, adds the rounded duration to the identity.
	DurationBucketSeconds int `mapstructure:"duration_bucket_seconds"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	BatchSize    int    `mapstructure:"batch_size"`
	WriteRetries int    `mapstructure:"write_retries"`
}

// SnapshotConfig controls snapshot export.
type SnapshotConfig struct {
	WorkDir string `mapstructure:"work_dir"`
	Quality int    `mapstructure:"quality"`
}

// Publish backends.
const (
	PublishLocal  = "local"
	PublishGCS    = "gcs"
	PublishMemory = "memory"
)

// PublishConfig selects where the artifact is published.
type PublishConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Object  string `mapstructure:"object"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Run log backends.
const (
	RunLogMemory   = "memory"
	RunLogPostgres = "postgres"
)

// RunLogConfig selects where run reports are kept.
type RunLogConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RunConfig bounds a run.
type RunConfig struct {
	DeadlineSeconds int `mapstructure:"deadline_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LYRICSDB")
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
	v.SetDefault("server.interval_minutes", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "lyricsdb")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("github.org", "LRCHub")
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_base_url", "")
	v.SetDefault("github.include_archived", false)
	v.SetDefault("github.name_pattern", "")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.user_agent", "lyricsdb/0.1")
	v.SetDefault("crawler.raw_base_url", "https://raw.githubusercontent.com")
	v.SetDefault("crawler.branch", "main")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_body_bytes", 2<<20)
	v.SetDefault("rate.requests_per_second", 10.0)
	v.SetDefault("rate.burst", 10)
	v.SetDefault("rate.reserve", 50)
	v.SetDefault("quality.enabled", false)
	v.SetDefault("quality.min_lines", 5)
	v.SetDefault("quality.min_chars", 50)
	v.SetDefault("quality.min_duration_seconds", 60)
	v.SetDefault("quality.languages", []string{})
	v.SetDefault("dedup.text", false)
	v.SetDefault("dedup.duration_bucket_seconds", 0)
	v.SetDefault("database.path", "data/lyrics.db")
	v.SetDefault("database.batch_size", 500)
	v.SetDefault("database.write_retries", 2)
	v.SetDefault("snapshot.work_dir", "data/snapshot")
	v.SetDefault("snapshot.quality", 11)
	v.SetDefault("publish.backend", PublishLocal)
	v.SetDefault("publish.dir", "public")
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.object", "lyrics.db.br")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("runlog.backend", RunLogMemory)
	v.SetDefault("runlog.dsn", "")
	v.SetDefault("runlog.table", "lyricsdb_runs")
	v.SetDefault("runlog.max_conns", 4)
	v.SetDefault("run.deadline_seconds", 1800)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.IntervalMinutes < 0 {
		return fmt.Errorf("server.interval_minutes must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if strings.TrimSpace(c.GitHub.Org) == "" {
		return fmt.Errorf("github.org is required")
	}
	if c.GitHub.NamePattern != "" {
		if _, err := regexp.Compile(c.GitHub.NamePattern); err != nil {
			return fmt.Errorf("github.name_pattern: %w", err)
		}
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.Rate.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate.requests_per_second must be > 0")
	}
	if c.Rate.Burst <= 0 {
		return fmt.Errorf("rate.burst must be > 0")
	}
	if c.Quality.MinDurationSeconds < 0 {
		return fmt.Errorf("quality.min_duration_seconds must be >= 0")
	}
	if c.Dedup.DurationBucketSeconds < 0 {
		return fmt.Errorf("dedup.duration_bucket_seconds must be >= 0")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.BatchSize <= 0 {
		return fmt.Errorf("database.batch_size must be > 0")
	}
	if c.Snapshot.Quality < 0 || c.Snapshot.Quality > 11 {
		return fmt.Errorf("snapshot.quality must be within [0,11]")
	}
	if c.Snapshot.WorkDir == "" {
		return fmt.Errorf("snapshot.work_dir is required")
	}
	switch c.Publish.Backend {
	case PublishLocal:
		if c.Publish.Dir == "" {
			return fmt.Errorf("publish.dir is required for the local backend")
		}
	case PublishGCS:
		if c.Publish.Bucket == "" {
			return fmt.Errorf("publish.bucket is required for the gcs backend")
		}
	case PublishMemory:
	default:
		return fmt.Errorf("publish.backend must be one of local, gcs, memory")
	}
	if c.Publish.Object == "" {
		return fmt.Errorf("publish.object is required")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	switch c.RunLog.Backend {
	case RunLogMemory:
	case RunLogPostgres:
		if c.RunLog.DSN == "" {
			return fmt.Errorf("runlog.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("runlog.backend must be one of memory, postgres")
	}
	if c.Run.DeadlineSeconds < 0 {
		return fmt.Errorf("run.deadline_seconds must be >= 0")
	}
	return nil
}

// MinDuration is the shortest accepted track when the quality gate is on.
func (c Config) MinDuration() time.Duration {
	return time.Duration(c.Quality.MinDurationSeconds) * time.Second
}

// DurationBucket is the identity duration bucket width; zero disables it.
func (c Config) DurationBucket() time.Duration {
	return time.Duration(c.Dedup.DurationBucketSeconds) * time.Second
}

// RunDeadline converts run.deadline_seconds into a duration; zero means unbounded.
func (c Config) RunDeadline() time.Duration {
	return time.Duration(c.Run.DeadlineSeconds) * time.Second
}

// HTTPTimeout is the per-request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Interval is the serve command's schedule; zero disables it.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Server.IntervalMinutes) * time.Minute
}
