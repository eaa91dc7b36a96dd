// Package config gathers the process settings of the ingest commands.
// Every setting is a flag whose default is seeded from an environment
// variable, so explicit flags win over the environment.
//
//	fs := flag.NewFlagSet("run", flag.ExitOnError)
//	cfg := config.Bind(fs, os.Getenv)
//	fs.Parse(os.Args[2:])
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/analytics-ingest/internal/lock"
	"github.com/dvloznov/analytics-ingest/internal/pipeline"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
)

// Default values for settings that are not pipeline tunables.
const (
	DefaultLocation      = "US"
	DefaultOpsDataset    = "analytics_ops"
	DefaultArchivePrefix = "raw"
	DefaultLogLevel      = "info"
	DefaultRunTimeout    = 30 * time.Minute
)

// ErrMissingSetting is returned by the Require helpers.
var ErrMissingSetting = errors.New("missing required setting")

// Config holds settings shared by the ingest subcommands.
type Config struct {
	// Warehouse
	ProjectID  string
	Location   string
	OpsDataset string

	// Reporting API
	AccessToken       string
	Endpoint          string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	MaxAttempts       int

	// Pipeline tunables
	PageSize     int
	MaxRounds    int
	PollInterval time.Duration
	Concurrency  int
	RunTimeout   time.Duration

	// Raw page archive; disabled when ArchiveBucket is empty.
	ArchiveBucket string
	ArchivePrefix string

	// Target lock; disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration
	LockWait      time.Duration

	// Observability
	PushgatewayURL string
	LogLevel       string
}

// Bind defines every setting as a flag on fs, seeding defaults from getenv.
// The returned Config is populated once fs has been parsed.
func Bind(fs *flag.FlagSet, getenv func(string) string) *Config {
	cfg := &Config{}
	env := envReader{getenv: getenv}

	fs.StringVar(&cfg.ProjectID, "project", env.str("GCP_PROJECT", ""), "GCP project ID (env GCP_PROJECT)")
	fs.StringVar(&cfg.Location, "location", env.str("BQ_LOCATION", DefaultLocation), "BigQuery location (env BQ_LOCATION)")
	fs.StringVar(&cfg.OpsDataset, "ops-dataset", env.str("OPS_DATASET", DefaultOpsDataset), "dataset holding the ingest_runs audit table (env OPS_DATASET)")

	fs.StringVar(&cfg.AccessToken, "access-token", env.str("GA_ACCESS_TOKEN", ""), "reporting API OAuth access token (env GA_ACCESS_TOKEN)")
	fs.StringVar(&cfg.Endpoint, "endpoint", env.str("GA_ENDPOINT", reporting.DefaultEndpoint), "reporting API batchGet URL (env GA_ENDPOINT)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", env.duration("GA_REQUEST_TIMEOUT", reporting.DefaultConfig().Timeout), "per-request timeout (env GA_REQUEST_TIMEOUT)")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", env.float("GA_REQUESTS_PER_SECOND", reporting.DefaultConfig().RequestsPerSecond), "reporting API request rate (env GA_REQUESTS_PER_SECOND)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", env.integer("GA_MAX_ATTEMPTS", reporting.DefaultConfig().MaxAttempts), "attempts per reporting API call (env GA_MAX_ATTEMPTS)")

	fs.IntVar(&cfg.PageSize, "page-size", env.integer("PAGE_SIZE", pipeline.DefaultPageSize), "rows per report page (env PAGE_SIZE)")
	fs.IntVar(&cfg.MaxRounds, "max-rounds", env.integer("MAX_ROUNDS", pipeline.DefaultMaxRounds), "fetch round limit (env MAX_ROUNDS)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", env.duration("POLL_INTERVAL", pipeline.DefaultPollInterval), "load job poll interval (env POLL_INTERVAL)")
	fs.IntVar(&cfg.Concurrency, "concurrency", env.integer("AWAIT_CONCURRENCY", pipeline.DefaultAwaitConcurrency), "load jobs awaited at once (env AWAIT_CONCURRENCY)")
	fs.DurationVar(&cfg.RunTimeout, "timeout", env.duration("RUN_TIMEOUT", DefaultRunTimeout), "overall run timeout (env RUN_TIMEOUT)")

	fs.StringVar(&cfg.ArchiveBucket, "archive-bucket", env.str("ARCHIVE_BUCKET", ""), "GCS bucket for raw report pages (env ARCHIVE_BUCKET)")
	fs.StringVar(&cfg.ArchivePrefix, "archive-prefix", env.str("ARCHIVE_PREFIX", DefaultArchivePrefix), "object prefix inside the archive bucket (env ARCHIVE_PREFIX)")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", env.str("REDIS_ADDR", ""), "Redis address for the target lock (env REDIS_ADDR)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", env.str("REDIS_PASSWORD", ""), "Redis password (env REDIS_PASSWORD)")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", env.duration("LOCK_TTL", lock.DefaultTTL), "target lock lease (env LOCK_TTL)")
	fs.DurationVar(&cfg.LockWait, "lock-wait", env.duration("LOCK_WAIT", 0), "how long to wait for a held target lock (env LOCK_WAIT)")

	fs.StringVar(&cfg.PushgatewayURL, "pushgateway", env.str("PUSHGATEWAY_URL", ""), "Prometheus Pushgateway URL (env PUSHGATEWAY_URL)")
	fs.StringVar(&cfg.LogLevel, "log-level", env.str("LOG_LEVEL", DefaultLogLevel), "log level (env LOG_LEVEL)")

	return cfg
}

// LoadFromArgs binds the settings to fs and parses args.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := Bind(fs, getenv)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("LoadFromArgs: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges of the numeric settings.
func (c *Config) Validate() error {
	var problems []string
	if c.PageSize <= 0 {
		problems = append(problems, "page-size must be positive")
	}
	if c.MaxRounds <= 0 {
		problems = append(problems, "max-rounds must be positive")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll-interval must be positive")
	}
	if c.Concurrency <= 0 {
		problems = append(problems, "concurrency must be positive")
	}
	if c.MaxAttempts <= 0 {
		problems = append(problems, "max-attempts must be positive")
	}
	if c.RequestsPerSecond <= 0 {
		problems = append(problems, "rps must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireWarehouse checks the settings needed to talk to BigQuery.
func (c *Config) RequireWarehouse() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: -project or GCP_PROJECT", ErrMissingSetting)
	}
	return nil
}

// RequireReporting checks the settings needed to call the reporting API.
func (c *Config) RequireReporting() error {
	if c.AccessToken == "" {
		return fmt.Errorf("%w: -access-token or GA_ACCESS_TOKEN", ErrMissingSetting)
	}
	return nil
}

// Headers returns the already-resolved credential headers sent with every
// reporting API call.
func (c *Config) Headers() http.Header {
	h := make(http.Header)
	if c.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.AccessToken)
	}
	return h
}

// ReportingConfig returns the reporting client settings.
func (c *Config) ReportingConfig() reporting.Config {
	rc := reporting.DefaultConfig()
	rc.Endpoint = c.Endpoint
	rc.Timeout = c.RequestTimeout
	rc.RequestsPerSecond = c.RequestsPerSecond
	rc.MaxAttempts = c.MaxAttempts
	return rc
}

// RunnerConfig returns the pipeline runner settings.
func (c *Config) RunnerConfig() pipeline.RunnerConfig {
	return pipeline.RunnerConfig{
		PageSize:         c.PageSize,
		MaxRounds:        c.MaxRounds,
		PollInterval:     c.PollInterval,
		AwaitConcurrency: c.Concurrency,
	}
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e envReader) integer(key string, def int) int {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (e envReader) float(key string, def float64) float64 {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
