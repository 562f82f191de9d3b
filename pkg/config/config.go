// Package config loads the ingestd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that accepts human readable YAML values such as "4MiB" or "10 GB".
type ByteSize int64

// UnmarshalYAML parses plain integers as bytes and strings through humanize.ParseBytes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar, got %v", value.Tag)
	}

	raw := value.Value
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(parsed) // #nosec G115 - sizes far below MaxInt64
	return nil
}

// Int64 returns the size as int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String formats the size with IEC units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// ServerConfig holds the HTTP listener and identity settings.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"` // HS256 secret; empty means trust X-Owner-ID from the gateway
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig holds the local temp-file root.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// UploadConfig holds chunked upload limits.
type UploadConfig struct {
	DefaultChunkSize   ByteSize      `yaml:"default_chunk_size"`
	MinChunkSize       ByteSize      `yaml:"min_chunk_size"`
	MaxChunkSize       ByteSize      `yaml:"max_chunk_size"`
	MaxChunks          int           `yaml:"max_chunks"`
	MaxFileSize        ByteSize      `yaml:"max_file_size"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	ChunkHashAlgorithm string        `yaml:"chunk_hash_algorithm"`
}

// QuotaConfig holds quota defaults.
type QuotaConfig struct {
	DefaultSize ByteSize `yaml:"default_size"`
}

// BanRule is one step of the progressive ban policy.
type BanRule struct {
	Violations int           `yaml:"violations"`
	Duration   time.Duration `yaml:"duration"`
	Permanent  bool          `yaml:"permanent"`
}

// ScanConfig holds scanner tools, timeouts and the ban policy.
type ScanConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batch_size"`
	ArchiveTool      string        `yaml:"archive_tool"`
	ListTimeout      time.Duration `yaml:"list_timeout"`
	TestTimeout      time.Duration `yaml:"test_timeout"`
	OutputLimit      ByteSize      `yaml:"output_limit"`
	AntivirusCommand string        `yaml:"antivirus_command"`
	AntivirusTimeout time.Duration `yaml:"antivirus_timeout"`
	BanPolicy        []BanRule     `yaml:"ban_policy"`
}

// RedisConfig holds the Redis queue connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	JobTTL   time.Duration `yaml:"job_ttl"`
}

// S3Config holds the S3 object store settings.
type S3Config struct {
	Bucket         string   `yaml:"bucket"`
	Region         string   `yaml:"region"`
	Endpoint       string   `yaml:"endpoint"`
	AccessKeyID    string   `yaml:"access_key_id"`
	SecretKey      string   `yaml:"secret_access_key"`
	UsePathStyle   bool     `yaml:"use_path_style"`
	PartSize       ByteSize `yaml:"part_size"`
	UploadParallel int      `yaml:"upload_parallel"`
}

// HTTPStoreConfig holds the HTTP object gateway settings.
type HTTPStoreConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

// OffloadConfig holds the offload queue and worker settings.
type OffloadConfig struct {
	Backend     string          `yaml:"backend"` // s3, http or none
	Queue       string          `yaml:"queue"`   // memory or redis
	Concurrency int             `yaml:"concurrency"`
	MaxAttempts int             `yaml:"max_attempts"`
	BaseBackoff time.Duration   `yaml:"base_backoff"`
	MaxBackoff  time.Duration   `yaml:"max_backoff"`
	RateLimit   float64         `yaml:"rate_limit"` // transfer starts per second, 0 disables
	Redis       RedisConfig     `yaml:"redis"`
	S3          S3Config        `yaml:"s3"`
	HTTP        HTTPStoreConfig `yaml:"http"`
}

// GCConfig holds garbage collector cadence and windows.
type GCConfig struct {
	Interval    time.Duration `yaml:"interval"`
	ExpiryGrace time.Duration `yaml:"expiry_grace"`
	OrphanTTL   time.Duration `yaml:"orphan_ttl"`
	BatchSize   int           `yaml:"batch_size"`
}

// NotifyConfig holds the notification webhook.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Quota    QuotaConfig    `yaml:"quota"`
	Scan     ScanConfig     `yaml:"scan"`
	Offload  OffloadConfig  `yaml:"offload"`
	GC       GCConfig       `yaml:"gc"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
//
//nolint:cyclop,funlen // flat list of defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/ingest.db"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data/uploads"
	}

	up := &c.Upload
	if up.DefaultChunkSize == 0 {
		up.DefaultChunkSize = 8 * humanize.MiByte
	}
	if up.MinChunkSize == 0 {
		up.MinChunkSize = 256 * humanize.KiByte
	}
	if up.MaxChunkSize == 0 {
		up.MaxChunkSize = 64 * humanize.MiByte
	}
	if up.MaxChunks == 0 {
		up.MaxChunks = 10000
	}
	if up.MaxFileSize == 0 {
		up.MaxFileSize = 20 * humanize.GiByte
	}
	if up.SessionTTL == 0 {
		up.SessionTTL = 24 * time.Hour
	}
	if up.ChunkHashAlgorithm == "" {
		up.ChunkHashAlgorithm = "md5"
	}

	if c.Quota.DefaultSize == 0 {
		c.Quota.DefaultSize = 10 * humanize.GiByte
	}

	sc := &c.Scan
	if sc.Interval == 0 {
		sc.Interval = 30 * time.Second
	}
	if sc.BatchSize == 0 {
		sc.BatchSize = 20
	}
	if sc.ArchiveTool == "" {
		sc.ArchiveTool = "7z"
	}
	if sc.ListTimeout == 0 {
		sc.ListTimeout = 30 * time.Second
	}
	if sc.TestTimeout == 0 {
		sc.TestTimeout = 10 * time.Minute
	}
	if sc.OutputLimit == 0 {
		sc.OutputLimit = humanize.MiByte
	}
	if sc.AntivirusCommand == "" {
		sc.AntivirusCommand = "clamdscan"
	}
	if sc.AntivirusTimeout == 0 {
		sc.AntivirusTimeout = 5 * time.Minute
	}
	if len(sc.BanPolicy) == 0 {
		sc.BanPolicy = []BanRule{
			{Violations: 3, Duration: 7 * 24 * time.Hour},
			{Violations: 5, Permanent: true},
		}
	}

	off := &c.Offload
	if off.Backend == "" {
		off.Backend = "none"
	}
	if off.Queue == "" {
		off.Queue = "memory"
	}
	if off.Concurrency == 0 {
		off.Concurrency = 2
	}
	if off.MaxAttempts == 0 {
		off.MaxAttempts = 5
	}
	if off.BaseBackoff == 0 {
		off.BaseBackoff = 2 * time.Second
	}
	if off.MaxBackoff == 0 {
		off.MaxBackoff = 5 * time.Minute
	}
	if off.Redis.Prefix == "" {
		off.Redis.Prefix = "lfingest:offload"
	}
	if off.Redis.JobTTL == 0 {
		off.Redis.JobTTL = time.Hour
	}
	if off.S3.Region == "" {
		off.S3.Region = "us-east-1"
	}
	if off.HTTP.Timeout == 0 {
		off.HTTP.Timeout = 30 * time.Minute
	}
	if off.HTTP.RetryMax == 0 {
		off.HTTP.RetryMax = 2
	}

	if c.GC.Interval == 0 {
		c.GC.Interval = 10 * time.Minute
	}
	if c.GC.ExpiryGrace == 0 {
		c.GC.ExpiryGrace = 6 * time.Hour
	}
	if c.GC.OrphanTTL == 0 {
		c.GC.OrphanTTL = 24 * time.Hour
	}
	if c.GC.BatchSize == 0 {
		c.GC.BatchSize = 100
	}

	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
}

// Validate checks cross-field constraints.
//
//nolint:cyclop // flat list of checks
func (c *Config) Validate() error {
	var errs []error

	up := c.Upload
	if up.MinChunkSize <= 0 || up.MinChunkSize > up.MaxChunkSize {
		errs = append(errs, fmt.Errorf("upload.min_chunk_size must be positive and not above max_chunk_size"))
	}
	if up.DefaultChunkSize < up.MinChunkSize || up.DefaultChunkSize > up.MaxChunkSize {
		errs = append(errs, fmt.Errorf("upload.default_chunk_size %s outside [%s, %s]",
			up.DefaultChunkSize, up.MinChunkSize, up.MaxChunkSize))
	}
	if up.MaxChunks <= 0 {
		errs = append(errs, errors.New("upload.max_chunks must be positive"))
	}
	if up.MaxFileSize <= 0 {
		errs = append(errs, errors.New("upload.max_file_size must be positive"))
	}
	switch up.ChunkHashAlgorithm {
	case "md5", "sha1", "blake2b-256":
	default:
		errs = append(errs, fmt.Errorf("upload.chunk_hash_algorithm %q not supported", up.ChunkHashAlgorithm))
	}

	if c.Quota.DefaultSize < 0 {
		errs = append(errs, errors.New("quota.default_size must not be negative"))
	}

	lastViolations := 0
	for _, rule := range c.Scan.BanPolicy {
		if rule.Violations <= lastViolations {
			errs = append(errs, errors.New("scan.ban_policy thresholds must be strictly increasing"))
			break
		}
		if !rule.Permanent && rule.Duration <= 0 {
			errs = append(errs, fmt.Errorf("scan.ban_policy rule at %d violations needs a duration", rule.Violations))
		}
		lastViolations = rule.Violations
	}

	switch c.Offload.Backend {
	case "none":
	case "s3":
		if c.Offload.S3.Bucket == "" {
			errs = append(errs, errors.New("offload.s3.bucket is required for the s3 backend"))
		}
	case "http":
		if c.Offload.HTTP.Endpoint == "" {
			errs = append(errs, errors.New("offload.http.endpoint is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("offload.backend %q not supported", c.Offload.Backend))
	}

	switch c.Offload.Queue {
	case "memory":
	case "redis":
		if c.Offload.Redis.Addr == "" {
			errs = append(errs, errors.New("offload.redis.addr is required for the redis queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("offload.queue %q not supported", c.Offload.Queue))
	}

	if c.Offload.Concurrency <= 0 || c.Offload.MaxAttempts <= 0 {
		errs = append(errs, errors.New("offload.concurrency and offload.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}
