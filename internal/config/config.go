// Package config loads gateway configuration from a YAML file plus
// environment overrides, and re-reads the whole file, secrets included,
// when it changes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HardwareConfig controls AES hardware-acceleration detection.
type HardwareConfig struct {
	EnableAESNI    bool `mapstructure:"enable_aesni"`
	EnableARMv8AES bool `mapstructure:"enable_armv8_aes"`
}

// SinkConfig describes where audit events are written.
type SinkConfig struct {
	Type          string            `mapstructure:"type"` // "stdout", "file", "http"
	Endpoint      string            `mapstructure:"endpoint"`
	Headers       map[string]string `mapstructure:"headers"`
	FilePath      string            `mapstructure:"file_path"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
}

// AuditConfig controls the audit logger.
type AuditConfig struct {
	Enabled             bool       `mapstructure:"enabled"`
	MaxEvents           int        `mapstructure:"max_events"`
	RedactMetadataKeys  []string   `mapstructure:"redact_metadata_keys"`
	Sink                SinkConfig `mapstructure:"sink"`
}

// BackendConfig describes the S3-compatible bucket used by the Archive Mirror.
type BackendConfig struct {
	Provider  string `mapstructure:"provider"` // aws, minio, garage, wasabi, backblaze, cloudflare, scaleway
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Enabled   bool   `mapstructure:"enabled"`
}

// MemoryBands are the resident-set thresholds the Memory Governor bands on.
type MemoryBands struct {
	Safe     int64 `mapstructure:"safe_bytes"`
	Caution  int64 `mapstructure:"caution_bytes"`
	Warning  int64 `mapstructure:"warning_bytes"`
	Critical int64 `mapstructure:"critical_bytes"`
}

// StorageConfig holds the on-disk layout roots.
type StorageConfig struct {
	UploadRoot  string `mapstructure:"upload_root"`
	ChunksRoot  string `mapstructure:"chunks_root"`
	ChapterRoot string `mapstructure:"chapter_root"`
	TempRoot    string `mapstructure:"temp_root"`
}

// LimitsConfig holds the numeric ceilings and thresholds.
type LimitsConfig struct {
	MaxFileBytes           int64         `mapstructure:"max_file_bytes"`
	ChunkBytes             int64         `mapstructure:"chunk_bytes"`
	ChunkBytesHardCap      int64         `mapstructure:"chunk_bytes_hard_cap"`
	ChapterDBThreshold     int64         `mapstructure:"chapter_db_threshold"`
	ChapterStreamThreshold int64         `mapstructure:"chapter_stream_threshold"`
	MaxConcurrentChapters  int           `mapstructure:"max_concurrent_chapters"`
	ChapterProcessingTTL   time.Duration `mapstructure:"chapter_processing_timeout"`
	FFmpegTimeout          time.Duration `mapstructure:"ffmpeg_timeout"`
	AsyncFinalize          bool          `mapstructure:"async_finalize"`
}

// SecretsConfig holds the process-wide cryptographic secrets.
type SecretsConfig struct {
	SignedURLSecret string `mapstructure:"signed_url_secret"`
	SessionSecret   string `mapstructure:"session_secret"`
	AuthJWTSecret   string `mapstructure:"auth_jwt_secret"`
}

// KMSConfig selects how per-artifact DEKs are wrapped before being
// persisted: "local" derives a wrapping key from WrappingSecret via
// HKDF, "kmip" delegates to a Cosmian KMS (or any KMIP server).
type KMSConfig struct {
	Provider        string   `mapstructure:"provider"` // "local", "kmip"
	WrappingSecret  string   `mapstructure:"wrapping_secret"`
	KeyVersion      int      `mapstructure:"key_version"`
	KMIPEndpoint    string   `mapstructure:"kmip_endpoint"`
	KMIPKeyIDs      []string `mapstructure:"kmip_key_ids"`
	KMIPTimeout     time.Duration `mapstructure:"kmip_timeout"`
	KMIPDualReadWindow int    `mapstructure:"kmip_dual_read_window"`
}

// TTLConfig holds the session/URL/janitor timing knobs.
type TTLConfig struct {
	SignedURLTTL    time.Duration `mapstructure:"signed_url_ttl"`
	ChunkSessionTTL time.Duration `mapstructure:"chunk_session_ttl"`
	FailedSessionTTL time.Duration `mapstructure:"failed_session_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// RateLimitConfig controls the Redis-backed upload rate limiter.
type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	Rate       int           `mapstructure:"requests_per_window"`
	Window     time.Duration `mapstructure:"window"`
	BypassKeys []string      `mapstructure:"bypass_keys"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // "stdout", "otlp", "jaeger"
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service_name"`
}

// DatabaseConfig holds the Postgres connection string for the repository facade.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
}

// Config is the root configuration object for the gateway.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Limits     LimitsConfig    `mapstructure:"limits"`
	Secrets    SecretsConfig   `mapstructure:"secrets"`
	TTL        TTLConfig       `mapstructure:"ttl"`
	Memory     MemoryBands     `mapstructure:"memory_bands"`
	Hardware   HardwareConfig  `mapstructure:"hardware"`
	Audit      AuditConfig     `mapstructure:"audit"`
	Archive    BackendConfig   `mapstructure:"archive"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Tracing    TracingConfig   `mapstructure:"tracing"`
	Database   DatabaseConfig  `mapstructure:"database"`
	KMS        KMSConfig       `mapstructure:"kms"`
}

// setDefaults applies the defaults for every recognized key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("storage.upload_root", "./data/uploads")
	v.SetDefault("storage.chunks_root", "./data/chunks")
	v.SetDefault("storage.chapter_root", "./data/uploads/chapters")
	v.SetDefault("storage.temp_root", "./data/uploads/temp")
	v.SetDefault("limits.max_file_bytes", int64(2)<<30)
	v.SetDefault("limits.chunk_bytes", int64(5)<<20)
	v.SetDefault("limits.chunk_bytes_hard_cap", int64(6)<<20)
	v.SetDefault("limits.chapter_db_threshold", int64(10)<<20)
	v.SetDefault("limits.chapter_stream_threshold", int64(50)<<20)
	v.SetDefault("limits.max_concurrent_chapters", 3)
	v.SetDefault("limits.chapter_processing_timeout", 300*time.Second)
	v.SetDefault("limits.ffmpeg_timeout", 120*time.Second)
	v.SetDefault("limits.async_finalize", false)
	v.SetDefault("ttl.signed_url_ttl", 30*time.Minute)
	v.SetDefault("ttl.chunk_session_ttl", 24*time.Hour)
	v.SetDefault("ttl.failed_session_ttl", 2*time.Hour)
	v.SetDefault("ttl.janitor_interval", 30*time.Minute)
	gib := float64(int64(1) << 30)
	v.SetDefault("memory_bands.safe_bytes", int64(1.2*gib))
	v.SetDefault("memory_bands.caution_bytes", int64(1.5*gib))
	v.SetDefault("memory_bands.warning_bytes", int64(1.8*gib))
	v.SetDefault("memory_bands.critical_bytes", int64(2.0*gib))
	v.SetDefault("hardware.enable_aesni", true)
	v.SetDefault("hardware.enable_armv8_aes", true)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_events", 10000)
	v.SetDefault("audit.sink.type", "stdout")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.provider", "aws")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_window", 10)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.service_name", "audio-drm-gateway")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("kms.provider", "local")
	v.SetDefault("kms.key_version", 1)
	v.SetDefault("kms.kmip_timeout", 10*time.Second)
	v.SetDefault("kms.kmip_dual_read_window", 1)
}

// Load reads configuration from the given file path (if non-empty), applying
// environment overrides of the form DRM_STORAGE_UPLOAD_ROOT for
// storage.upload_root, etc. An empty path loads defaults plus environment
// only, which is sufficient for tests and for container deployments that
// configure entirely through the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

// Watcher re-reads the configuration when the backing file changes and
// invokes onChange with the freshly parsed Config. Secrets are re-read along
// with everything else (viper doesn't distinguish), but callers should avoid mutating
// in-flight signing keys; restarting signer components on secret rotation is
// the caller's responsibility.
type Watcher struct {
	v    *viper.Viper
	path string
}

// NewWatcher loads path and arms fsnotify-backed hot reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	w := &Watcher{v: v, path: path}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		if onChange != nil {
			onChange(&cfg)
		}
	})
	v.WatchConfig()

	return w, nil
}

// Current returns the most recently parsed configuration.
func (w *Watcher) Current() (*Config, error) {
	var cfg Config
	if err := w.v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
