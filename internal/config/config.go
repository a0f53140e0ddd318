package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxRequestBytes int64
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Migrate         bool
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StorageConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Region         string
	PublicBaseURL  string
	URLMode        string
	URLExpiry      time.Duration
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type SecurityConfig struct {
	JWTAccessSecret string
}

type UploadConfig struct {
	MaxBytes          int64
	MaxPixels         int
	AllowedExtensions []string
	AllowedMIMETypes  []string
	DefaultMaxImages  int
}

type RenderConfig struct {
	Concurrency int
	JPEGQuality int
	WebPQuality int
	Format      string
}

type ModerationConfig struct {
	Enabled         bool
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	RejectThreshold float64
	ReviewThreshold float64
	RetryInitial    time.Duration
	RetryMax        time.Duration
	MaxAttempts     int
}

type CacheConfig struct {
	CategoryTTL time.Duration
}

type QueueConfig struct {
	Stream        string
	Group         string
	Consumer      string
	RetrySet      string
	ClaimInterval time.Duration
	InFlightTTL   time.Duration
}

type JobsConfig struct {
	PromoteSpec     string
	SweepSpec       string
	SweepStaleAfter time.Duration
	SweepBatch      int
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Upload           UploadConfig
	Render           RenderConfig
	Moderation       ModerationConfig
	Cache            CacheConfig
	Queue            QueueConfig
	Jobs             JobsConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("POSTMEDIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.maxbytes must be positive"))
	}
	if c.Moderation.ReviewThreshold > c.Moderation.RejectThreshold {
		errs = append(errs, fmt.Errorf("moderation.reviewthreshold (%.1f) exceeds rejectthreshold (%.1f)",
			c.Moderation.ReviewThreshold, c.Moderation.RejectThreshold))
	}
	if c.Moderation.Enabled && c.Moderation.Endpoint == "" {
		errs = append(errs, errors.New("moderation.endpoint is required when moderation is enabled"))
	}
	switch c.Storage.URLMode {
	case "public", "signed":
	default:
		errs = append(errs, fmt.Errorf("storage.urlmode %q must be public or signed", c.Storage.URLMode))
	}
	if c.Render.Concurrency <= 0 {
		errs = append(errs, errors.New("render.concurrency must be positive"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "60s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.maxrequestbytes", 12<<20)

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.connecttimeout", "10s")
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolsize", 20)
	v.SetDefault("redis.dialtimeout", "5s")
	v.SetDefault("redis.readtimeout", "3s")
	v.SetDefault("redis.writetimeout", "3s")

	v.SetDefault("storage.bucket", "postmedia-renditions")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.urlmode", "public")
	v.SetDefault("storage.urlexpiry", "1h")
	v.SetDefault("storage.timeout", "10s")
	v.SetDefault("storage.retryattempts", 3)
	v.SetDefault("storage.retrybasedelay", "200ms")

	v.SetDefault("upload.maxbytes", 10485760)
	v.SetDefault("upload.maxpixels", 50_000_000)
	v.SetDefault("upload.allowedextensions", []string{".jpg", ".jpeg", ".png", ".gif", ".webp"})
	v.SetDefault("upload.allowedmimetypes", []string{"image/jpeg", "image/png", "image/gif", "image/webp"})
	v.SetDefault("upload.defaultmaximages", 5)

	v.SetDefault("render.concurrency", runtime.NumCPU())
	v.SetDefault("render.jpegquality", 85)
	v.SetDefault("render.webpquality", 80)
	v.SetDefault("render.format", "auto")

	v.SetDefault("moderation.enabled", false)
	v.SetDefault("moderation.timeout", "15s")
	v.SetDefault("moderation.rejectthreshold", 95.0)
	v.SetDefault("moderation.reviewthreshold", 80.0)
	v.SetDefault("moderation.retryinitial", "1m")
	v.SetDefault("moderation.retrymax", "1h")
	v.SetDefault("moderation.maxattempts", 8)

	v.SetDefault("cache.categoryttl", "5m")

	v.SetDefault("queue.stream", "media:moderation")
	v.SetDefault("queue.group", "moderation-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.retryset", "moderation:retry")
	v.SetDefault("queue.claiminterval", "30s")
	v.SetDefault("queue.inflightttl", "30m")

	v.SetDefault("jobs.promotespec", "*/30 * * * * *")
	v.SetDefault("jobs.sweepspec", "0 */10 * * * *")
	v.SetDefault("jobs.sweepstaleafter", "15m")
	v.SetDefault("jobs.sweepbatch", 100)
}
