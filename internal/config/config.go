package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cdrwatch/internal/cdrstore"
	"cdrwatch/internal/transcode"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the monitor process.
// Values come from the environment, optionally preloaded from ENV_FILE.
// It is built once at startup and passed down by value; nothing reads the
// environment after Load returns.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Webhook   WebhookConfig
	Recording RecordingConfig
	Compress  CompressConfig
	Loop      LoopConfig
	Redis     RedisConfig
	Health    HealthConfig
}

type AppConfig struct {
	Env string
}

type DBConfig struct {
	// Driver is the database/sql driver name: mysql or pgx.
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Table    string

	// SSLMode applies to pgx only.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type WebhookConfig struct {
	// URL is a secret; never log it.
	URL     string
	Token   string
	Footer  string
	Timeout time.Duration
}

type RecordingConfig struct {
	Root        string
	CompressDir string
}

type CompressConfig struct {
	Binary     string
	Bitrate    string
	SampleRate int
	Channels   int
	MaxBytes   int64
	Timeout    time.Duration
}

type LoopConfig struct {
	Lookback       time.Duration
	PollInterval   time.Duration
	IdleInterval   time.Duration
	ErrorBackoff   time.Duration
	RecordingDelay time.Duration
	StoreTimeout   time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	LeaseKey string
	LeaseTTL time.Duration
}

type HealthConfig struct {
	Port int
}

func Load() (Config, error) {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		// Variables already present in the environment win over the file.
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("ENV_FILE %s: %w", path, err)
		}
	}

	c := Config{}
	var parseErrs []error
	intVar := func(key string) int {
		n, err := optionalInt(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return n
	}
	durationVar := func(key string) time.Duration {
		d, err := optionalDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intVar("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.Table = strings.TrimSpace(os.Getenv("CDR_TABLE"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Webhook.URL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	c.Webhook.Token = os.Getenv("WEBHOOK_TOKEN")
	c.Webhook.Footer = strings.TrimSpace(os.Getenv("WEBHOOK_FOOTER"))
	c.Webhook.Timeout = durationVar("WEBHOOK_TIMEOUT")

	c.Recording.Root = strings.TrimSpace(os.Getenv("RECORDING_ROOT"))
	c.Recording.CompressDir = strings.TrimSpace(os.Getenv("COMPRESS_DIR"))

	c.Compress.Binary = strings.TrimSpace(os.Getenv("FFMPEG_BIN"))
	c.Compress.Bitrate = strings.TrimSpace(os.Getenv("COMPRESS_BITRATE"))
	c.Compress.SampleRate = intVar("COMPRESS_SAMPLE_RATE")
	c.Compress.Channels = intVar("COMPRESS_CHANNELS")
	c.Compress.MaxBytes = int64(intVar("COMPRESS_MAX_BYTES"))
	c.Compress.Timeout = durationVar("COMPRESS_TIMEOUT")

	c.Loop.Lookback = durationVar("LOOKBACK_WINDOW")
	c.Loop.PollInterval = durationVar("POLL_INTERVAL")
	c.Loop.IdleInterval = durationVar("IDLE_INTERVAL")
	c.Loop.ErrorBackoff = durationVar("ERROR_BACKOFF")
	c.Loop.RecordingDelay = durationVar("RECORDING_DELAY")
	c.Loop.StoreTimeout = durationVar("STORE_TIMEOUT")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intVar("REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.LeaseKey = strings.TrimSpace(os.Getenv("LEASE_KEY"))
	c.Redis.LeaseTTL = durationVar("LEASE_TTL")

	c.Health.Port = intVar("HEALTH_PORT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

var bitrateRe = regexp.MustCompile(`^[0-9]+[kKmM]?$`)

// Validate fills defaults and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}

	if c.DB.Driver == "" {
		c.DB.Driver = string(cdrstore.DialectMySQL)
	}
	switch cdrstore.Dialect(c.DB.Driver) {
	case cdrstore.DialectMySQL:
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
	case cdrstore.DialectPostgres:
		if c.DB.Port == 0 {
			c.DB.Port = 5432
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be one of mysql, pgx, got %q", c.DB.Driver))
	}
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if !isValidPort(c.DB.Port) {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.Table == "" {
		c.DB.Table = "cdr"
	}
	if !cdrstore.ValidTable(c.DB.Table) {
		errs = append(errs, fmt.Errorf("CDR_TABLE must be a plain identifier, got %q", c.DB.Table))
	}

	if c.Webhook.URL == "" {
		if c.App.Env != "local" {
			errs = append(errs, errors.New("WEBHOOK_URL is required"))
		}
	} else if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		// Do not echo the value; the URL embeds the webhook secret.
		errs = append(errs, errors.New("WEBHOOK_URL must be an absolute http(s) URL"))
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 15 * time.Second
	}

	if c.Recording.Root == "" {
		c.Recording.Root = "/var/spool/asterisk/monitor"
	}

	def := transcode.DefaultProfile()
	if c.Compress.Binary == "" {
		c.Compress.Binary = "ffmpeg"
	}
	if c.Compress.Bitrate == "" {
		c.Compress.Bitrate = def.Bitrate
	}
	if !bitrateRe.MatchString(c.Compress.Bitrate) {
		errs = append(errs, fmt.Errorf("COMPRESS_BITRATE must look like 64k, got %q", c.Compress.Bitrate))
	}
	if c.Compress.SampleRate <= 0 {
		c.Compress.SampleRate = def.SampleRate
	}
	if c.Compress.Channels <= 0 {
		c.Compress.Channels = def.Channels
	}
	if c.Compress.MaxBytes <= 0 {
		c.Compress.MaxBytes = def.MaxBytes
	}
	if c.Compress.Timeout <= 0 {
		c.Compress.Timeout = 2 * time.Minute
	}

	if c.Loop.Lookback <= 0 {
		c.Loop.Lookback = 3 * time.Minute
	}
	if c.Loop.PollInterval <= 0 {
		c.Loop.PollInterval = 5 * time.Second
	}
	if c.Loop.IdleInterval <= 0 {
		c.Loop.IdleInterval = 10 * time.Second
	}
	if c.Loop.ErrorBackoff <= 0 {
		c.Loop.ErrorBackoff = 10 * time.Second
	}
	if c.Loop.RecordingDelay <= 0 {
		c.Loop.RecordingDelay = 5 * time.Second
	}
	if c.Loop.StoreTimeout <= 0 {
		c.Loop.StoreTimeout = 10 * time.Second
	}
	if c.Loop.Lookback < c.Loop.IdleInterval {
		errs = append(errs, errors.New("LOOKBACK_WINDOW must be at least IDLE_INTERVAL or calls are missed between polls"))
	}

	if c.LeaseEnabled() {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if !isValidPort(c.Redis.Port) {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
		if c.Redis.LeaseKey == "" {
			c.Redis.LeaseKey = "cdrwatch:lease"
		}
		if c.Redis.LeaseTTL <= 0 {
			c.Redis.LeaseTTL = 5 * time.Minute
		}
		// The lease is renewed once per iteration, so it has to outlive the
		// slowest iteration plus the longest sleep.
		if c.Redis.LeaseTTL <= c.MaxIterationGap() {
			errs = append(errs, fmt.Errorf("LEASE_TTL must exceed %s (slowest iteration plus longest sleep)", c.MaxIterationGap()))
		}
	}

	if c.Health.Port != 0 && !isValidPort(c.Health.Port) {
		errs = append(errs, fmt.Errorf("HEALTH_PORT must be a valid port, got %d", c.Health.Port))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) LeaseEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) HealthEnabled() bool {
	return c.Health.Port != 0
}

func (c Config) HealthAddr() string {
	return fmt.Sprintf(":%d", c.Health.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// MaxIterationGap bounds the time between two lease renewals. Each
// iteration makes up to three store-timeout bounded calls: lease renewal,
// fetch and delete.
func (c Config) MaxIterationGap() time.Duration {
	sleep := c.Loop.PollInterval
	for _, d := range []time.Duration{c.Loop.IdleInterval, c.Loop.ErrorBackoff} {
		if d > sleep {
			sleep = d
		}
	}
	return c.Loop.StoreTimeout*3 + c.Compress.Timeout + c.Webhook.Timeout*2 + c.Loop.RecordingDelay + sleep
}

// DSN returns the connection string for the configured driver.
// Avoid logging this string; it contains secrets.
func (c Config) DSN() string {
	if cdrstore.Dialect(c.DB.Driver) == cdrstore.DialectPostgres {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.DB.Host,
			c.DB.Port,
			c.DB.User,
			c.DB.Password,
			c.DB.Name,
			c.DB.SSLMode,
		)
	}
	mc := mysql.NewConfig()
	mc.User = c.DB.User
	mc.Passwd = c.DB.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port)
	mc.DBName = c.DB.Name
	// calldate is a zone-less DATETIME in the switch's local time.
	mc.Loc = time.Local
	mc.Timeout = 5 * time.Second
	return mc.FormatDSN()
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 10s, got %q", key, v)
	}
	return d, nil
}

func isValidPort(n int) bool {
	return n > 0 && n <= 65535
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
