package cfg

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/robfig/cron/v3"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

var cacheDrivers = []string{"memory", "sqlite", "redis"}

type rawCfg struct {
	// Storage
	DBPath      string `long:"db-path" env:"DB_PATH" default:"./data/catalog.db" description:"SQLite catalog database file"`
	FeedsDir    string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing feed definition files"`
	OutputDir   string `long:"output-dir" env:"OUTPUT_DIR" default:"./data/uploads" description:"Directory where generated feed files are written"`
	CacheDriver string `long:"cache-driver" env:"CACHE_DRIVER" default:"memory" description:"Feed cache backend (memory, sqlite, redis)"`
	RedisAddr   string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address when cache-driver is redis"`

	// Feed generation
	CacheTTL        time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"12h" description:"How long a generated feed stays cached"`
	UpstreamTimeout time.Duration `long:"upstream-timeout" env:"UPSTREAM_TIMEOUT" default:"10s" description:"Timeout for catalog queries during generation"`
	Schedule        string        `long:"schedule" env:"SCHEDULE" default:"0 */12 * * *" description:"Cron spec for scheduled feed regeneration"`
	WorkerCount     int           `long:"worker-count" env:"WORKER_COUNT" default:"2" description:"Number of background regeneration workers"`
	Currency        string        `long:"currency" env:"CURRENCY" default:"USD" description:"Store currency used when a price carries none"`

	// Change events
	NatsURL     string `long:"nats-url" env:"NATS_URL" description:"NATS server URL for catalog change events (optional)"`
	NatsSubject string `long:"nats-subject" env:"NATS_SUBJECT" default:"catalog.events" description:"Subject prefix for catalog change events"`

	// HTTP
	Port         string  `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string  `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://shop.example.com)"`
	APIAccessKey string  `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	RateLimit    float64 `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"Feed endpoint requests per second, 0 disables limiting"`

	// Application metadata
	LogFormat string `long:"log-format" env:"LOG_FORMAT" default:"text" description:"Log output format (text, json)"`
	LogFile   string `long:"log-file" env:"LOG_FILE" description:"Also write logs to this file, rotated by size (optional)"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, Europe/Sofia)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func Load() (*Cfg, error) {
	return LoadArgs(nil)
}

// LoadArgs parses the given arguments instead of os.Args when args is non-nil.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args == nil {
		_, err = parser.Parse()
	} else {
		_, err = parser.ParseArgs(args)
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:          raw.DBPath,
		FeedsDir:        raw.FeedsDir,
		OutputDir:       raw.OutputDir,
		CacheDriver:     strings.ToLower(raw.CacheDriver),
		RedisAddr:       raw.RedisAddr,
		CacheTTL:        raw.CacheTTL,
		UpstreamTimeout: raw.UpstreamTimeout,
		Schedule:        raw.Schedule,
		WorkerCount:     raw.WorkerCount,
		Currency:        strings.ToUpper(raw.Currency),
		NatsURL:         raw.NatsURL,
		NatsSubject:     raw.NatsSubject,
		Port:            raw.Port,
		BaseUrl:         strings.TrimRight(raw.BaseUrl, "/"),
		APIAccessKey:    raw.APIAccessKey,
		RateLimit:       raw.RateLimit,
		LogFormat:       strings.ToLower(raw.LogFormat),
		LogFile:         raw.LogFile,
		Timezone:        raw.Timezone,
		Debug:           raw.Debug,
		Version:         GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	return cfg, nil
}

func validate(cfg *Cfg) error {
	if !slices.Contains(cacheDrivers, cfg.CacheDriver) {
		return fmt.Errorf("unknown cache driver %q, expected one of %v", cfg.CacheDriver, cacheDrivers)
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rate limit must be non-negative")
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
