package swproxy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	Origin       string `yaml:"origin"`
	MetricsPath  string `yaml:"metricsPath"`
	FetchTimeout string `yaml:"fetchTimeout"`

	// compiled
	origin          *url.URL
	fetchTimeoutDur time.Duration
}

// CacheConfig is the configuration object of a proxy instance.
type CacheConfig struct {
	// Generation names the current cache generation. Change it whenever the
	// bootstrap list or caching policy changes.
	Generation       string   `yaml:"generation"`
	Bootstrap        []string `yaml:"bootstrap"`
	OfflineDocument  string   `yaml:"offlineDocument"`
	APIMarkers       []string `yaml:"apiMarkers"`
	StaticExtensions []string `yaml:"staticExtensions"`
	Sitemaps         []string `yaml:"sitemaps"`
	// CrossOrigins lists extra origins ("https://cdn.example") that may be
	// requested through the proxy in absolute form.
	CrossOrigins []string `yaml:"crossOrigins"`

	// compiled
	crossOrigins map[string]struct{}
}

type StorageConfig struct {
	Type        string      `yaml:"type"`
	Max         string      `yaml:"max"`
	Path        string      `yaml:"path"`
	Compression string      `yaml:"compression"`
	Redis       RedisConfig `yaml:"redis"`

	// compiled
	maxBytes int64
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	TTL    string `yaml:"ttl"`

	ttlDur time.Duration
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	StatsEvery string `yaml:"statsEvery"`

	statsEveryDur time.Duration
}

const (
	StorageMemory  = "memory"
	StorageLevelDB = "leveldb"
	StorageRedis   = "redis"
)

// DefaultConfig returns the configuration used for keys absent from the file.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Listen = ":8080"
	cfg.Server.MetricsPath = "/metrics"
	cfg.Server.FetchTimeout = "30s"
	cfg.Cache = CacheConfig{
		Generation:       "portfolio-v1",
		Bootstrap:        []string{"/", "/index.html", "/manifest.json"},
		OfflineDocument:  "/index.html",
		APIMarkers:       []string{"/api/"},
		StaticExtensions: append([]string(nil), DefaultStaticExtensions...),
	}
	cfg.Storage = StorageConfig{
		Type:        StorageMemory,
		Max:         "256m",
		Path:        "./data/leveldb",
		Compression: CompressionNone,
		Redis:       RedisConfig{Prefix: "swproxy"},
	}
	cfg.Logging = LoggingConfig{Level: "info", Format: "text"}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// compile validates the config and fills the derived fields. It is safe to
// call more than once.
func (c *Config) compile() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("server.origin: absolute http(s) URL required, got %q", c.Server.Origin)
	}
	c.Server.origin = u
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(c.Server.FetchTimeout)
		if err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
		c.Server.fetchTimeoutDur = d
	}

	c.Cache.Generation = strings.TrimSpace(c.Cache.Generation)
	if c.Cache.Generation == "" {
		return fmt.Errorf("cache.generation is required")
	}
	if strings.ContainsAny(c.Cache.Generation, "\x00:") {
		return fmt.Errorf("cache.generation: %q must not contain NUL or ':'", c.Cache.Generation)
	}
	for i, p := range c.Cache.Bootstrap {
		if err := checkScopePath(p); err != nil {
			return fmt.Errorf("cache.bootstrap[%d]: %w", i, err)
		}
	}
	if c.Cache.OfflineDocument != "" {
		if err := checkScopePath(c.Cache.OfflineDocument); err != nil {
			return fmt.Errorf("cache.offlineDocument: %w", err)
		}
	}

	c.Cache.crossOrigins = make(map[string]struct{}, len(c.Cache.CrossOrigins))
	for i, o := range c.Cache.CrossOrigins {
		ou, err := url.Parse(strings.TrimRight(o, "/"))
		if err != nil || (ou.Scheme != "http" && ou.Scheme != "https") || ou.Host == "" || ou.Path != "" {
			return fmt.Errorf("cache.crossOrigins[%d]: origin like https://host required, got %q", i, o)
		}
		c.Cache.crossOrigins[originOf(ou)] = struct{}{}
	}

	switch c.Storage.Type {
	case "":
		c.Storage.Type = StorageMemory
	case StorageMemory, StorageLevelDB, StorageRedis:
	default:
		return fmt.Errorf("storage.type: unknown %q (valid: memory, leveldb, redis)", c.Storage.Type)
	}
	if c.Storage.Max != "" {
		n, err := parseBytes(c.Storage.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		c.Storage.maxBytes = n
	}
	switch c.Storage.Compression {
	case "":
		c.Storage.Compression = CompressionNone
	case CompressionNone, CompressionLZ4, CompressionBrotli:
	default:
		return fmt.Errorf("storage.compression: unknown %q (valid: none, lz4, brotli)", c.Storage.Compression)
	}
	if c.Storage.Type == StorageLevelDB && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for leveldb")
	}
	if c.Storage.Type == StorageRedis && c.Storage.Redis.URL == "" {
		return fmt.Errorf("storage.redis.url is required for redis")
	}
	if c.Storage.Redis.TTL != "" {
		d, err := time.ParseDuration(c.Storage.Redis.TTL)
		if err != nil {
			return fmt.Errorf("storage.redis.ttl: %w", err)
		}
		c.Storage.Redis.ttlDur = d
	}

	if c.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		c.Logging.statsEveryDur = d
	}
	return nil
}

func checkScopePath(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must start with /", p)
	}
	return nil
}

// Origin returns the parsed scope origin. Only valid after LoadConfig or New.
func (c Config) Origin() *url.URL { return c.Server.origin }

func (c Config) FetchTimeout() time.Duration { return c.Server.fetchTimeoutDur }

func (c Config) StatsEvery() time.Duration { return c.Logging.statsEveryDur }

// originOf returns the lower-cased scheme://host[:port] of u.
func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
