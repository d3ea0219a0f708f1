package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the deployment configuration. It is built once at startup and
// passed by value afterwards.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Background BackgroundConfig `yaml:"background"`
	Search     SearchConfig     `yaml:"search"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	LogLevel   string           `yaml:"log_level"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig selects the network and the device it runs on.
type ModelConfig struct {
	Path              string `yaml:"path"`                // exported ONNX graph
	MetadataPath      string `yaml:"metadata_path"`       // sidecar JSON
	SharedLibraryPath string `yaml:"shared_library_path"` // onnxruntime .so/.dylib
	UseCPU            bool   `yaml:"use_cpu"`
	DeviceIndex       int    `yaml:"device_index"`
	RemoteAddr        string `yaml:"remote_addr"` // gRPC model server; overrides Path when set
}

type BackgroundConfig struct {
	Path      string `yaml:"path"`
	CellsPath string `yaml:"cells_path"`
}

// SearchConfig holds the cell search and confidence parameters.
type SearchConfig struct {
	TopK      int     `yaml:"top_k"`
	Eps       float64 `yaml:"eps"`
	ConfScale int     `yaml:"conf_scale"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// DefaultSearch is the search configuration served by the HTTP endpoint.
func DefaultSearch() SearchConfig {
	return SearchConfig{TopK: 10, Eps: 1.0, ConfScale: 25}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Model: ModelConfig{
			Path:         "models/geoloc.onnx",
			MetadataPath: "models/geoloc_metadata.json",
		},
		Background: BackgroundConfig{
			Path:      "models/back_coll_features.sqlite",
			CellsPath: "data/cells_assignments.json",
		},
		Search: DefaultSearch(),
		Redis: RedisConfig{
			CacheTTL: 10 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
// An empty path tries configs/geoloc.yaml and geoloc.yaml.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path == "" {
		path = os.Getenv("GEOLOC_CONFIG")
	}

	if path == "" {
		for _, p := range []string{"configs/geoloc.yaml", "geoloc.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that would make the service unable to start.
func (c Config) Validate() error {
	var errs []error
	if c.Model.RemoteAddr == "" && c.Model.Path == "" {
		errs = append(errs, errors.New("model.path or model.remote_addr is required"))
	}
	if c.Model.MetadataPath == "" {
		errs = append(errs, errors.New("model.metadata_path is required"))
	}
	if c.Model.DeviceIndex < 0 {
		errs = append(errs, errors.New("model.device_index must be >= 0"))
	}
	if c.Background.Path == "" {
		errs = append(errs, errors.New("background.path is required"))
	}
	if c.Background.CellsPath == "" {
		errs = append(errs, errors.New("background.cells_path is required"))
	}
	if err := c.Search.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s SearchConfig) Validate() error {
	var errs []error
	if s.TopK < 1 {
		errs = append(errs, fmt.Errorf("search.top_k must be >= 1, got %d", s.TopK))
	}
	if !(s.Eps > 0) {
		errs = append(errs, fmt.Errorf("search.eps must be > 0, got %g", s.Eps))
	}
	if s.ConfScale < 0 {
		errs = append(errs, fmt.Errorf("search.conf_scale must be >= 0, got %d", s.ConfScale))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &cfg.Server.Addr)
	duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	str("MODEL_PATH", &cfg.Model.Path)
	str("MODEL_METADATA_PATH", &cfg.Model.MetadataPath)
	str("ONNXRUNTIME_LIB", &cfg.Model.SharedLibraryPath)
	boolean("USE_CPU", &cfg.Model.UseCPU)
	integer("GPU_INDEX", &cfg.Model.DeviceIndex)
	str("MODEL_REMOTE_ADDR", &cfg.Model.RemoteAddr)
	str("BACKGROUND_PATH", &cfg.Background.Path)
	str("CELLS_PATH", &cfg.Background.CellsPath)
	integer("TOP_K", &cfg.Search.TopK)
	float("EPS", &cfg.Search.Eps)
	integer("CONF_SCALE", &cfg.Search.ConfScale)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	duration("CACHE_TTL", &cfg.Redis.CacheTTL)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_AUDIENCE", &cfg.Auth.JWTAudience)
	str("LOG_LEVEL", &cfg.LogLevel)

	return errors.Join(errs...)
}
