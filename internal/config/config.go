package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	keychainService = "crate"
	apiTokenAccount = "api_token"
	redisAccount    = "redis_password"
	s3SecretAccount = "s3_secret_key"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Library     LibraryConfig
	Analysis    AnalysisConfig
	Similarity  SimilarityConfig
	Ollama      OllamaConfig
	Query       QueryConfig
	Cache       CacheConfig
	ObjectStore ObjectStoreConfig
	Watch       WatchConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LibraryConfig struct {
	// Root is where organized copies are written; empty disables placement.
	Root string
	// Mode is copy, move or none.
	Mode string
	// Target is local or s3.
	Target string
}

type AnalysisConfig struct {
	// FallbackPolicy is lexical or strict.
	FallbackPolicy string
	FFmpegPath     string
	MaxDuration    string
	QuickBatchSize int
	QuickWorkers   int
	DeepBatchSize  int
	DeepWorkers    int
}

type SimilarityConfig struct {
	Normalization string
	MaxCandidates int
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type QueryConfig struct {
	LLMRanking    bool
	RankTimeout   string
	RankThreshold float64
	CacheTTL      string
}

type CacheConfig struct {
	// Backend is none, badger or redis.
	Backend       string
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	BadgerDir     string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

type WatchConfig struct {
	Dir      string
	Debounce string
	UseDeep  bool
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Library: LibraryConfig{
			Mode:   "copy",
			Target: "local",
		},
		Analysis: AnalysisConfig{
			FallbackPolicy: "lexical",
			FFmpegPath:     "ffmpeg",
			MaxDuration:    "30s",
			QuickBatchSize: 20,
			QuickWorkers:   4,
			DeepBatchSize:  10,
			DeepWorkers:    2,
		},
		Similarity: SimilarityConfig{
			Normalization: "minmax",
			MaxCandidates: 50000,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "phi3.5",
		},
		Query: QueryConfig{
			RankTimeout:   "3s",
			RankThreshold: 0.3,
			CacheTTL:      "10m",
		},
		Cache: CacheConfig{
			Backend:   "badger",
			RedisAddr: "localhost:6379",
		},
		ObjectStore: ObjectStoreConfig{
			Bucket: "crate",
			Region: "us-east-1",
			UseSSL: true,
		},
		Watch: WatchConfig{
			Debounce: "2s",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file,
// environment variables and the platform secret store, in increasing
// order of precedence.
//
// On macOS the backend is UserDefaults (domain: com.crate.app) and secrets
// live in the Keychain under service "crate". Elsewhere both are YAML files
// under $XDG_CONFIG_HOME/crate: config.yaml and secrets.yaml.
//
// Environment variables (CRATE_*) override backend values on all platforms.
// CRATE_ENV_FILE names the .env file to read; it defaults to ./.env.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadDotEnv() error {
	path := os.Getenv("CRATE_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain { return systemKeychain{} }

type systemKeychain struct{}

func (systemKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (systemKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Cache.RedisPassword == "" {
		if v, err := kc.Get(keychainService, redisAccount); err == nil {
			cfg.Cache.RedisPassword = v
		}
	}
	if cfg.ObjectStore.SecretKey == "" {
		if v, err := kc.Get(keychainService, s3SecretAccount); err == nil {
			cfg.ObjectStore.SecretKey = v
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Library.Target == "s3" {
		if c.ObjectStore.Endpoint == "" {
			errs = append(errs, errors.New("library.target is s3 but object_store.endpoint is empty"))
		}
		if c.ObjectStore.SecretKey == "" {
			errs = append(errs, fmt.Errorf("library.target is s3 but no secret key is set; use CRATE_OBJECT_STORE_SECRET_KEY%s", secretHint()))
		}
	}
	for key, raw := range map[string]string{
		"analysis.max_duration": c.Analysis.MaxDuration,
		"query.rank_timeout":    c.Query.RankTimeout,
		"query.cache_ttl":       c.Query.CacheTTL,
		"watch.debounce":        c.Watch.Debounce,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Duration parses raw, returning def when raw is empty or invalid.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
