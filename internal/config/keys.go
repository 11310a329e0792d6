package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CRATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "CRATE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "CRATE_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CRATE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "library.root", typ: kString, env: "CRATE_LIBRARY_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Library.Root = v.(string) },
		extract: func(cfg Config) any { return cfg.Library.Root },
	},
	{
		key: "library.mode", typ: kString, env: "CRATE_LIBRARY_MODE",
		apply:   func(cfg *Config, v any) { cfg.Library.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Library.Mode },
	},
	{
		key: "library.target", typ: kString, env: "CRATE_LIBRARY_TARGET",
		apply:   func(cfg *Config, v any) { cfg.Library.Target = v.(string) },
		extract: func(cfg Config) any { return cfg.Library.Target },
	},
	{
		key: "analysis.fallback_policy", typ: kString, env: "CRATE_ANALYSIS_FALLBACK_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Analysis.FallbackPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.FallbackPolicy },
	},
	{
		key: "analysis.ffmpeg_path", typ: kString, env: "CRATE_ANALYSIS_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Analysis.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.FFmpegPath },
	},
	{
		key: "analysis.max_duration", typ: kString, env: "CRATE_ANALYSIS_MAX_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MaxDuration = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.MaxDuration },
	},
	{
		key: "analysis.quick_batch_size", typ: kInt, env: "CRATE_ANALYSIS_QUICK_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.QuickBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.QuickBatchSize },
	},
	{
		key: "analysis.quick_workers", typ: kInt, env: "CRATE_ANALYSIS_QUICK_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.QuickWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.QuickWorkers },
	},
	{
		key: "analysis.deep_batch_size", typ: kInt, env: "CRATE_ANALYSIS_DEEP_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.DeepBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.DeepBatchSize },
	},
	{
		key: "analysis.deep_workers", typ: kInt, env: "CRATE_ANALYSIS_DEEP_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.DeepWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.DeepWorkers },
	},
	{
		key: "similarity.normalization", typ: kString, env: "CRATE_SIMILARITY_NORMALIZATION",
		apply:   func(cfg *Config, v any) { cfg.Similarity.Normalization = v.(string) },
		extract: func(cfg Config) any { return cfg.Similarity.Normalization },
	},
	{
		key: "similarity.max_candidates", typ: kInt, env: "CRATE_SIMILARITY_MAX_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Similarity.MaxCandidates = v.(int) },
		extract: func(cfg Config) any { return cfg.Similarity.MaxCandidates },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CRATE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "CRATE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "query.llm_ranking", typ: kBool, env: "CRATE_QUERY_LLM_RANKING",
		apply:   func(cfg *Config, v any) { cfg.Query.LLMRanking = v.(bool) },
		extract: func(cfg Config) any { return cfg.Query.LLMRanking },
	},
	{
		key: "query.rank_timeout", typ: kString, env: "CRATE_QUERY_RANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Query.RankTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Query.RankTimeout },
	},
	{
		key: "query.rank_threshold", typ: kFloat, env: "CRATE_QUERY_RANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Query.RankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Query.RankThreshold },
	},
	{
		key: "query.cache_ttl", typ: kString, env: "CRATE_QUERY_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Query.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Query.CacheTTL },
	},
	{
		key: "cache.backend", typ: kString, env: "CRATE_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.redis_addr", typ: kString, env: "CRATE_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
	},
	{
		key: "cache.redis_db", typ: kInt, env: "CRATE_CACHE_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisDB = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.RedisDB },
	},
	{
		key: "cache.redis_password", typ: kString, env: "CRATE_CACHE_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisPassword },
	},
	{
		key: "cache.badger_dir", typ: kString, env: "CRATE_CACHE_BADGER_DIR",
		apply:   func(cfg *Config, v any) { cfg.Cache.BadgerDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.BadgerDir },
	},
	{
		key: "object_store.endpoint", typ: kString, env: "CRATE_OBJECT_STORE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.ObjectStore.Endpoint },
	},
	{
		key: "object_store.access_key", typ: kString, env: "CRATE_OBJECT_STORE_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.ObjectStore.AccessKey },
	},
	{
		key: "object_store.secret_key", typ: kString, env: "CRATE_OBJECT_STORE_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.ObjectStore.SecretKey },
	},
	{
		key: "object_store.bucket", typ: kString, env: "CRATE_OBJECT_STORE_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.ObjectStore.Bucket },
	},
	{
		key: "object_store.region", typ: kString, env: "CRATE_OBJECT_STORE_REGION",
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.ObjectStore.Region },
	},
	{
		key: "object_store.prefix", typ: kString, env: "CRATE_OBJECT_STORE_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.ObjectStore.Prefix },
	},
	{
		key: "object_store.use_ssl", typ: kBool, env: "CRATE_OBJECT_STORE_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.ObjectStore.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.ObjectStore.UseSSL },
	},
	{
		key: "watch.dir", typ: kString, env: "CRATE_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Watch.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.Dir },
	},
	{
		key: "watch.debounce", typ: kString, env: "CRATE_WATCH_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Watch.Debounce = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.Debounce },
	},
	{
		key: "watch.use_deep", typ: kBool, env: "CRATE_WATCH_USE_DEEP",
		apply:   func(cfg *Config, v any) { cfg.Watch.UseDeep = v.(bool) },
		extract: func(cfg Config) any { return cfg.Watch.UseDeep },
	},
	{
		key: "log.level", typ: kString, env: "CRATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "CRATE_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "CRATE_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "log.max_backups", typ: kInt, env: "CRATE_LOG_MAX_BACKUPS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxBackups },
	},
	{
		key: "log.max_age_days", typ: kInt, env: "CRATE_LOG_MAX_AGE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxAgeDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxAgeDays },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
