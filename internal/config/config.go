// Package config loads the casemill service configuration: defaults,
// then a TOML file, then env vars (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Database  DatabaseConfig  `toml:"database"`
	Vector    VectorConfig    `toml:"vector"`
	Blob      BlobConfig      `toml:"blob"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	History   HistoryConfig   `toml:"history"`
	HTTP      HTTPConfig      `toml:"http"`
	Observer  ObserverConfig  `toml:"observer"`
}

type TelegramConfig struct {
	Token    string `toml:"token"`
	SpoolDir string `toml:"spool_dir"`
}

type LLMConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	ImageModel     string `toml:"image_model"`
	GateModel      string `toml:"gate_model"`
	ExtractModel   string `toml:"extract_model"`
	StructureModel string `toml:"structure_model"`
	RespondModel   string `toml:"respond_model"`
	HistoryModel   string `toml:"history_model"`
	TimeoutSecs    int    `toml:"timeout_secs"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

type DatabaseConfig struct {
	// Backend is one of "sqlite", "mysql", "postgres".
	Backend  string `toml:"backend"`
	Path     string `toml:"path"` // sqlite file path
	DSN      string `toml:"dsn"`  // mysql or postgres connection string
	PoolSize int    `toml:"pool_size"`
}

type VectorConfig struct {
	// Backend is "qdrant" or "memory".
	Backend    string `toml:"backend"`
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	APIKey     string `toml:"api_key"`
	UseTLS     bool   `toml:"use_tls"`
	Collection string `toml:"collection"`
}

type BlobConfig struct {
	// Backend is "s3", "local", or "" (attachments stay on disk).
	Backend   string `toml:"backend"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	LocalDir  string `toml:"local_dir"`
	Upload    bool   `toml:"upload"`
}

type PipelineConfig struct {
	PollIntervalSecs int `toml:"poll_interval_secs"`
	JobTimeoutSecs   int `toml:"job_timeout_secs"`
	StaleAfterSecs   int `toml:"stale_after_secs"`
	VectorTopK       int `toml:"vector_top_k"`
	ContextWindow    int `toml:"context_window"`
	SyncIntervalSecs int `toml:"sync_interval_secs"`
}

type HistoryConfig struct {
	ChunkChars     int     `toml:"chunk_chars"`
	ChunkOverlap   int     `toml:"chunk_overlap"`
	Parallelism    int     `toml:"parallelism"`
	DedupDistance  float64 `toml:"dedup_distance"`
	TokenTTLSecs   int     `toml:"token_ttl_secs"`
	ExtractorBin   string  `toml:"extractor_bin"`
	SubprocTimeout int     `toml:"subproc_timeout_secs"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			TimeoutSecs: 120,
		},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Database:  DatabaseConfig{Backend: "sqlite", Path: "casemill.db", PoolSize: 4},
		Vector:    VectorConfig{Backend: "qdrant", Host: "localhost", Port: 6334, Collection: "casemill"},
		Pipeline: PipelineConfig{
			PollIntervalSecs: 1,
			JobTimeoutSecs:   600,
			StaleAfterSecs:   900,
			VectorTopK:       5,
			ContextWindow:    40,
			SyncIntervalSecs: 3600,
		},
		History: HistoryConfig{
			ChunkChars:     12000,
			ChunkOverlap:   3,
			Parallelism:    4,
			DedupDistance:  0.15,
			TokenTTLSecs:   3600,
			SubprocTimeout: 300,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "casemill.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("CASEMILL_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CASEMILL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CASEMILL_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CASEMILL_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CASEMILL_QDRANT_API_KEY"); v != "" {
		cfg.Vector.APIKey = v
	}
	if v := os.Getenv("CASEMILL_BLOB_ACCESS_KEY"); v != "" {
		cfg.Blob.AccessKey = v
	}
	if v := os.Getenv("CASEMILL_BLOB_SECRET_KEY"); v != "" {
		cfg.Blob.SecretKey = v
	}
	if v := os.Getenv("CASEMILL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CASEMILL_OBSERVER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observer.Enabled = b
		}
	}

	return cfg, nil
}

// Validate rejects configurations the full service cannot start with.
// Auxiliary binaries that only need a subset (the extraction worker
// reads just the [llm] section) skip it.
func (c Config) Validate() error {
	switch c.Database.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("config: database.path required for sqlite backend")
		}
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn required for %s backend", c.Database.Backend)
		}
	default:
		return fmt.Errorf("config: unknown database.backend %q", c.Database.Backend)
	}

	switch c.Vector.Backend {
	case "qdrant":
		if c.Vector.Host == "" || c.Vector.Collection == "" {
			return fmt.Errorf("config: vector.host and vector.collection required for qdrant backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown vector.backend %q", c.Vector.Backend)
	}

	switch c.Blob.Backend {
	case "s3":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("config: blob.endpoint and blob.bucket required for s3 backend")
		}
		if c.Blob.AccessKey == "" || c.Blob.SecretKey == "" {
			return fmt.Errorf("config: blob credentials required for s3 backend")
		}
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("config: blob.local_dir required for local backend")
		}
	case "":
	default:
		return fmt.Errorf("config: unknown blob.backend %q", c.Blob.Backend)
	}

	if c.Telegram.Token == "" {
		return fmt.Errorf("config: telegram.token required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding.dimensions must be positive")
	}
	return nil
}
