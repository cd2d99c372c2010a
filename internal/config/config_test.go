package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Database.Backend != "sqlite" || cfg.Database.Path != "casemill.db" {
		t.Errorf("database defaults = %+v", cfg.Database)
	}
	if cfg.Vector.Backend != "qdrant" || cfg.Vector.Port != 6334 {
		t.Errorf("vector defaults = %+v", cfg.Vector)
	}
	if cfg.Pipeline.PollIntervalSecs != 1 || cfg.Pipeline.VectorTopK != 5 || cfg.Pipeline.ContextWindow != 40 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.History.ChunkChars != 12000 || cfg.History.DedupDistance != 0.15 {
		t.Errorf("history defaults = %+v", cfg.History)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casemill.toml")
	doc := `
[telegram]
token = "bot-token"

[llm]
api_key = "sk-test"
model = "gpt-4o"

[database]
backend = "postgres"
dsn = "postgres://localhost/casemill"

[vector]
backend = "memory"

[pipeline]
context_window = 25
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "bot-token" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.APIKey != "sk-test" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Database.Backend != "postgres" || cfg.Database.DSN != "postgres://localhost/casemill" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Pipeline.ContextWindow != 25 {
		t.Errorf("context_window = %d", cfg.Pipeline.ContextWindow)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.VectorTopK != 5 || cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite defaults", cfg.Database.Backend)
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("telegram = {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casemill.toml")
	doc := `
[llm]
api_key = "from-file"

[http]
addr = ":9999"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CASEMILL_LLM_API_KEY", "from-env")
	t.Setenv("CASEMILL_HTTP_ADDR", ":7777")
	t.Setenv("CASEMILL_OBSERVER_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("api key = %q, want env value", cfg.LLM.APIKey)
	}
	if cfg.HTTP.Addr != ":7777" {
		t.Errorf("addr = %q, want env value", cfg.HTTP.Addr)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer.enabled not set from env")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Telegram.Token = "t"
		cfg.LLM.APIKey = "k"
		cfg.Vector.Backend = "memory"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		{"bad db backend", func(c *Config) { c.Database.Backend = "oracle" }, "database.backend"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"mysql without dsn", func(c *Config) { c.Database.Backend = "mysql" }, "database.dsn"},
		{"bad vector backend", func(c *Config) { c.Vector.Backend = "faiss" }, "vector.backend"},
		{"qdrant without host", func(c *Config) {
			c.Vector.Backend = "qdrant"
			c.Vector.Host = ""
		}, "vector.host"},
		{"s3 without creds", func(c *Config) {
			c.Blob.Backend = "s3"
			c.Blob.Endpoint = "https://r2.example.com"
			c.Blob.Bucket = "b"
		}, "blob credentials"},
		{"local blob without dir", func(c *Config) { c.Blob.Backend = "local" }, "blob.local_dir"},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }, "embedding.dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantSub == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantSub)
			}
		})
	}
}
