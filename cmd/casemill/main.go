package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ohanchuk/casemill"
	"github.com/ohanchuk/casemill/blob/local"
	blobs3 "github.com/ohanchuk/casemill/blob/s3"
	"github.com/ohanchuk/casemill/frontend/telegram"
	"github.com/ohanchuk/casemill/internal/config"
	"github.com/ohanchuk/casemill/llm/openaicompat"
	"github.com/ohanchuk/casemill/observer"
	"github.com/ohanchuk/casemill/store/mysql"
	"github.com/ohanchuk/casemill/store/postgres"
	"github.com/ohanchuk/casemill/store/sqlite"
	vecmemory "github.com/ohanchuk/casemill/vector/memory"
	vecqdrant "github.com/ohanchuk/casemill/vector/qdrant"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CASEMILL_CONFIG"), "path to TOML config")
		mintToken  = flag.String("mint-token", "", "mint a single-use history bootstrap token for the given group id and exit")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *mintToken); err != nil {
		logger.Error("casemill exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, mintToken string) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	if mintToken != "" {
		return mintHistoryToken(ctx, store, cfg, mintToken)
	}

	vector, err := openVector(cfg)
	if err != nil {
		return err
	}
	defer vector.Close()
	if err := vector.Init(ctx); err != nil {
		return fmt.Errorf("vector init: %w", err)
	}

	var gateway casemill.Gateway = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.BaseURL,
		openaicompat.Models{
			Default:   cfg.LLM.Model,
			Image:     cfg.LLM.ImageModel,
			Gate:      cfg.LLM.GateModel,
			Extract:   cfg.LLM.ExtractModel,
			Structure: cfg.LLM.StructureModel,
			Respond:   cfg.LLM.RespondModel,
			History:   cfg.LLM.HistoryModel,
			Embedding: cfg.Embedding.Model,
		},
		openaicompat.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.LLM.TimeoutSecs) * time.Second}),
		openaicompat.WithLogger(logger),
	)

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, "casemill")
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		gateway = observer.WrapGateway(gateway, inst)
		logger.Info("observer: OTEL metrics enabled")
	}

	gateway = casemill.WithRetry(gateway, casemill.RetryLogger(logger))

	blob, err := openBlob(cfg)
	if err != nil {
		return err
	}

	messenger := telegram.New(cfg.Telegram.Token,
		telegram.WithSpoolDir(spoolDir(cfg)),
		telegram.WithLogger(logger),
	)

	app := newApp(cfg, logger, store, vector, gateway, blob, messenger)
	return app.RunWithSignal()
}

// openStore selects the relational backend from config.
func openStore(ctx context.Context, cfg config.Config) (casemill.Store, error) {
	switch cfg.Database.Backend {
	case "sqlite":
		return sqlite.New(cfg.Database.Path), nil
	case "mysql":
		return mysql.New(cfg.Database.DSN, cfg.Database.PoolSize)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

// openVector selects the vector backend from config.
func openVector(cfg config.Config) (casemill.VectorIndex, error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		return vecqdrant.New(vecqdrant.Config{
			Host:       cfg.Vector.Host,
			Port:       cfg.Vector.Port,
			APIKey:     cfg.Vector.APIKey,
			UseTLS:     cfg.Vector.UseTLS,
			Collection: cfg.Vector.Collection,
			Dimensions: cfg.Embedding.Dimensions,
		})
	case "memory":
		return vecmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

// openBlob selects the blob backend from config. Returns nil when object
// storage is not configured.
func openBlob(cfg config.Config) (casemill.BlobStore, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blobs3.New(blobs3.Config{
			Endpoint:  cfg.Blob.Endpoint,
			Region:    cfg.Blob.Region,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
		}), nil
	case "local":
		return local.New(cfg.Blob.LocalDir), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

func spoolDir(cfg config.Config) string {
	if cfg.Telegram.SpoolDir != "" {
		return cfg.Telegram.SpoolDir
	}
	return os.TempDir()
}

// mintHistoryToken creates a single-use bootstrap token and prints it.
func mintHistoryToken(ctx context.Context, store casemill.Store, cfg config.Config, groupID string) error {
	tok := casemill.HistoryToken{
		Token:     casemill.NewID(),
		GroupID:   groupID,
		ExpiresAt: casemill.NowUnixMilli() + int64(cfg.History.TokenTTLSecs)*1000,
	}
	if err := store.CreateHistoryToken(ctx, tok); err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Println(tok.Token)
	return nil
}
