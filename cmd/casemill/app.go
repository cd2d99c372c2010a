package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ohanchuk/casemill"
	"github.com/ohanchuk/casemill/internal/config"
	"github.com/ohanchuk/casemill/internal/httpapi"
)

// App wires the pipeline together: the ingest loop feeding from the
// messenger, two queue workers, the periodic reconcile scheduler, and
// the HTTP surface.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     casemill.Store
	vector    casemill.VectorIndex
	gateway   casemill.Gateway
	blob      casemill.BlobStore
	messenger casemill.Messenger
}

func newApp(cfg config.Config, logger *slog.Logger, store casemill.Store, vector casemill.VectorIndex, gateway casemill.Gateway, blob casemill.BlobStore, messenger casemill.Messenger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		vector:    vector,
		gateway:   gateway,
		blob:      blob,
		messenger: messenger,
	}
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// Run starts everything and blocks until ctx is cancelled. A clean
// shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	pipe := a.cfg.Pipeline

	ingestOpts := []casemill.IngestOption{casemill.WithIngestLogger(a.logger)}
	if a.cfg.Blob.Upload {
		ingestOpts = append(ingestOpts, casemill.WithBlobUpload())
	}
	ingestor := casemill.NewIngestor(a.store, a.gateway, a.blob, ingestOpts...)

	bufferWorker := casemill.NewWorker(a.store,
		[]casemill.Handler{
			casemill.NewBufferWorker(a.store, a.gateway, a.vector, a.logger),
			casemill.NewReconciler(a.store, a.gateway, a.vector, a.logger),
		},
		casemill.WithPollInterval(time.Duration(pipe.PollIntervalSecs)*time.Second),
		casemill.WithJobTimeout(time.Duration(pipe.JobTimeoutSecs)*time.Second),
		casemill.WithStaleAfter(time.Duration(pipe.StaleAfterSecs)*time.Second),
		casemill.WithWorkerLogger(a.logger),
	)
	respondWorker := casemill.NewWorker(a.store,
		[]casemill.Handler{
			casemill.NewRespondWorker(a.store, a.gateway, a.vector, a.messenger,
				casemill.WithTopK(pipe.VectorTopK),
				casemill.WithContextWindow(pipe.ContextWindow),
				casemill.WithRespondLogger(a.logger)),
		},
		casemill.WithPollInterval(time.Duration(pipe.PollIntervalSecs)*time.Second),
		casemill.WithJobTimeout(time.Duration(pipe.JobTimeoutSecs)*time.Second),
		casemill.WithStaleAfter(time.Duration(pipe.StaleAfterSecs)*time.Second),
		casemill.WithWorkerLogger(a.logger),
	)

	bootstrap := casemill.NewBootstrap(a.store, a.gateway, a.vector, a.blockExtractor(),
		casemill.WithChunkChars(a.cfg.History.ChunkChars),
		casemill.WithChunkOverlap(a.cfg.History.ChunkOverlap),
		casemill.WithParallelism(a.cfg.History.Parallelism),
		casemill.WithDedupDistance(float32(a.cfg.History.DedupDistance)),
		casemill.WithBootstrapLogger(a.logger),
	)
	api := httpapi.New(a.store, bootstrap, a.logger)
	httpServer := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: api.Handler()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return bufferWorker.Start(gctx) })
	g.Go(func() error { return respondWorker.Start(gctx) })
	g.Go(func() error {
		casemill.ScheduleSyncRAG(gctx, a.store, time.Duration(pipe.SyncIntervalSecs)*time.Second, a.logger)
		return nil
	})
	g.Go(func() error { return a.ingestLoop(gctx, ingestor) })
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	a.logger.Info("casemill running",
		"db", a.cfg.Database.Backend,
		"vector", a.cfg.Vector.Backend,
		"http", a.cfg.HTTP.Addr)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ingestLoop drains the messenger's event stream into the ingestor until
// the channel closes.
func (a *App) ingestLoop(ctx context.Context, ingestor *casemill.Ingestor) error {
	events, err := a.messenger.Events(ctx)
	if err != nil {
		return fmt.Errorf("messenger events: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := ingestor.Ingest(ctx, ev); err != nil {
				a.logger.Error("ingest failed", "message_id", ev.MessageID, "error", err)
			}
		}
	}
}

// blockExtractor prefers the subprocess worker when a binary is
// configured; otherwise extraction runs in-process.
func (a *App) blockExtractor() casemill.BlockExtractor {
	if bin := a.cfg.History.ExtractorBin; bin != "" {
		return casemill.NewSubprocessExtractor(bin,
			casemill.WithWorkerTimeout(time.Duration(a.cfg.History.SubprocTimeout)*time.Second))
	}
	return &casemill.GatewayExtractor{Gateway: a.gateway}
}
