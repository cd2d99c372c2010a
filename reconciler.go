package casemill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reconciler serves SYNC_RAG jobs: it restores the Case to VectorEntry
// one-to-one invariant in both directions. Vectors whose case row is gone
// are deleted; cases without a vector are opportunistically re-embedded
// and upserted. Periodic runs are driven by ScheduleSyncRAG.
type Reconciler struct {
	store   Store
	gateway Gateway
	vector  VectorIndex
	logger  *slog.Logger
}

var _ Handler = (*Reconciler)(nil)

// NewReconciler creates a Reconciler.
func NewReconciler(store Store, gateway Gateway, vector VectorIndex, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = nopLogger
	}
	return &Reconciler{store: store, gateway: gateway, vector: vector, logger: logger}
}

// Kind implements Handler.
func (r *Reconciler) Kind() JobKind { return JobSyncRAG }

// Handle implements Handler.
func (r *Reconciler) Handle(ctx context.Context, job *Job) error {
	ids, err := r.vector.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("sync_rag: list vector ids: %w", err)
	}

	indexed := make(map[string]bool, len(ids))
	var orphans []string
	for _, id := range ids {
		if _, err := r.store.GetCase(ctx, id); errors.Is(err, ErrNotFound) {
			orphans = append(orphans, id)
			continue
		} else if err != nil {
			return fmt.Errorf("sync_rag: look up case %s: %w", id, err)
		}
		indexed[id] = true
	}
	if len(orphans) > 0 {
		if err := r.vector.Delete(ctx, orphans...); err != nil {
			return fmt.Errorf("sync_rag: delete orphans: %w", err)
		}
	}

	// Reverse direction: cases with no vector get a catch-up embedding.
	reembedded := 0
	cases, err := r.store.ListCases(ctx)
	if err != nil {
		return fmt.Errorf("sync_rag: list cases: %w", err)
	}
	for _, c := range cases {
		if indexed[c.ID] {
			continue
		}
		embedding, err := r.gateway.Embed(ctx, c.Document())
		if err != nil {
			return fmt.Errorf("sync_rag: re-embed case %s: %w", c.ID, err)
		}
		if err := r.vector.Upsert(ctx, EntryFromCase(c, embedding)); err != nil {
			return fmt.Errorf("sync_rag: upsert case %s: %w", c.ID, err)
		}
		reembedded++
	}

	r.logger.Info("sync_rag: reconciled",
		"vectors", len(ids),
		"orphans_deleted", len(orphans),
		"cases_reembedded", reembedded)
	return nil
}

// ScheduleSyncRAG enqueues a SYNC_RAG job every interval until ctx is
// cancelled. The first job is enqueued immediately.
func ScheduleSyncRAG(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = nopLogger
	}
	for {
		if _, err := store.EnqueueJob(ctx, JobSyncRAG, struct{}{}); err != nil {
			logger.Warn("sync_rag: enqueue failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
