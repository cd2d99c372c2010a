// Package memory implements casemill.VectorIndex with in-process
// brute-force cosine search. Suitable for tests and small single-node
// deployments; production uses vector/qdrant.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ohanchuk/casemill"
)

// Index implements casemill.VectorIndex in memory.
type Index struct {
	mu      sync.RWMutex
	entries map[string]casemill.VectorEntry
}

var _ casemill.VectorIndex = (*Index)(nil)

// New creates an empty Index.
func New() *Index {
	return &Index{entries: make(map[string]casemill.VectorEntry)}
}

// Init implements casemill.VectorIndex. No-op.
func (ix *Index) Init(ctx context.Context) error { return nil }

// Close implements casemill.VectorIndex. No-op.
func (ix *Index) Close() error { return nil }

// Upsert inserts or replaces entries by id.
func (ix *Index) Upsert(ctx context.Context, entries ...casemill.VectorEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		ix.entries[e.ID] = e
	}
	return nil
}

// Search returns the topK nearest entries matching the filter, best first.
func (ix *Index) Search(ctx context.Context, embedding []float32, filter casemill.VectorFilter, topK int) ([]casemill.ScoredEntry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var hits []casemill.ScoredEntry
	for _, e := range ix.entries {
		if filter.GroupID != "" && e.Meta.GroupID != filter.GroupID {
			continue
		}
		if filter.Status != "" && e.Meta.Status != filter.Status {
			continue
		}
		hits = append(hits, casemill.ScoredEntry{
			VectorEntry: e,
			Score:       casemill.CosineSimilarity(embedding, e.Embedding),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Delete removes entries by id. Unknown ids are ignored.
func (ix *Index) Delete(ctx context.Context, ids ...string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		delete(ix.entries, id)
	}
	return nil
}

// ListIDs enumerates every id in the index.
func (ix *Index) ListIDs(ctx context.Context) ([]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
