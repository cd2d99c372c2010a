package casemill

import (
	"context"
	"math"
)

// VectorEntry is the derived projection of a Case held by the vector
// index: the case id, its embedding, the canonical retrieval document, and
// filterable metadata.
type VectorEntry struct {
	ID        string
	Embedding []float32
	Document  string
	Meta      VectorMeta
}

// VectorMeta is the metadata stored alongside each vector.
type VectorMeta struct {
	GroupID     string     `json:"group_id"`
	Status      CaseStatus `json:"status"`
	CreatedAt   int64      `json:"created_at"`
	EvidenceIDs []string   `json:"evidence_ids"`
}

// VectorFilter restricts a search. Zero fields are ignored.
type VectorFilter struct {
	GroupID string
	Status  CaseStatus
}

// ScoredEntry is one nearest-neighbour hit. Score is cosine similarity in
// [0, 1]; higher is closer.
type ScoredEntry struct {
	VectorEntry
	Score float32
}

// VectorIndex is the retrieval collection keyed by case_id.
//
// The relational Store owns the authoritative Case rows; the index holds a
// one-to-one derived projection. The Reconciler restores that invariant
// when it breaks.
type VectorIndex interface {
	// Upsert inserts or replaces entries by id.
	Upsert(ctx context.Context, entries ...VectorEntry) error

	// Search returns the topK nearest entries matching the filter, best
	// first.
	Search(ctx context.Context, embedding []float32, filter VectorFilter, topK int) ([]ScoredEntry, error)

	// Delete removes entries by id. Unknown ids are not an error.
	Delete(ctx context.Context, ids ...string) error

	// ListIDs enumerates every id in the collection.
	ListIDs(ctx context.Context) ([]string, error)

	// Init creates the collection if needed.
	Init(ctx context.Context) error
	Close() error
}

// CosineSimilarity returns the cosine of the angle between two vectors in
// [-1, 1]. Mismatched dimensions or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// EntryFromCase builds the vector projection of a case from its embedding.
func EntryFromCase(c Case, embedding []float32) VectorEntry {
	return VectorEntry{
		ID:        c.ID,
		Embedding: embedding,
		Document:  c.Document(),
		Meta: VectorMeta{
			GroupID:     c.GroupID,
			Status:      c.Status,
			CreatedAt:   c.CreatedAt,
			EvidenceIDs: c.EvidenceIDs,
		},
	}
}
