// Package qdrant implements casemill.VectorIndex on a Qdrant collection
// over the official gRPC client.
//
// Entries are keyed by case id (UUID point ids); metadata lives in the
// point payload and backs the group/status filter.
package qdrant

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/ohanchuk/casemill"
)

// Config holds connection and collection settings.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	// Dimensions of the embedding model; used when creating the
	// collection.
	Dimensions int
}

// Index implements casemill.VectorIndex backed by one Qdrant collection.
type Index struct {
	client *qdrant.Client
	cfg    Config
}

var _ casemill.VectorIndex = (*Index)(nil)

// New connects to Qdrant. The collection is created on Init when absent.
func New(cfg Config) (*Index, error) {
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &Index{client: client, cfg: cfg}, nil
}

// Init creates the collection with cosine distance if it does not exist.
func (ix *Index) Init(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: collection exists: %w", err)
	}
	if exists {
		return nil
	}
	err = ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: ix.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(ix.cfg.Dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (ix *Index) Close() error { return ix.client.Close() }

// Upsert inserts or replaces entries by id.
func (ix *Index) Upsert(ctx context.Context, entries ...casemill.VectorEntry) error {
	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		evidence := make([]any, len(e.Meta.EvidenceIDs))
		for i, id := range e.Meta.EvidenceIDs {
			evidence[i] = id
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(e.ID),
			Vectors: qdrant.NewVectors(e.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"group_id":     e.Meta.GroupID,
				"status":       string(e.Meta.Status),
				"created_at":   e.Meta.CreatedAt,
				"evidence_ids": evidence,
				"document":     e.Document,
			}),
		})
	}
	_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

// Search returns the topK nearest entries matching the filter, best first.
func (ix *Index) Search(ctx context.Context, embedding []float32, filter casemill.VectorFilter, topK int) ([]casemill.ScoredEntry, error) {
	var must []*qdrant.Condition
	if filter.GroupID != "" {
		must = append(must, qdrant.NewMatch("group_id", filter.GroupID))
	}
	if filter.Status != "" {
		must = append(must, qdrant.NewMatch("status", string(filter.Status)))
	}
	var qf *qdrant.Filter
	if len(must) > 0 {
		qf = &qdrant.Filter{Must: must}
	}

	hits, err := ix.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.cfg.Collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query: %w", err)
	}

	out := make([]casemill.ScoredEntry, 0, len(hits))
	for _, p := range hits {
		entry := casemill.VectorEntry{
			ID:        p.GetId().GetUuid(),
			Embedding: p.GetVectors().GetVector().GetData(),
		}
		fillFromPayload(&entry, p.GetPayload())
		out = append(out, casemill.ScoredEntry{VectorEntry: entry, Score: p.GetScore()})
	}
	return out, nil
}

// Delete removes entries by id. Unknown ids are not an error.
func (ix *Index) Delete(ctx context.Context, ids ...string) error {
	points := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		points = append(points, qdrant.NewID(id))
	}
	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(points...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete: %w", err)
	}
	return nil
}

// ListIDs enumerates every id in the collection by scrolling in batches.
func (ix *Index) ListIDs(ctx context.Context) ([]string, error) {
	const batch = 512
	seen := make(map[string]bool)
	var ids []string
	var offset *qdrant.PointId

	for {
		points, err := ix.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: ix.cfg.Collection,
			Limit:          qdrant.PtrOf(uint32(batch)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(false),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: scroll: %w", err)
		}
		added := 0
		for _, p := range points {
			id := p.GetId().GetUuid()
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			added++
		}
		if len(points) < batch || added == 0 {
			return ids, nil
		}
		offset = points[len(points)-1].GetId()
	}
}

// fillFromPayload copies filterable metadata out of a point payload.
func fillFromPayload(e *casemill.VectorEntry, payload map[string]*qdrant.Value) {
	if v, ok := payload["group_id"]; ok {
		e.Meta.GroupID = v.GetStringValue()
	}
	if v, ok := payload["status"]; ok {
		e.Meta.Status = casemill.CaseStatus(v.GetStringValue())
	}
	if v, ok := payload["created_at"]; ok {
		e.Meta.CreatedAt = v.GetIntegerValue()
	}
	if v, ok := payload["document"]; ok {
		e.Document = v.GetStringValue()
	}
	if v, ok := payload["evidence_ids"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			e.Meta.EvidenceIDs = append(e.Meta.EvidenceIDs, item.GetStringValue())
		}
	}
}
