package casemill

import "context"

// BlobStore persists and fetches attachment bytes. The s3 backend targets
// R2-compatible object storage; blob/local is the filesystem fallback used
// when no credentials are configured.
type BlobStore interface {
	// Put stores data under key and returns a URI for later retrieval.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get fetches the bytes stored under key or at a URI previously
	// returned by Put. Returns ErrNotFound on miss.
	Get(ctx context.Context, key string) ([]byte, error)
}
