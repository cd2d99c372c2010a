// Package s3 implements casemill.BlobStore on S3-compatible object
// storage. Cloudflare R2 is the primary target; any endpoint that speaks
// the S3 API works.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ohanchuk/casemill"
)

// Config holds endpoint and credential settings.
type Config struct {
	// Endpoint is the S3-compatible API endpoint, e.g.
	// "https://<account>.r2.cloudflarestorage.com".
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Store implements casemill.BlobStore over one bucket.
type Store struct {
	client *awss3.Client
	bucket string
}

var _ casemill.BlobStore = (*Store)(nil)

// New creates a Store with static credentials and path-style addressing,
// which R2 requires.
func New(cfg Config) *Store {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	client := awss3.New(awss3.Options{
		BaseEndpoint: aws.String(cfg.Endpoint),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	})
	return &Store{client: client, bucket: cfg.Bucket}
}

// Put stores data under key and returns an r2:// URI naming the object.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put %s/%s: %w", s.bucket, key, err)
	}
	return "r2://" + s.bucket + "/" + key, nil
}

// Get fetches the bytes under key. key may be a bare object key or an
// r2://bucket/key URI returned by Put.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	bucket := s.bucket
	if b, k, ok := parseURI(key); ok {
		bucket, key = b, k
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, casemill.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// parseURI splits an r2:// or s3:// URI into bucket and key.
func parseURI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "r2://")
	if !found {
		rest, found = strings.CutPrefix(uri, "s3://")
	}
	if !found {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(rest, "/")
	return bucket, key, ok && bucket != "" && key != ""
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}
