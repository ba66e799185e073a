package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/stagehand/stagehand/pkg/engine"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Scheme prefixes bucket resource IDs.
const Scheme = "gcs"

// ParseTarget returns the bucket name from a "gcs:bucket" resource ID.
func ParseTarget(resourceID string) (string, error) {
	bucket, ok := strings.CutPrefix(resourceID, Scheme+":")
	if !ok || bucket == "" || strings.ContainsAny(bucket, "/ ") {
		return "", engine.NewValidationError(fmt.Sprintf("resource %q is not a gcs:bucket target", resourceID))
	}
	return bucket, nil
}

// BucketUpdate is the subset of bucket attributes the executor changes.
type BucketUpdate struct {
	StorageClass string
	Lifecycle    *storage.Lifecycle
	SetLabels    map[string]string
	DeleteLabels []string

	// MetagenerationMatch makes the update conditional when non-zero.
	MetagenerationMatch int64
}

// Buckets reads and updates bucket attributes.
type Buckets interface {
	Attrs(ctx context.Context, bucket string) (*storage.BucketAttrs, error)
	Update(ctx context.Context, bucket string, u BucketUpdate) (*storage.BucketAttrs, error)
}

// StorageBuckets implements Buckets with the Cloud Storage client.
type StorageBuckets struct {
	client *storage.Client
}

// NewStorageBuckets creates a Cloud Storage client. An empty credentials
// file uses application default credentials.
func NewStorageBuckets(ctx context.Context, credentialsFile string) (*StorageBuckets, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &StorageBuckets{client: client}, nil
}

// Attrs implements Buckets.
func (b *StorageBuckets) Attrs(ctx context.Context, bucket string) (*storage.BucketAttrs, error) {
	return b.client.Bucket(bucket).Attrs(ctx)
}

// Update implements Buckets.
func (b *StorageBuckets) Update(ctx context.Context, bucket string, u BucketUpdate) (*storage.BucketAttrs, error) {
	var attrs storage.BucketAttrsToUpdate
	attrs.StorageClass = u.StorageClass
	attrs.Lifecycle = u.Lifecycle
	for k, v := range u.SetLabels {
		attrs.SetLabel(k, v)
	}
	for _, k := range u.DeleteLabels {
		attrs.DeleteLabel(k)
	}

	handle := b.client.Bucket(bucket)
	if u.MetagenerationMatch != 0 {
		handle = handle.If(storage.BucketConditions{MetagenerationMatch: u.MetagenerationMatch})
	}
	return handle.Update(ctx, attrs)
}

// Close releases the underlying client.
func (b *StorageBuckets) Close() error {
	return b.client.Close()
}

// classify maps Cloud Storage errors onto engine error classes.
func classify(err error, op, resourceID string) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var out *engine.EngineError
	var gerr *googleapi.Error
	switch {
	case errors.Is(err, storage.ErrBucketNotExist):
		out = engine.NewPermanentError("bucket not found", err).WithCode(engine.ErrCodeNotFound)
	case errors.As(err, &gerr):
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			out = engine.NewThrottledError("storage API rate limited", err)
		case gerr.Code == http.StatusPreconditionFailed:
			// Bucket changed between read and write; a fresh read fixes it.
			out = engine.NewTransientError("bucket metadata changed concurrently", err).WithCode(engine.ErrCodeConflict)
		case gerr.Code == http.StatusNotFound:
			out = engine.NewPermanentError("bucket not found", err).WithCode(engine.ErrCodeNotFound)
		case gerr.Code >= 500:
			out = engine.NewTransientError("storage API unavailable", err)
		default:
			out = engine.NewPermanentError("storage API rejected the request", err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		out = engine.NewTransientError("storage request timed out", err).WithCode(engine.ErrCodeTimeout)
	default:
		out = engine.NewTransientError("storage request failed", err)
	}
	return out.WithResource(resourceID).WithOperation(op)
}
