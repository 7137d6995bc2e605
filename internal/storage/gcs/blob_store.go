// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	blob "github.com/JakeFAU/bookingwatch/internal/storage"
)

// DefaultSignedURLTTL applies when SignedURL is called with a non-positive ttl.
const DefaultSignedURLTTL = 15 * time.Minute

// Config captures the parameters required to write and sign screenshots in GCS.
type Config struct {
	Bucket string
	// GoogleAccessID and SignBytes override the signer discovered from credentials.
	GoogleAccessID string
	SignBytes      func([]byte) ([]byte, error)
}

// BlobStore writes screenshots to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	accessID  string
	signBytes func([]byte) ([]byte, error)
	now       func() time.Time
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		accessID:  cfg.GoogleAccessID,
		signBytes: cfg.SignBytes,
		now:       time.Now,
	}, nil
}

// PutObject uploads data with a DoesNotExist precondition and returns a gs:// URI.
// A precondition failure is reported as storage.ErrObjectExists.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	clean, err := blob.CleanPath(path)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(clean).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return "", fmt.Errorf("put %s: %w", clean, blob.ErrObjectExists)
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, clean), nil
}

// SignedURL returns a V4 signed GET URL for path.
func (s *BlobStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	clean, err := blob.CleanPath(path)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		Expires:        s.now().Add(ttl),
		GoogleAccessID: s.accessID,
		SignBytes:      s.signBytes,
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(clean, opts)
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", clean, err)
	}
	return url, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
