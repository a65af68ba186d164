// Package gcs implements backend.Blobs on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/kevschoo/staybook/internal/errs"
)

// Store writes objects into a single bucket and hands out public URLs.
type Store struct {
	Client *storage.Client
	Bucket string
	now    func() time.Time
}

// New creates a GCS blob store for bucket.
func New(client *storage.Client, bucket string) *Store {
	return &Store{Client: client, Bucket: strings.TrimSpace(bucket), now: time.Now}
}

// Put uploads r to path with contentType.
func (s *Store) Put(ctx context.Context, path, contentType string, r io.Reader) error {
	if s.Client == nil {
		return errors.New("gcs: nil storage client")
	}
	if s.Bucket == "" {
		return errors.New("gcs: bucket is empty")
	}
	obj := strings.TrimLeft(path, "/")

	w := s.Client.Bucket(s.Bucket).Object(obj).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{
		"uploadedAt": s.now().UTC().Format(time.RFC3339),
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: write %s: %w", obj, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: close %s: %w", obj, err)
	}
	return nil
}

// DownloadURL returns the public URL of an existing object.
func (s *Store) DownloadURL(ctx context.Context, path string) (string, error) {
	if s.Client == nil {
		return "", errors.New("gcs: nil storage client")
	}
	obj := strings.TrimLeft(path, "/")
	if _, err := s.Client.Bucket(s.Bucket).Object(obj).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return PublicURL(s.Bucket, obj), nil
}

// PublicURL builds https://storage.googleapis.com/{bucket}/{object}.
func PublicURL(bucket, object string) string {
	parts := strings.Split(strings.TrimLeft(object, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, strings.Join(parts, "/"))
}
