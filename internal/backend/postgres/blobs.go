package postgres

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/kevschoo/staybook/internal/errs"
)

// BlobStore implements backend.Blobs over the blobs table. Objects are served
// by the HTTP server under BaseURL/blobs/.
type BlobStore struct {
	db      *DB
	baseURL string
}

// NewBlobStore constructs a blob store whose download URLs start with baseURL.
func NewBlobStore(db *DB, baseURL string) *BlobStore {
	return &BlobStore{db: db, baseURL: strings.TrimRight(baseURL, "/")}
}

// Put stores the content of r at path, replacing any previous object.
func (s *BlobStore) Put(ctx context.Context, path, contentType string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO blobs (path, content_type, data) VALUES ($1, $2, $3)
ON CONFLICT (path)
DO UPDATE SET content_type=EXCLUDED.content_type, data=EXCLUDED.data, created_at=now()`
	_, err = s.db.Pool.Exec(ctx, q, path, contentType, data)
	return err
}

// DownloadURL returns the public URL of an existing object.
func (s *BlobStore) DownloadURL(ctx context.Context, path string) (string, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM blobs WHERE path=$1)`
	var ok bool
	if err := s.db.Pool.QueryRow(ctx, q, path).Scan(&ok); err != nil {
		return "", err
	}
	if !ok {
		return "", errs.ErrNotFound
	}
	return s.baseURL + "/blobs/" + escapePath(path), nil
}

// Open returns the content type and content of the object at path.
func (s *BlobStore) Open(ctx context.Context, path string) (string, io.ReadCloser, error) {
	const q = `SELECT content_type, data FROM blobs WHERE path=$1`
	var (
		ct   string
		data []byte
	)
	if err := s.db.Pool.QueryRow(ctx, q, path).Scan(&ct, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, errs.ErrNotFound
		}
		return "", nil, err
	}
	return ct, io.NopCloser(bytes.NewReader(data)), nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
