package memory

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/kevschoo/staybook/internal/errs"
)

// Blobs is an in-process backend.Blobs. Download URLs are BaseURL + "/blobs/" + path.
type Blobs struct {
	faults

	BaseURL string

	mu    sync.Mutex
	blobs map[string]blob
}

type blob struct {
	contentType string
	data        []byte
}

// NewBlobs returns an empty blob store serving URLs under baseURL.
func NewBlobs(baseURL string) *Blobs {
	return &Blobs{BaseURL: strings.TrimRight(baseURL, "/"), blobs: make(map[string]blob)}
}

func (b *Blobs) Put(ctx context.Context, path, contentType string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.check(OpPut); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.blobs[path] = blob{contentType: contentType, data: data}
	b.mu.Unlock()
	return nil
}

func (b *Blobs) DownloadURL(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.check(OpDownloadURL); err != nil {
		return "", err
	}
	b.mu.Lock()
	_, ok := b.blobs[path]
	b.mu.Unlock()
	if !ok {
		return "", errs.ErrNotFound
	}
	return b.BaseURL + "/blobs/" + path, nil
}

// Open returns the content type and a reader over the blob at path.
func (b *Blobs) Open(ctx context.Context, path string) (string, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	b.mu.Lock()
	bl, ok := b.blobs[path]
	b.mu.Unlock()
	if !ok {
		return "", nil, errs.ErrNotFound
	}
	return bl.contentType, io.NopCloser(bytes.NewReader(bl.data)), nil
}

// Len returns the number of stored blobs.
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}
