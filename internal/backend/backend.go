// Package backend declares the identity, document and blob contracts the
// session provider and the catalog store are written against.
//
// Implementations live in subpackages: memory (tests and local runs),
// postgres (self-hosted) and firebase/gcs (hosted).
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/kevschoo/staybook/internal/model"
)

// Collection names shared by all stores.
const (
	CollectionUsers      = "users"
	CollectionProperties = "properties"
)

// ImagesCollection returns the per-user image collection path.
func ImagesCollection(ownerID string) string {
	return CollectionUsers + "/" + ownerID + "/images"
}

// Identity is the authentication backend.
type Identity interface {
	SignIn(ctx context.Context, email, password string) (model.Principal, error)
	SignUp(ctx context.Context, email, password string) (model.Principal, error)
	// SignOut clears the local principal; it is idempotent.
	SignOut(ctx context.Context) error
	// DeleteCurrent removes the signed-in identity and signs out.
	DeleteCurrent(ctx context.Context) error
	Current() *model.Principal
	// Subscribe calls fn with the current principal right away and then on
	// every change. The returned func deregisters fn and is safe to call twice.
	Subscribe(fn func(*model.Principal)) (unsubscribe func())
}

// Sessions is implemented by identities that can persist a session between processes.
type Sessions interface {
	Token() string
	Restore(ctx context.Context, token string) (model.Principal, error)
}

// Documents is the document database.
//
// Get returns errs.ErrNotFound for a missing record. Listen delivers the full
// collection on start and after every change until unsubscribe is called or
// ctx is done; unsubscribe is idempotent.
type Documents interface {
	Get(ctx context.Context, collection, id string) (Snapshot, error)
	Query(ctx context.Context, collection string) ([]Snapshot, error)
	Add(ctx context.Context, collection string, data any) (string, error)
	Set(ctx context.Context, collection, id string, data any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error
	ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error
	Listen(ctx context.Context, collection string, onSnapshot func([]Snapshot), onError func(error)) (unsubscribe func(), err error)
}

// IDAssigner is implemented by stores that can write the generated id into
// the record in the same insert.
type IDAssigner interface {
	AddWithID(ctx context.Context, collection, idField string, data any) (string, error)
}

// Blobs is the binary object store.
type Blobs interface {
	Put(ctx context.Context, path, contentType string, r io.Reader) error
	DownloadURL(ctx context.Context, path string) (string, error)
}

// Snapshot is one record read from a Documents store.
type Snapshot struct {
	ID     string
	decode func(any) error
}

// NewSnapshot wraps a store specific decoder.
func NewSnapshot(id string, decode func(any) error) Snapshot {
	return Snapshot{ID: id, decode: decode}
}

// JSONSnapshot builds a snapshot over a JSON encoded record.
func JSONSnapshot(id string, raw []byte) Snapshot {
	return Snapshot{ID: id, decode: func(v any) error { return json.Unmarshal(raw, v) }}
}

// DataTo decodes the record into v.
func (s Snapshot) DataTo(v any) error {
	if s.decode == nil {
		return nil
	}
	return s.decode(v)
}

// WithTimeout bounds a single backend call. d <= 0 keeps ctx as is.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
