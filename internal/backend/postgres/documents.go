package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
)

// NotifyChannel is the LISTEN channel the documents trigger publishes to.
// The payload is the collection name.
const NotifyChannel = "documents_changed"

// DocumentStore implements backend.Documents and backend.IDAssigner over the documents table.
type DocumentStore struct {
	db  *DB
	log *zap.Logger
	// requery limits how often a listener reloads its collection.
	requery rate.Limit
}

// NewDocumentStore constructs a document store.
func NewDocumentStore(db *DB, log *zap.Logger) *DocumentStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentStore{db: db, log: log, requery: rate.Every(100 * time.Millisecond)}
}

// Get loads a single document.
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (backend.Snapshot, error) {
	const q = `SELECT data FROM documents WHERE collection=$1 AND id=$2`
	var data []byte
	if err := s.db.Pool.QueryRow(ctx, q, collection, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.Snapshot{}, errs.ErrNotFound
		}
		return backend.Snapshot{}, err
	}
	return backend.JSONSnapshot(id, data), nil
}

// Query returns every document of collection in insertion order.
func (s *DocumentStore) Query(ctx context.Context, collection string) ([]backend.Snapshot, error) {
	const q = `
SELECT id, data
FROM documents
WHERE collection=$1
ORDER BY created_at ASC, id ASC`
	rows, err := s.db.Pool.Query(ctx, q, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]backend.Snapshot, 0)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err = rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out = append(out, backend.JSONSnapshot(id, data))
	}
	return out, rows.Err()
}

// Add inserts data under a generated id.
func (s *DocumentStore) Add(ctx context.Context, collection string, data any) (string, error) {
	return s.insert(ctx, collection, "", data)
}

// AddWithID inserts data with idField already set to the generated id.
func (s *DocumentStore) AddWithID(ctx context.Context, collection, idField string, data any) (string, error) {
	return s.insert(ctx, collection, idField, data)
}

func (s *DocumentStore) insert(ctx context.Context, collection, idField string, data any) (string, error) {
	doc, err := toObject(data)
	if err != nil {
		return "", err
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	id := uid.String()
	if idField != "" {
		doc[idField] = id
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	const q = `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)`
	if _, err := s.db.Pool.Exec(ctx, q, collection, id, string(raw)); err != nil {
		if isUniqueViolation(err) {
			return "", errs.ErrAlreadyExists
		}
		return "", err
	}
	return id, nil
}

// Set creates or replaces a document.
func (s *DocumentStore) Set(ctx context.Context, collection, id string, data any) error {
	raw, err := marshalObject(data)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id)
DO UPDATE SET data=EXCLUDED.data, updated_at=now()`
	_, err = s.db.Pool.Exec(ctx, q, collection, id, raw)
	return err
}

// Update merges fields into an existing document.
func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := marshalObject(fields)
	if err != nil {
		return err
	}
	const q = `
UPDATE documents
SET data = data || $3::jsonb, updated_at = now()
WHERE collection=$1 AND id=$2`
	return s.exec1(ctx, q, collection, id, raw)
}

// ArrayUnion appends the values missing from field in a single statement.
// A missing or non-array field is treated as empty.
func (s *DocumentStore) ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error {
	vals, err := json.Marshal(distinct(values))
	if err != nil {
		return err
	}
	const q = `
UPDATE documents
SET data = jsonb_set(data, ARRAY[$3::text],
      (CASE WHEN jsonb_typeof(data->$3) = 'array' THEN data->$3 ELSE '[]'::jsonb END) ||
      COALESCE((SELECT jsonb_agg(v) FROM jsonb_array_elements($4::jsonb) AS v
                WHERE NOT (CASE WHEN jsonb_typeof(data->$3) = 'array' THEN data->$3 ELSE '[]'::jsonb END) @> jsonb_build_array(v)),
               '[]'::jsonb),
      true),
    updated_at = now()
WHERE collection=$1 AND id=$2`
	return s.exec1(ctx, q, collection, id, field, string(vals))
}

// ArrayRemove drops every occurrence of values from field in a single statement.
func (s *DocumentStore) ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error {
	vals, err := json.Marshal(distinct(values))
	if err != nil {
		return err
	}
	const q = `
UPDATE documents
SET data = jsonb_set(data, ARRAY[$3::text],
      COALESCE((SELECT jsonb_agg(e) FROM jsonb_array_elements(
                  CASE WHEN jsonb_typeof(data->$3) = 'array' THEN data->$3 ELSE '[]'::jsonb END) AS e
                WHERE NOT $4::jsonb @> jsonb_build_array(e)),
               '[]'::jsonb),
      true),
    updated_at = now()
WHERE collection=$1 AND id=$2`
	return s.exec1(ctx, q, collection, id, field, string(vals))
}

func (s *DocumentStore) exec1(ctx context.Context, q string, args ...any) error {
	tag, err := s.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Listen holds a dedicated connection on LISTEN documents_changed and reloads
// the collection whenever a change for it is announced.
func (s *DocumentStore) Listen(ctx context.Context, collection string, onSnapshot func([]backend.Snapshot), onError func(error)) (func(), error) {
	if s.db.Notify == nil {
		return nil, fmt.Errorf("%w: no notification source", errs.ErrListenFailed)
	}
	conn, err := s.db.Notify(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire: %v", errs.ErrListenFailed, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: %v", errs.ErrListenFailed, err)
	}
	initial, err := s.Query(ctx, collection)
	if err != nil {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
		return nil, fmt.Errorf("%w: %v", errs.ErrListenFailed, err)
	}

	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()
		s.watch(lctx, conn, collection, initial, onSnapshot, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *DocumentStore) watch(ctx context.Context, conn NotifyConn, collection string, initial []backend.Snapshot, onSnapshot func([]backend.Snapshot), onError func(error)) {
	onSnapshot(initial)
	lim := rate.NewLimiter(s.requery, 1)
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil && onError != nil {
				onError(fmt.Errorf("%w: %v", errs.ErrListenFailed, err))
			}
			return
		}
		if n.Payload != collection {
			continue
		}
		if err := lim.Wait(ctx); err != nil {
			return
		}
		snaps, err := s.Query(ctx, collection)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("listener requery failed", zap.String("collection", collection), zap.Error(err))
			continue
		}
		onSnapshot(snaps)
	}
}

func toObject(data any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must be an object: %w", err)
	}
	return doc, nil
}

func marshalObject(data any) (string, error) {
	doc, err := toObject(data)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	return string(raw), err
}

func distinct(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
