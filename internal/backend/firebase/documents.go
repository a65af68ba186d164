// Package firebase implements the backend contracts on Firestore and Firebase Authentication.
package firebase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
)

// DocumentStore implements backend.Documents and backend.IDAssigner on Firestore.
type DocumentStore struct {
	Client *firestore.Client
	log    *zap.Logger
}

// NewDocumentStore wraps a Firestore client.
func NewDocumentStore(client *firestore.Client, log *zap.Logger) *DocumentStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentStore{Client: client, log: log}
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (backend.Snapshot, error) {
	snap, err := s.Client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return backend.Snapshot{}, mapErr(err)
	}
	if !snap.Exists() {
		return backend.Snapshot{}, errs.ErrNotFound
	}
	return toSnapshot(snap), nil
}

func (s *DocumentStore) Query(ctx context.Context, collection string) ([]backend.Snapshot, error) {
	docs, err := s.Client.Collection(collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapErr(err)
	}
	return toSnapshots(docs), nil
}

func (s *DocumentStore) Add(ctx context.Context, collection string, data any) (string, error) {
	ref, _, err := s.Client.Collection(collection).Add(ctx, data)
	if err != nil {
		return "", mapErr(err)
	}
	return ref.ID, nil
}

// AddWithID creates the document and writes its id field in one transaction.
func (s *DocumentStore) AddWithID(ctx context.Context, collection, idField string, data any) (string, error) {
	ref := s.Client.Collection(collection).NewDoc()
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, data); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{{Path: idField, Value: ref.ID}})
	})
	if err != nil {
		return "", mapErr(err)
	}
	return ref.ID, nil
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, data any) error {
	_, err := s.Client.Collection(collection).Doc(id).Set(ctx, data)
	return mapErr(err)
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.Client.Collection(collection).Doc(id).Update(ctx, toUpdates(fields))
	return mapErr(err)
}

func (s *DocumentStore) ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error {
	_, err := s.Client.Collection(collection).Doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: firestore.ArrayUnion(toAny(values)...)},
	})
	return mapErr(err)
}

func (s *DocumentStore) ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error {
	_, err := s.Client.Collection(collection).Doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: firestore.ArrayRemove(toAny(values)...)},
	})
	return mapErr(err)
}

// Listen runs a snapshot listener on collection. Listener errors arrive through onError.
func (s *DocumentStore) Listen(ctx context.Context, collection string, onSnapshot func([]backend.Snapshot), onError func(error)) (func(), error) {
	lctx, cancel := context.WithCancel(ctx)
	it := s.Client.Collection(collection).Snapshots(lctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if lctx.Err() == nil && status.Code(err) != codes.Canceled && onError != nil {
					onError(fmt.Errorf("%w: %v", errs.ErrListenFailed, err))
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				s.log.Warn("snapshot read failed", zap.String("collection", collection), zap.Error(err))
				continue
			}
			onSnapshot(toSnapshots(docs))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func toSnapshot(d *firestore.DocumentSnapshot) backend.Snapshot {
	return backend.NewSnapshot(d.Ref.ID, d.DataTo)
}

func toSnapshots(docs []*firestore.DocumentSnapshot) []backend.Snapshot {
	out := make([]backend.Snapshot, 0, len(docs))
	for _, d := range docs {
		out = append(out, toSnapshot(d))
	}
	return out
}

// toUpdates turns a field map into Firestore updates in stable order.
func toUpdates(fields map[string]any) []firestore.Update {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		out = append(out, firestore.Update{Path: k, Value: fields[k]})
	}
	return out
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// mapErr translates gRPC status codes into sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %v", errs.ErrAlreadyExists, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	return err
}
