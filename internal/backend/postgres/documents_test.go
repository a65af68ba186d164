package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/model"
)

func TestDocumentStore_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDocumentStore(db, zaptest.NewLogger(t))
	ctx := context.Background()

	mock.ExpectQuery(`SELECT data FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("properties", "p1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"id":"p1","name":"Loft","rating":4.5}`)))
	snap, err := s.Get(ctx, "properties", "p1")
	require.NoError(t, err)
	var l model.Listing
	require.NoError(t, snap.DataTo(&l))
	require.Equal(t, "Loft", l.Name)
	require.Equal(t, 4.5, l.Rating)

	mock.ExpectQuery(`SELECT data FROM documents`).
		WithArgs("properties", "nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.Get(ctx, "properties", "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDocumentStore_Query(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDocumentStore(db, nil)

	mock.ExpectQuery(`SELECT id, data FROM documents WHERE collection=\$1 ORDER BY created_at ASC, id ASC`).
		WithArgs("properties").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow("a", []byte(`{"id":"a"}`)).
			AddRow("b", []byte(`{"id":"b"}`)))
	snaps, err := s.Query(context.Background(), "properties")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "b", snaps[1].ID)
}

func TestDocumentStore_AddAndAddWithID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDocumentStore(db, nil)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO documents \(collection, id, data\) VALUES \(\$1, \$2, \$3::jsonb\)`).
		WithArgs("properties", pgxmock.AnyArg(), `{"cost":0,"description":"","hostName":"","id":"","name":"Loft","rating":0,"roomInfo":""}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := s.Add(ctx, "properties", model.Listing{Name: "Loft"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var inserted string
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("properties", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err = s.AddWithID(ctx, "properties", "id", map[string]any{"name": "Cabin"})
	require.NoError(t, err)
	inserted = id
	require.NotEmpty(t, inserted)

	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("properties", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	_, err = s.Add(ctx, "properties", map[string]any{})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = s.Add(ctx, "properties", []string{"not", "an", "object"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_SetAndUpdate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDocumentStore(db, nil)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO documents .* ON CONFLICT \(collection, id\) DO UPDATE SET data=EXCLUDED.data`).
		WithArgs("users", "u1", `{"name":"Ann"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Set(ctx, "users", "u1", map[string]any{"name": "Ann"}))

	mock.ExpectExec(`UPDATE documents SET data = data \|\| \$3::jsonb, updated_at = now\(\) WHERE collection=\$1 AND id=\$2`).
		WithArgs("users", "u1", `{"familyName":"Lee","name":"Ann"}`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.Update(ctx, "users", "u1", map[string]any{"name": "Ann", "familyName": "Lee"}))

	mock.ExpectExec(`UPDATE documents SET data = data`).
		WithArgs("users", "ghost", `{"name":"x"}`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, s.Update(ctx, "users", "ghost", map[string]any{"name": "x"}), errs.ErrNotFound)
}

func TestDocumentStore_ArrayUnionAndRemove(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDocumentStore(db, nil)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE documents SET data = jsonb_set\(data, ARRAY\[\$3::text\], .*jsonb_array_elements\(\$4::jsonb\)`).
		WithArgs("users", "u1", "tripLocations", `["p1","p2"]`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.ArrayUnion(ctx, "users", "u1", "tripLocations", "p1", "p2", "p1"))

	mock.ExpectExec(`UPDATE documents SET data = jsonb_set`).
		WithArgs("users", "ghost", "tripLocations", `["p1"]`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, s.ArrayUnion(ctx, "users", "ghost", "tripLocations", "p1"), errs.ErrNotFound)

	mock.ExpectExec(`UPDATE documents SET data = jsonb_set\(data, ARRAY\[\$3::text\], COALESCE.*WHERE NOT \$4::jsonb @> jsonb_build_array\(e\)`).
		WithArgs("users", "u1", "tripLocations", `[""," "]`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.ArrayRemove(ctx, "users", "u1", "tripLocations", "", " "))

	mock.ExpectExec(`UPDATE documents SET data = jsonb_set`).
		WithArgs("users", "u1", "tripLocations", `["x"]`).
		WillReturnError(errors.New("conn reset"))
	require.Error(t, s.ArrayRemove(ctx, "users", "u1", "tripLocations", "x"))
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeNotifyConn struct {
	notes    chan *pgconn.Notification
	execs    []string
	released chan struct{}
	execErr  error
}

func newFakeNotifyConn() *fakeNotifyConn {
	return &fakeNotifyConn{notes: make(chan *pgconn.Notification, 4), released: make(chan struct{})}
}

func (f *fakeNotifyConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeNotifyConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-f.notes:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeNotifyConn) Release() { close(f.released) }

func TestDocumentStore_ListenRequeriesOnNotification(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	conn := newFakeNotifyConn()
	db.Notify = func(context.Context) (NotifyConn, error) { return conn, nil }
	s := NewDocumentStore(db, zaptest.NewLogger(t))
	s.requery = 1000

	const q = `SELECT id, data FROM documents WHERE collection=\$1`
	mock.ExpectQuery(q).WithArgs("properties").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}))
	mock.ExpectQuery(q).WithArgs("properties").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).AddRow("a", []byte(`{"id":"a"}`)))

	got := make(chan []backend.Snapshot, 4)
	unsub, err := s.Listen(context.Background(), "properties", func(s []backend.Snapshot) { got <- s }, nil)
	require.NoError(t, err)

	first := <-got
	require.Empty(t, first)

	conn.notes <- &pgconn.Notification{Channel: NotifyChannel, Payload: "users"}
	conn.notes <- &pgconn.Notification{Channel: NotifyChannel, Payload: "properties"}

	select {
	case second := <-got:
		require.Len(t, second, 1)
		require.Equal(t, "a", second[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after notification")
	}

	unsub()
	unsub()
	<-conn.released
	require.Equal(t, []string{"LISTEN " + NotifyChannel, "UNLISTEN *"}, conn.execs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_ListenFailures(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDocumentStore(db, nil)
	noop := func([]backend.Snapshot) {}

	_, err := s.Listen(context.Background(), "properties", noop, nil)
	require.ErrorIs(t, err, errs.ErrListenFailed)

	db.Notify = func(context.Context) (NotifyConn, error) { return nil, errors.New("pool exhausted") }
	_, err = s.Listen(context.Background(), "properties", noop, nil)
	require.ErrorIs(t, err, errs.ErrListenFailed)

	conn := newFakeNotifyConn()
	conn.execErr = errors.New("no LISTEN for you")
	db.Notify = func(context.Context) (NotifyConn, error) { return conn, nil }
	_, err = s.Listen(context.Background(), "properties", noop, nil)
	require.ErrorIs(t, err, errs.ErrListenFailed)
	<-conn.released
}
