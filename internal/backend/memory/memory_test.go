package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/limiter"
	"github.com/kevschoo/staybook/internal/model"
)

var (
	_ backend.Identity   = (*Identity)(nil)
	_ backend.Sessions   = (*Identity)(nil)
	_ backend.Documents  = (*Documents)(nil)
	_ backend.IDAssigner = (*AssigningDocuments)(nil)
	_ backend.Blobs      = (*Blobs)(nil)
)

func TestDocuments_AddGetUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDocuments()

	id, err := d.Add(ctx, "properties", model.Listing{Name: "Loft", Cost: 90})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, d.Update(ctx, "properties", id, map[string]any{"id": id}))

	snap, err := d.Get(ctx, "properties", id)
	require.NoError(t, err)
	var l model.Listing
	require.NoError(t, snap.DataTo(&l))
	require.Equal(t, model.Listing{ID: id, Name: "Loft", Cost: 90}, l)
	require.Equal(t, 2, d.Writes())

	_, err = d.Get(ctx, "properties", "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, d.Update(ctx, "properties", "missing", map[string]any{"a": 1}), errs.ErrNotFound)
}

func TestAssigningDocuments_EmbedsID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDocuments()

	id, err := d.Assigning().AddWithID(ctx, "properties", "id", model.Listing{Name: "Cabin"})
	require.NoError(t, err)

	snap, err := d.Get(ctx, "properties", id)
	require.NoError(t, err)
	var l model.Listing
	require.NoError(t, snap.DataTo(&l))
	require.Equal(t, id, l.ID)
	require.Equal(t, 1, d.Writes())
}

func TestDocuments_ArrayUnionIsAtomicUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDocuments()
	require.NoError(t, d.Set(ctx, "users", "u1", model.Profile{ID: "u1", TripLocations: []string{""}}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "a"
			if i%2 == 1 {
				id = "b"
			}
			assert.NoError(t, d.ArrayUnion(ctx, "users", "u1", "tripLocations", id))
		}(i)
	}
	wg.Wait()

	snap, err := d.Get(ctx, "users", "u1")
	require.NoError(t, err)
	var p model.Profile
	require.NoError(t, snap.DataTo(&p))
	require.ElementsMatch(t, []string{"", "a", "b"}, p.TripLocations)

	require.NoError(t, d.ArrayRemove(ctx, "users", "u1", "tripLocations", "", "b"))
	snap, _ = d.Get(ctx, "users", "u1")
	require.NoError(t, snap.DataTo(&p))
	require.Equal(t, []string{"a"}, p.TripLocations)
}

func TestDocuments_ListenDeliversAndUnsubscribesOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDocuments()

	var got [][]backend.Snapshot
	unsub, err := d.Listen(ctx, "properties", func(s []backend.Snapshot) { got = append(got, s) }, nil)
	require.NoError(t, err)
	require.Equal(t, 1, d.Listeners("properties"))

	_, err = d.Add(ctx, "properties", model.Listing{Name: "A"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Empty(t, got[0])
	require.Len(t, got[1], 1)

	unsub()
	unsub()
	cancel()
	require.Equal(t, 0, d.Listeners("properties"))
	require.Equal(t, 1, d.Unsubscribes())

	_, err = d.Add(context.Background(), "properties", model.Listing{Name: "B"})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestDocuments_ListenStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDocuments()

	_, err := d.Listen(ctx, "properties", func([]backend.Snapshot) {}, nil)
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool { return d.Listeners("properties") == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, d.Unsubscribes())
}

func TestDocuments_FailTimes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDocuments()
	boom := errors.New("boom")

	d.FailTimes(OpAdd, boom, 1)
	_, err := d.Add(ctx, "properties", model.Listing{})
	require.ErrorIs(t, err, boom)
	_, err = d.Add(ctx, "properties", model.Listing{})
	require.NoError(t, err)

	d.FailOn(OpListen, boom)
	_, err = d.Listen(ctx, "properties", func([]backend.Snapshot) {}, nil)
	require.ErrorIs(t, err, boom)
	d.FailOn(OpListen, nil)
	_, err = d.Listen(ctx, "properties", func([]backend.Snapshot) {}, nil)
	require.NoError(t, err)
}

func TestIdentity_SignUpSignInFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	id := NewIdentity(WithClock(func() time.Time { return created }))

	var seen []*model.Principal
	unsub := id.Subscribe(func(p *model.Principal) { seen = append(seen, p) })
	defer unsub()

	p, err := id.SignUp(ctx, "x@y.com", "pw")
	require.NoError(t, err)
	require.NotEmpty(t, p.UID)
	require.Equal(t, created, p.CreatedAt)
	require.NotEmpty(t, id.Token())

	_, err = id.SignUp(ctx, "X@y.com", "pw")
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthEmailInUse})

	require.NoError(t, id.SignOut(ctx))
	require.NoError(t, id.SignOut(ctx))
	require.Nil(t, id.Current())

	_, err = id.SignIn(ctx, "not-an-email", "pw")
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthInvalidEmail})
	_, err = id.SignIn(ctx, "x@y.com", "bad")
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthInvalidCredentials})
	_, err = id.SignIn(ctx, "nobody@y.com", "pw")
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthInvalidCredentials})

	again, err := id.SignIn(ctx, "x@y.com", "pw")
	require.NoError(t, err)
	require.Equal(t, p.UID, again.UID)

	require.Len(t, seen, 4) // nil, signup, signout, signin
	require.Nil(t, seen[0])
	require.Equal(t, p.UID, seen[1].UID)
	require.Nil(t, seen[2])

	id.Disable("x@y.com")
	_, err = id.SignIn(ctx, "x@y.com", "pw")
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthUserDisabled})
}

func TestIdentity_DeleteCurrentAndRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	id := NewIdentity()

	err := id.DeleteCurrent(ctx)
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthUnknown})

	p, err := id.SignUp(ctx, "a@b.io", "pw")
	require.NoError(t, err)
	tok := id.Token()

	require.NoError(t, id.SignOut(ctx))
	_, err = id.Restore(ctx, tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = id.SignIn(ctx, "a@b.io", "pw")
	require.NoError(t, err)
	tok = id.Token()
	restored, err := id.Restore(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, p.UID, restored.UID)

	require.NoError(t, id.DeleteCurrent(ctx))
	require.Nil(t, id.Current())
	_, err = id.SignIn(ctx, "a@b.io", "pw")
	require.ErrorIs(t, err, &errs.AuthError{Kind: errs.AuthInvalidCredentials})
}

func TestIdentity_RateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	id := NewIdentity(WithLimiter(limiter.NewLocal(time.Minute, 2, time.Minute), "test"))

	_, err := id.SignUp(ctx, "a@b.io", "pw")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = id.SignIn(ctx, "a@b.io", "bad")
		require.Error(t, err)
	}
	_, err = id.SignIn(ctx, "a@b.io", "pw")
	require.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestBlobs_PutURLOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBlobs("http://localhost:8080/")

	_, err := b.DownloadURL(ctx, "images/u1/a.png")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, b.Put(ctx, "images/u1/a.png", "image/png", strings.NewReader("png")))
	url, err := b.DownloadURL(ctx, "images/u1/a.png")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/blobs/images/u1/a.png", url)

	ct, rc, err := b.Open(ctx, "images/u1/a.png")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	require.Equal(t, "image/png", ct)
	require.Equal(t, "png", string(data))
}
