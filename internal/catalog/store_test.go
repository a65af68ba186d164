package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/backend/memory"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/metrics"
	"github.com/kevschoo/staybook/internal/model"
)

type fakeRecorder struct {
	metrics.Nop
	mu      sync.Mutex
	ops     map[string]int
	dropped int
}

func (f *fakeRecorder) RecordOperation(op, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ops == nil {
		f.ops = map[string]int{}
	}
	f.ops[op+":"+outcome]++
}

func (f *fakeRecorder) RecordPartialResult(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped += n
}

func newStore(t *testing.T, docs backend.Documents, opts ...Option) (*Store, *memory.Blobs) {
	t.Helper()
	blobs := memory.NewBlobs("http://localhost:8080")
	opts = append([]Option{WithIDRetry(2, time.Millisecond), WithCallTimeout(time.Second)}, opts...)
	return New(docs, blobs, zaptest.NewLogger(t), opts...), blobs
}

func loft() model.Listing {
	return model.Listing{Name: "Loft", HostName: "Ann", RoomInfo: "2 rooms", Description: "bright", Rating: 4.5, Cost: 120}
}

func putProfile(t *testing.T, docs backend.Documents, p model.Profile) {
	t.Helper()
	require.NoError(t, docs.Set(context.Background(), backend.CollectionUsers, p.ID, p))
}

func TestCreateListing_TwoPhase(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs)
	ctx := context.Background()

	in := loft()
	in.ID = "client-chosen"
	got, err := s.CreateListing(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
	require.NotEqual(t, "client-chosen", got.ID)
	require.Equal(t, 2, docs.Writes())

	stored, err := s.Listing(ctx, got.ID)
	require.NoError(t, err)
	require.Equal(t, got, stored)

	want := loft()
	stored.ID = ""
	require.Equal(t, want, stored)
}

func TestCreateListing_SingleWriteWhenStoreAssignsID(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs.Assigning())

	got, err := s.CreateListing(context.Background(), loft())
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
	require.Equal(t, 1, docs.Writes())

	snap, err := docs.Get(context.Background(), backend.CollectionProperties, got.ID)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, snap.DataTo(&raw))
	require.Equal(t, got.ID, raw["id"])
}

func TestCreateListing_RetriesIDWriteBack(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs)

	docs.FailTimes(memory.OpUpdate, errors.New("unavailable"), 1)
	got, err := s.CreateListing(context.Background(), loft())
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
}

func TestCreateListing_PartialWrite(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs)
	ctx := context.Background()

	docs.FailOn(memory.OpUpdate, errors.New("unavailable"))
	_, err := s.CreateListing(ctx, loft())
	var pw *errs.PartialWriteError
	require.ErrorAs(t, err, &pw)
	require.Equal(t, backend.CollectionProperties, pw.Collection)
	require.NotEmpty(t, pw.ID)

	// phase one stays persisted with an empty id field
	snap, err := docs.Get(ctx, backend.CollectionProperties, pw.ID)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, snap.DataTo(&raw))
	require.Equal(t, "", raw["id"])

	docs.FailOn(memory.OpUpdate, nil)
	require.NoError(t, s.AssignListingID(ctx, pw.ID))
	l, err := s.Listing(ctx, pw.ID)
	require.NoError(t, err)
	require.Equal(t, pw.ID, l.ID)

	require.ErrorIs(t, s.AssignListingID(ctx, "missing"), errs.ErrNotFound)
}

func TestCreateListing_FirstPhaseFailure(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	rec := &fakeRecorder{}
	s, _ := newStore(t, docs, WithMetrics(rec))

	docs.FailOn(memory.OpAdd, errors.New("denied"))
	_, err := s.CreateListing(context.Background(), loft())
	require.Error(t, err)
	var pw *errs.PartialWriteError
	require.False(t, errors.As(err, &pw))
	require.Zero(t, docs.Writes())
	require.Equal(t, 1, rec.ops["createListing:error"])
}

func TestTripListings_PartialResult(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	rec := &fakeRecorder{}
	s, _ := newStore(t, docs, WithMetrics(rec))
	ctx := context.Background()

	a := loft()
	a.ID = "a"
	require.NoError(t, docs.Set(ctx, backend.CollectionProperties, "a", a))
	putProfile(t, docs, model.Profile{ID: "u1", TripLocations: []string{"a", "", "b", "  "}})

	var got [][]model.Listing
	for ls := range s.TripListings(ctx, "u1") {
		got = append(got, ls)
	}
	require.Len(t, got, 1)
	require.Equal(t, []model.Listing{a}, got[0])
	require.Equal(t, 1, rec.dropped)
}

func TestTripListings_KeepsOrder(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs, WithFetchLimit(2))
	ctx := context.Background()

	ids := []string{"p5", "p1", "p4", "p2", "p3"}
	for _, id := range ids {
		l := loft()
		l.ID = id
		l.Name = "Listing " + id
		require.NoError(t, docs.Set(ctx, backend.CollectionProperties, id, l))
	}
	putProfile(t, docs, model.Profile{ID: "u1", TripLocations: append(ids, "p1")})

	ls := <-s.TripListings(ctx, "u1")
	got := make([]string, 0, len(ls))
	for _, l := range ls {
		got = append(got, l.ID)
	}
	require.Equal(t, ids, got)
}

func TestTripListings_NoEmissionWhenProfileMissing(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t, memory.NewDocuments())

	ls, ok := <-s.TripListings(context.Background(), "nobody")
	require.False(t, ok)
	require.Nil(t, ls)
}

func TestListings_StreamAndUnsubscribe(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs)
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Listings(ctx)
	require.Empty(t, <-ch)
	require.Equal(t, 1, docs.Listeners(backend.CollectionProperties))

	created, err := s.CreateListing(ctx, loft())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case ls := <-ch:
			return len(ls) == 1 && ls[0].ID == created.ID
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	for range ch {
	}
	require.Equal(t, 0, docs.Listeners(backend.CollectionProperties))
	require.Equal(t, 1, docs.Unsubscribes())
}

func TestListings_ListenFailureClosesWithoutEmission(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs)

	docs.FailOn(memory.OpListen, errors.New("permission denied"))
	_, ok := <-s.Listings(context.Background())
	require.False(t, ok)
	require.Zero(t, docs.Unsubscribes())
}

func TestUploadImage(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, blobs := newStore(t, docs, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	url, err := s.UploadImage(ctx, "u1", "pic.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/blobs/images/u1/pic.png", url)

	_, err = s.UploadImage(ctx, "u1", "pic.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	require.Equal(t, 1, blobs.Len())

	snaps, err := docs.Query(ctx, backend.ImagesCollection("u1"))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	var img model.Image
	require.NoError(t, snaps[0].DataTo(&img))
	require.Equal(t, url, img.URL)
	require.True(t, clock.Equal(img.CreatedAt))
}

func TestUploadImage_Failures(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, blobs := newStore(t, docs)
	ctx := context.Background()

	_, err := s.UploadImage(ctx, "u1", "../x.png", "image/png", strings.NewReader("x"))
	require.Error(t, err)
	_, err = s.UploadImage(ctx, "", "x.png", "image/png", strings.NewReader("x"))
	require.Error(t, err)

	blobs.FailTimes(memory.OpPut, errors.New("bucket gone"), 1)
	_, err = s.UploadImage(ctx, "u1", "x.png", "image/png", strings.NewReader("x"))
	require.Error(t, err)

	docs.FailTimes(memory.OpAdd, errors.New("denied"), 1)
	_, err = s.UploadImage(ctx, "u1", "x.png", "image/png", strings.NewReader("x"))
	require.Error(t, err)

	snaps, err := docs.Query(ctx, backend.ImagesCollection("u1"))
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestProfileMutations(t *testing.T) {
	t.Parallel()
	docs := memory.NewDocuments()
	s, _ := newStore(t, docs)
	ctx := context.Background()
	putProfile(t, docs, model.Profile{ID: "u1", Name: model.DefaultName, TripLocations: []string{"", "a", " "}})

	require.NoError(t, s.AddTrip(ctx, "u1", "b"))
	require.NoError(t, s.AddTrip(ctx, "u1", "b"))
	require.Error(t, s.AddTrip(ctx, "u1", " "))

	p, err := s.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"", "a", " ", "b"}, p.TripLocations)

	require.NoError(t, s.RemoveTrips(ctx, "u1", p.BlankTrips()...))
	require.NoError(t, s.RemoveTrips(ctx, "u1"))
	p, err = s.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, p.TripLocations)

	require.NoError(t, s.UpdateProfile(ctx, "u1", "Ann", "Lee"))
	p, err = s.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Ann", p.Name)
	require.Equal(t, "Lee", p.FamilyName)

	require.ErrorIs(t, s.UpdateProfile(ctx, "nobody", "A", "B"), errs.ErrNotFound)
	require.ErrorIs(t, s.AddTrip(ctx, "nobody", "a"), errs.ErrNotFound)
}
