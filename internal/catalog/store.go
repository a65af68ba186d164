// Package catalog reads and writes listings, trips, profiles and images
// through the backend document and blob stores.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/metrics"
	"github.com/kevschoo/staybook/internal/model"
)

const (
	fieldID            = "id"
	fieldName          = "name"
	fieldFamilyName    = "familyName"
	fieldTripLocations = "tripLocations"
)

// Store is the catalog and trip store.
type Store struct {
	docs    backend.Documents
	blobs   backend.Blobs
	log     *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time

	timeout    time.Duration
	fetchLimit int
	idAttempts int
	idBackoff  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithCallTimeout bounds every backend call.
func WithCallTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

// WithFetchLimit caps concurrent listing reads in TripListings.
func WithFetchLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fetchLimit = n
		}
	}
}

// WithIDRetry sets the retry policy of the id write-back of a two-phase create.
func WithIDRetry(attempts int, initial time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.idAttempts = attempts
		}
		s.idBackoff = initial
	}
}

// WithMetrics reports operations to r.
func WithMetrics(r metrics.Recorder) Option { return func(s *Store) { s.metrics = r } }

// WithClock overrides the image timestamp clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a Store.
func New(docs backend.Documents, blobs backend.Blobs, log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		docs:       docs,
		blobs:      blobs,
		log:        log,
		metrics:    metrics.Nop{},
		now:        time.Now,
		timeout:    10 * time.Second,
		fetchLimit: 8,
		idAttempts: 3,
		idBackoff:  200 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listings streams the full listing set, once on start and again after every change.
// If the listener cannot be registered or fails later, the failure is logged and
// the channel is closed.
func (s *Store) Listings(ctx context.Context) <-chan []model.Listing {
	out := make(chan []model.Listing)
	box := newLatest[[]model.Listing]()
	failed := make(chan struct{})
	var failOnce sync.Once

	onSnapshot := func(snaps []backend.Snapshot) { box.post(s.decodeListings(snaps)) }
	onError := func(err error) {
		s.log.Error("listings listener failed", zap.Error(err))
		failOnce.Do(func() { close(failed) })
	}

	unsubscribe, err := s.docs.Listen(ctx, backend.CollectionProperties, onSnapshot, onError)
	if err != nil {
		s.log.Error("listen listings", zap.Error(err))
		s.metrics.RecordOperation("listenListings", metrics.OutcomeError)
		close(out)
		return out
	}
	s.metrics.ListenerOpened("listings")

	go func() {
		defer close(out)
		defer func() {
			unsubscribe()
			s.metrics.ListenerClosed("listings")
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-failed:
				return
			case <-box.ready:
			}
			select {
			case out <- box.take():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Listing loads one listing.
func (s *Store) Listing(ctx context.Context, id string) (model.Listing, error) {
	ctx, cancel := backend.WithTimeout(ctx, s.timeout)
	defer cancel()
	snap, err := s.docs.Get(ctx, backend.CollectionProperties, id)
	if err != nil {
		return model.Listing{}, fmt.Errorf("get listing %s: %w", id, err)
	}
	return decodeListing(snap)
}

// CreateListing persists l under a store-assigned id and returns it with ID set.
//
// Stores implementing backend.IDAssigner write the id with the record. Otherwise
// the record is added first and its id field patched afterwards; if the patch keeps
// failing the record stays behind and a *errs.PartialWriteError carries its id.
func (s *Store) CreateListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	start := time.Now()
	l.ID = ""
	id, err := s.createListing(ctx, l)
	s.observe("createListing", start, err)
	if err != nil {
		s.log.Error("create listing", zap.String("listing", id), zap.Error(err))
		return model.Listing{}, err
	}
	l.ID = id
	s.log.Info("listing created", zap.String("listing", id))
	return l, nil
}

func (s *Store) createListing(ctx context.Context, l model.Listing) (string, error) {
	if a, ok := s.docs.(backend.IDAssigner); ok {
		cctx, cancel := backend.WithTimeout(ctx, s.timeout)
		defer cancel()
		id, err := a.AddWithID(cctx, backend.CollectionProperties, fieldID, l)
		if err != nil {
			return "", fmt.Errorf("add listing: %w", err)
		}
		return id, nil
	}

	cctx, cancel := backend.WithTimeout(ctx, s.timeout)
	id, err := s.docs.Add(cctx, backend.CollectionProperties, l)
	cancel()
	if err != nil {
		return "", fmt.Errorf("add listing: %w", err)
	}
	if err := s.AssignListingID(ctx, id); err != nil {
		return id, &errs.PartialWriteError{Collection: backend.CollectionProperties, ID: id, Err: err}
	}
	return id, nil
}

// AssignListingID writes id into the id field of the listing stored under id.
// Transient failures are retried; writing the same id again is harmless.
func (s *Store) AssignListingID(ctx context.Context, id string) error {
	op := func() error {
		cctx, cancel := backend.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := s.docs.Update(cctx, backend.CollectionProperties, id, map[string]any{fieldID: id})
		if errors.Is(err, errs.ErrNotFound) || (err != nil && ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("listing id write-back retry", zap.String("listing", id), zap.Duration("wait", wait), zap.Error(err))
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.idBackoff
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.idAttempts-1)), ctx), notify)
}

// TripListings resolves the trips of profileID once. The channel carries at most
// one value and is closed afterwards. Trip entries that do not resolve are dropped;
// if the profile itself cannot be read nothing is sent.
func (s *Store) TripListings(ctx context.Context, profileID string) <-chan []model.Listing {
	out := make(chan []model.Listing, 1)
	go func() {
		defer close(out)
		prof, err := s.Profile(ctx, profileID)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("trip listings: profile lookup", zap.String("profile", profileID), zap.Error(err))
			}
			return
		}
		ls := s.fetchListings(ctx, prof.ValidTrips())
		if ctx.Err() != nil {
			return
		}
		out <- ls
	}()
	return out
}

func (s *Store) fetchListings(ctx context.Context, ids []string) []model.Listing {
	found := make([]*model.Listing, len(ids))
	var g errgroup.Group
	g.SetLimit(s.fetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			l, err := s.Listing(ctx, id)
			if err != nil {
				s.log.Warn("trip listing unresolved", zap.String("listing", id), zap.Error(err))
				return nil
			}
			found[i] = &l
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Listing, 0, len(ids))
	for _, l := range found {
		if l != nil {
			out = append(out, *l)
		}
	}
	if dropped := len(ids) - len(out); dropped > 0 {
		s.log.Warn("partial trip result", zap.Int("requested", len(ids)), zap.Int("dropped", dropped))
		s.metrics.RecordPartialResult(dropped)
	}
	return out
}

// Profile loads the profile stored under id.
func (s *Store) Profile(ctx context.Context, id string) (model.Profile, error) {
	ctx, cancel := backend.WithTimeout(ctx, s.timeout)
	defer cancel()
	snap, err := s.docs.Get(ctx, backend.CollectionUsers, id)
	if err != nil {
		return model.Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	var p model.Profile
	if err := snap.DataTo(&p); err != nil {
		return model.Profile{}, fmt.Errorf("decode profile %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = snap.ID
	}
	return p, nil
}

// UpdateProfile overwrites the name fields of the profile.
func (s *Store) UpdateProfile(ctx context.Context, id, name, familyName string) error {
	start := time.Now()
	cctx, cancel := backend.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.docs.Update(cctx, backend.CollectionUsers, id, map[string]any{
		fieldName:       name,
		fieldFamilyName: familyName,
	})
	s.observe("updateProfile", start, err)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	return nil
}

// AddTrip appends listingID to the profile's trips with the backend's atomic
// array union; an id already present is left as is.
func (s *Store) AddTrip(ctx context.Context, profileID, listingID string) error {
	if model.IsBlank(listingID) {
		return errors.New("add trip: empty listing id")
	}
	start := time.Now()
	cctx, cancel := backend.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.docs.ArrayUnion(cctx, backend.CollectionUsers, profileID, fieldTripLocations, listingID)
	s.observe("addTrip", start, err)
	if err != nil {
		return fmt.Errorf("add trip %s to %s: %w", listingID, profileID, err)
	}
	return nil
}

// RemoveTrips removes every occurrence of values from the profile's trips.
func (s *Store) RemoveTrips(ctx context.Context, profileID string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	start := time.Now()
	cctx, cancel := backend.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.docs.ArrayRemove(cctx, backend.CollectionUsers, profileID, fieldTripLocations, values...)
	s.observe("removeTrips", start, err)
	if err != nil {
		return fmt.Errorf("remove trips from %s: %w", profileID, err)
	}
	return nil
}

// ImagePath is the blob path of an uploaded image.
func ImagePath(ownerID, fileName string) string {
	return "images/" + ownerID + "/" + fileName
}

// UploadImage stores r under images/{owner}/{file} and records its URL in the
// owner's image collection. Each call adds a new image entry.
func (s *Store) UploadImage(ctx context.Context, ownerID, fileName, contentType string, r io.Reader) (string, error) {
	if model.IsBlank(ownerID) {
		return "", errors.New("upload image: empty owner")
	}
	if model.IsBlank(fileName) || strings.ContainsAny(fileName, "/\\") {
		return "", fmt.Errorf("upload image: invalid file name %q", fileName)
	}
	start := time.Now()
	url, err := s.uploadImage(ctx, ownerID, fileName, contentType, r)
	s.observe("uploadImage", start, err)
	if err != nil {
		s.log.Error("upload image", zap.String("owner", ownerID), zap.String("file", fileName), zap.Error(err))
		return "", err
	}
	return url, nil
}

func (s *Store) uploadImage(ctx context.Context, ownerID, fileName, contentType string, r io.Reader) (string, error) {
	path := ImagePath(ownerID, fileName)
	ctx, cancel := backend.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.blobs.Put(ctx, path, contentType, r); err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	url, err := s.blobs.DownloadURL(ctx, path)
	if err != nil {
		return "", fmt.Errorf("download url %s: %w", path, err)
	}
	img := model.Image{URL: url, CreatedAt: s.now().UTC()}
	if _, err := s.docs.Add(ctx, backend.ImagesCollection(ownerID), img); err != nil {
		return "", fmt.Errorf("record image %s: %w", path, err)
	}
	return url, nil
}

func (s *Store) decodeListings(snaps []backend.Snapshot) []model.Listing {
	out := make([]model.Listing, 0, len(snaps))
	for _, snap := range snaps {
		l, err := decodeListing(snap)
		if err != nil {
			s.log.Warn("skip undecodable listing", zap.String("listing", snap.ID), zap.Error(err))
			continue
		}
		out = append(out, l)
	}
	return out
}

// decodeListing fills an id left empty by an incomplete create from the record key.
func decodeListing(snap backend.Snapshot) (model.Listing, error) {
	var l model.Listing
	if err := snap.DataTo(&l); err != nil {
		return model.Listing{}, fmt.Errorf("decode listing %s: %w", snap.ID, err)
	}
	if l.ID == "" {
		l.ID = snap.ID
	}
	return l, nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.RecordOperation(op, metrics.Outcome(err))
	s.metrics.RecordLatency(op, time.Since(start))
}

// latest holds the most recent value and signals that one is waiting.
type latest[T any] struct {
	mu    sync.Mutex
	v     T
	ready chan struct{}
}

func newLatest[T any]() *latest[T] { return &latest[T]{ready: make(chan struct{}, 1)} }

func (l *latest[T]) post(v T) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest[T]) take() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}
