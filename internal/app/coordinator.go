// Package app holds the coordinator: the single owner of the state the
// presentation layer observes, composed from the session provider and the
// catalog store.
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/metrics"
	"github.com/kevschoo/staybook/internal/model"
)

// Messages placed in State.LastError for failures that are not AuthErrors.
const (
	MsgUnexpected    = "An unexpected error occurred. Please try again later."
	MsgProfileLookup = "Your profile could not be loaded. Please try again later."
)

// SessionSource is the session provider as seen by the coordinator.
type SessionSource interface {
	Sessions(ctx context.Context) <-chan model.SessionEvent
	CurrentSubjectID() string
	SignIn(ctx context.Context, email, password string) (model.Principal, error)
	SignUp(ctx context.Context, email, password string) (model.Principal, error)
	SignOut(ctx context.Context) error
	DeleteAccount(ctx context.Context) error
}

// Catalog is the catalog and trip store as seen by the coordinator.
type Catalog interface {
	Listings(ctx context.Context) <-chan []model.Listing
	Listing(ctx context.Context, id string) (model.Listing, error)
	CreateListing(ctx context.Context, l model.Listing) (model.Listing, error)
	TripListings(ctx context.Context, profileID string) <-chan []model.Listing
	UploadImage(ctx context.Context, ownerID, fileName, contentType string, r io.Reader) (string, error)
	Profile(ctx context.Context, id string) (model.Profile, error)
	UpdateProfile(ctx context.Context, id, name, familyName string) error
	AddTrip(ctx context.Context, profileID, listingID string) error
	RemoveTrips(ctx context.Context, profileID string, values ...string) error
}

// State is a snapshot of everything the presentation layer observes.
// Values handed out are copies; mutating them does not affect the coordinator.
type State struct {
	Auth            model.AuthenticationState
	Profile         *model.Profile
	SelectedListing *model.Listing
	Trips           []model.Listing
	LastError       string
}

func (s State) clone() State {
	c := s
	if s.Profile != nil {
		p := s.Profile.Clone()
		c.Profile = &p
	}
	if s.SelectedListing != nil {
		l := *s.SelectedListing
		c.SelectedListing = &l
	}
	if s.Trips != nil {
		c.Trips = append([]model.Listing(nil), s.Trips...)
	}
	return c
}

// Coordinator owns State. All mutations go through its methods.
type Coordinator struct {
	sessions SessionSource
	catalog  Catalog
	log      *zap.Logger
	metrics  metrics.Recorder

	scope  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once

	mu         sync.Mutex
	state      State
	subs       map[int]chan State
	nextSub    int
	tripCancel context.CancelFunc
	tripGen    uint64
	closed     bool

	// readSeq tickets profile re-reads; profileSeq is the ticket of the
	// installed snapshot. Reads holding an older ticket are dropped.
	readSeq    uint64
	profileSeq uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics reports coordinator operations to r.
func WithMetrics(r metrics.Recorder) Option { return func(c *Coordinator) { c.metrics = r } }

// New creates a Coordinator. Call Start to follow the session stream.
func New(sessions SessionSource, catalog Catalog, log *zap.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		sessions: sessions,
		catalog:  catalog,
		log:      log,
		metrics:  metrics.Nop{},
		subs:     make(map[int]chan State),
	}
	c.scope, c.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start subscribes to the session stream. Everything the coordinator runs in the
// background stops when ctx is done or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.start.Do(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()

		stop := context.AfterFunc(ctx, c.cancel)
		events := c.sessions.Sessions(c.scope)
		go func() {
			defer c.wg.Done()
			defer stop()
			for ev := range events {
				c.applySession(ev)
			}
		}()
	})
}

// Close cancels the coordinator scope and waits for its goroutines.
// Subscriber channels are closed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe delivers the current state and then every change. Slow readers only
// see the latest state. The channel is closed when ctx is done or on Close.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state.clone()
	c.mu.Unlock()

	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	})
	return ch
}

// publishLocked pushes the state to every subscriber, replacing any unread value.
func (c *Coordinator) publishLocked() {
	s := c.state.clone()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.clone()
	}
}

func (c *Coordinator) applySession(ev model.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !ev.SignedIn():
		c.state.Auth = model.Unauthenticated
		c.clearLookupErrorLocked()
		c.installProfileLocked(nil)
	case ev.Err != nil:
		c.state.Auth = model.Authenticated
		c.state.LastError = MsgProfileLookup
		c.installProfileLocked(nil)
	default:
		c.state.Auth = model.Authenticated
		c.clearLookupErrorLocked()
		c.installProfileLocked(ev.Profile)
	}
	c.publishLocked()
}

// clearLookupErrorLocked drops a stale profile lookup message. Other
// messages belong to the last imperative call and stay.
func (c *Coordinator) clearLookupErrorLocked() {
	if c.state.LastError == MsgProfileLookup {
		c.state.LastError = ""
	}
}

// installProfileLocked installs a snapshot that does not come from a re-read.
// Re-reads started before it are outdated.
func (c *Coordinator) installProfileLocked(p *model.Profile) {
	c.readSeq++
	c.profileSeq = c.readSeq
	c.setProfileLocked(p)
}

// setProfileLocked replaces the profile snapshot and re-derives the trips from it,
// dropping whatever trip lookup was running for the previous snapshot.
func (c *Coordinator) setProfileLocked(p *model.Profile) {
	if c.tripCancel != nil {
		c.tripCancel()
		c.tripCancel = nil
	}
	c.tripGen++
	if p == nil {
		c.state.Profile = nil
		c.state.Trips = []model.Listing{}
		return
	}
	cp := p.Clone()
	c.state.Profile = &cp
	if c.closed || c.scope.Err() != nil {
		return
	}

	gen := c.tripGen
	ctx, cancel := context.WithCancel(c.scope)
	c.tripCancel = cancel
	trips := c.catalog.TripListings(ctx, cp.ID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ls := range trips {
			c.mu.Lock()
			if gen == c.tripGen {
				c.state.Trips = ls
				c.publishLocked()
			}
			c.mu.Unlock()
		}
	}()
}

// replaceProfile installs p if it still belongs to the signed-in profile and
// no read started later has been installed already.
func (c *Coordinator) replaceProfile(p model.Profile, ticket uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Profile == nil || c.state.Profile.ID != p.ID {
		return
	}
	if ticket < c.profileSeq {
		c.log.Debug("outdated profile read dropped", zap.String("profile", p.ID))
		return
	}
	c.profileSeq = ticket
	c.setProfileLocked(&p)
	c.publishLocked()
}

func (c *Coordinator) currentProfile() *model.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Profile == nil {
		return nil
	}
	p := c.state.Profile.Clone()
	return &p
}

// SignIn authenticates. Failures are also reflected in Auth and LastError.
func (c *Coordinator) SignIn(ctx context.Context, email, password string) error {
	_, err := c.sessions.SignIn(ctx, email, password)
	c.authResult("signIn", err)
	return err
}

// SignUp creates an account. Failures are also reflected in Auth and LastError.
func (c *Coordinator) SignUp(ctx context.Context, email, password string) error {
	_, err := c.sessions.SignUp(ctx, email, password)
	c.authResult("signUp", err)
	return err
}

func (c *Coordinator) authResult(op string, err error) {
	c.metrics.RecordOperation(op, metrics.Outcome(err))
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.state.LastError = ""
		c.publishLocked()
		return
	}
	if ae, ok := errs.AsAuthError(err); ok {
		c.log.Info(op+" rejected", zap.Stringer("kind", ae.Kind))
		c.state.Auth = model.InvalidAuthentication
		c.state.LastError = ae.Message()
	} else {
		c.log.Error(op+" failed", zap.Error(err))
		c.state.LastError = MsgUnexpected
	}
	c.publishLocked()
}

// SignOut signs out and clears the session state.
func (c *Coordinator) SignOut(ctx context.Context) error {
	err := c.sessions.SignOut(ctx)
	c.clearSession()
	return err
}

// DeleteAccount deletes the signed-in identity. On success the session state is cleared.
func (c *Coordinator) DeleteAccount(ctx context.Context) error {
	err := c.sessions.DeleteAccount(ctx)
	c.metrics.RecordOperation("deleteAccount", metrics.Outcome(err))
	if err != nil {
		c.log.Error("delete account", zap.Error(err))
		return err
	}
	c.clearSession()
	return nil
}

func (c *Coordinator) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Auth = model.Unauthenticated
	c.state.SelectedListing = nil
	c.clearLookupErrorLocked()
	c.installProfileLocked(nil)
	c.publishLocked()
}

// ReserveListing adds listingID to the current profile's trips.
//
// It returns false without writing when there is no profile (errs.ErrNoProfile)
// or the listing is already reserved (errs.ErrAlreadyReserved). After a
// successful write the profile is re-fetched so Trips catch up immediately.
func (c *Coordinator) ReserveListing(ctx context.Context, listingID string) (bool, error) {
	p := c.currentProfile()
	if p == nil {
		c.metrics.RecordOperation("reserve", metrics.OutcomeSkipped)
		return false, errs.ErrNoProfile
	}
	if p.HasTrip(listingID) {
		c.metrics.RecordOperation("reserve", metrics.OutcomeSkipped)
		return false, errs.ErrAlreadyReserved
	}
	start := time.Now()
	err := c.catalog.AddTrip(ctx, p.ID, listingID)
	c.metrics.RecordOperation("reserve", metrics.Outcome(err))
	c.metrics.RecordLatency("reserve", time.Since(start))
	if err != nil {
		c.log.Error("reserve listing", zap.String("listing", listingID), zap.Error(err))
		return false, err
	}
	c.refetchProfile(ctx, p.ID)
	return true, nil
}

// SelectListing sets or clears (nil) the selected listing.
func (c *Coordinator) SelectListing(l *model.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		c.state.SelectedListing = nil
	} else {
		cp := *l
		c.state.SelectedListing = &cp
	}
	c.publishLocked()
}

// SelectListingByID loads a listing and selects it.
func (c *Coordinator) SelectListingByID(ctx context.Context, id string) (model.Listing, error) {
	l, err := c.catalog.Listing(ctx, id)
	if err != nil {
		return model.Listing{}, err
	}
	c.SelectListing(&l)
	return l, nil
}

// UpdateProfile writes the name fields and then re-fetches the whole profile.
// On a failed write the cached profile is left untouched.
func (c *Coordinator) UpdateProfile(ctx context.Context, name, familyName string) error {
	p := c.currentProfile()
	if p == nil {
		return errs.ErrNoProfile
	}
	if err := c.catalog.UpdateProfile(ctx, p.ID, name, familyName); err != nil {
		c.log.Error("update profile", zap.String("profile", p.ID), zap.Error(err))
		return err
	}
	c.refetchProfile(ctx, p.ID)
	return nil
}

// CleanUpTrips removes blank entries from the current profile's trips.
func (c *Coordinator) CleanUpTrips(ctx context.Context) error {
	p := c.currentProfile()
	if p == nil {
		return errs.ErrNoProfile
	}
	blanks := p.BlankTrips()
	if len(blanks) == 0 {
		return nil
	}
	if err := c.catalog.RemoveTrips(ctx, p.ID, blanks...); err != nil {
		c.log.Error("clean up trips", zap.String("profile", p.ID), zap.Error(err))
		return err
	}
	c.refetchProfile(ctx, p.ID)
	return nil
}

// refetchProfile replaces the cached profile with a fresh read. A failed read
// keeps the cached one; the preceding write already succeeded.
func (c *Coordinator) refetchProfile(ctx context.Context, id string) {
	c.mu.Lock()
	c.readSeq++
	ticket := c.readSeq
	c.mu.Unlock()

	p, err := c.catalog.Profile(ctx, id)
	if err != nil {
		c.log.Warn("refetch profile", zap.String("profile", id), zap.Error(err))
		return
	}
	c.replaceProfile(p, ticket)
}

// UploadImage uploads an image owned by the signed-in user and returns its URL.
func (c *Coordinator) UploadImage(ctx context.Context, fileName, contentType string, r io.Reader) (string, error) {
	owner := c.sessions.CurrentSubjectID()
	if owner == "" {
		return "", errs.ErrNoSession
	}
	return c.catalog.UploadImage(ctx, owner, fileName, contentType, r)
}

// CreateListing persists a new listing. See catalog.Store.CreateListing for the
// partial-write case.
func (c *Coordinator) CreateListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	created, err := c.catalog.CreateListing(ctx, l)
	var pw *errs.PartialWriteError
	if errors.As(err, &pw) {
		c.log.Warn("listing persisted without id", zap.String("listing", pw.ID))
	}
	return created, err
}

// Listings streams the listing set for the lifetime of ctx.
func (c *Coordinator) Listings(ctx context.Context) <-chan []model.Listing {
	return c.catalog.Listings(ctx)
}
