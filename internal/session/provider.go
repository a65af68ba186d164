// Package session turns the identity backend into a stream of profile-backed
// sessions and wraps the imperative sign-in, sign-up, sign-out and delete calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/model"
)

// Provider owns the session state reported by the identity backend.
type Provider struct {
	identity backend.Identity
	docs     backend.Documents
	log      *zap.Logger

	timeout  time.Duration
	attempts int
	backoff  time.Duration

	mu      sync.Mutex
	streams map[int]*mailbox
	next    int
}

// Option configures a Provider.
type Option func(*Provider)

// WithCallTimeout bounds every backend call made by the provider.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithLookupRetry sets how many times the profile lookup is tried and the first backoff.
func WithLookupRetry(attempts int, initial time.Duration) Option {
	return func(p *Provider) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.backoff = initial
	}
}

// New creates a Provider over identity and the users collection of docs.
func New(identity backend.Identity, docs backend.Documents, log *zap.Logger, opts ...Option) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		identity: identity,
		docs:     docs,
		log:      log,
		timeout:  10 * time.Second,
		attempts: 3,
		backoff:  100 * time.Millisecond,
		streams:  make(map[int]*mailbox),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Sessions subscribes to authentication changes and emits one event per change,
// resolved against the users/{uid} profile. Changes that arrive while a lookup is
// in flight are coalesced to the latest one.
//
// The channel is closed and the backend subscription released when ctx is done.
func (p *Provider) Sessions(ctx context.Context) <-chan model.SessionEvent {
	out := make(chan model.SessionEvent)
	mb := newMailbox()

	p.mu.Lock()
	id := p.next
	p.next++
	p.streams[id] = mb
	p.mu.Unlock()

	unsubscribe := p.identity.Subscribe(mb.post)

	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			delete(p.streams, id)
			p.mu.Unlock()
			unsubscribe()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-mb.ready:
			}
			ev := p.resolve(ctx, mb.take())
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// CurrentSubjectID returns the signed-in uid or "".
func (p *Provider) CurrentSubjectID() string {
	if cur := p.identity.Current(); cur != nil {
		return cur.UID
	}
	return ""
}

// HasSession reports whether a principal is signed in.
func (p *Provider) HasSession() bool { return p.identity.Current() != nil }

// Identity exposes the underlying backend, e.g. for session persistence.
func (p *Provider) Identity() backend.Identity { return p.identity }

func (p *Provider) SignIn(ctx context.Context, email, password string) (model.Principal, error) {
	ctx, cancel := backend.WithTimeout(ctx, p.timeout)
	defer cancel()
	pr, err := p.identity.SignIn(ctx, email, password)
	if err != nil {
		return model.Principal{}, err
	}
	p.log.Info("signed in", zap.String("uid", pr.UID))
	return pr, nil
}

// SignUp creates the identity and its default profile. A failed profile write is
// logged and does not undo the identity.
func (p *Provider) SignUp(ctx context.Context, email, password string) (model.Principal, error) {
	cctx, cancel := backend.WithTimeout(ctx, p.timeout)
	pr, err := p.identity.SignUp(cctx, email, password)
	cancel()
	if err != nil {
		return model.Principal{}, err
	}
	p.log.Info("signed up", zap.String("uid", pr.UID))

	cctx, cancel = backend.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.docs.Set(cctx, backend.CollectionUsers, pr.UID, model.NewProfile(pr)); err != nil {
		p.log.Error("create profile failed", zap.String("uid", pr.UID), zap.Error(err))
		return pr, nil
	}
	// streams may have looked the profile up before it existed
	p.refresh()
	return pr, nil
}

// SignOut clears the local session. It never fails.
func (p *Provider) SignOut(ctx context.Context) error {
	ctx, cancel := backend.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.identity.SignOut(ctx); err != nil {
		p.log.Warn("sign out", zap.Error(err))
	}
	return nil
}

// DeleteAccount deletes the signed-in identity. The profile record is left in place.
func (p *Provider) DeleteAccount(ctx context.Context) error {
	uid := p.CurrentSubjectID()
	ctx, cancel := backend.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.identity.DeleteCurrent(ctx); err != nil {
		if _, ok := errs.AsAuthError(err); ok {
			return err
		}
		return errs.NewAuthError(errs.AuthUnknown, err)
	}
	p.log.Info("account deleted", zap.String("uid", uid))
	return nil
}

// Profile loads the profile of uid with the provider's retry policy.
func (p *Provider) Profile(ctx context.Context, uid string) (model.Profile, error) {
	var prof model.Profile
	op := func() error {
		cctx, cancel := backend.WithTimeout(ctx, p.timeout)
		defer cancel()
		snap, err := p.docs.Get(cctx, backend.CollectionUsers, uid)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		prof = model.Profile{}
		if err := snap.DataTo(&prof); err != nil {
			return backoff.Permanent(fmt.Errorf("decode profile %s: %w", uid, err))
		}
		if prof.ID == "" {
			prof.ID = snap.ID
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn("profile lookup retry", zap.String("uid", uid), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, p.policy(ctx), notify); err != nil {
		return model.Profile{}, err
	}
	return prof, nil
}

func (p *Provider) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.backoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts-1)), ctx)
}

func (p *Provider) resolve(ctx context.Context, pr *model.Principal) model.SessionEvent {
	if pr == nil {
		return model.SessionEvent{}
	}
	prof, err := p.Profile(ctx, pr.UID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error("profile lookup failed", zap.String("uid", pr.UID), zap.Error(err))
		}
		return model.SessionEvent{Principal: pr, Err: err}
	}
	s := prof.Session()
	return model.SessionEvent{Principal: pr, Session: &s, Profile: &prof}
}

// refresh re-posts the current principal to every open stream.
func (p *Provider) refresh() {
	cur := p.identity.Current()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mb := range p.streams {
		mb.post(cur)
	}
}

// mailbox keeps only the latest principal and signals that one is waiting.
type mailbox struct {
	mu     sync.Mutex
	latest *model.Principal
	ready  chan struct{}
}

func newMailbox() *mailbox { return &mailbox{ready: make(chan struct{}, 1)} }

func (m *mailbox) post(p *model.Principal) {
	m.mu.Lock()
	m.latest = p
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() *model.Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}
