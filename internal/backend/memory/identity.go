package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/crypto"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/limiter"
	"github.com/kevschoo/staybook/internal/model"
)

// Identity is an in-process backend.Identity with argon2id password hashes.
type Identity struct {
	backend.AuthState
	faults

	limiter limiter.Limiter
	client  []byte
	now     func() time.Time

	mu       sync.Mutex
	accounts map[string]*account // by normalized email
	tokens   map[string]string   // token -> uid
	token    string
}

type account struct {
	principal model.Principal
	hash      string
	disabled  bool
}

// IdentityOption configures an Identity.
type IdentityOption func(*Identity)

// WithLimiter throttles sign-in attempts for client.
func WithLimiter(l limiter.Limiter, client string) IdentityOption {
	return func(i *Identity) {
		i.limiter = l
		i.client = limiter.HashClient(client)
	}
}

// WithClock overrides the account creation clock.
func WithClock(now func() time.Time) IdentityOption {
	return func(i *Identity) { i.now = now }
}

// NewIdentity returns an identity store with no accounts.
func NewIdentity(opts ...IdentityOption) *Identity {
	i := &Identity{
		now:      time.Now,
		accounts: make(map[string]*account),
		tokens:   make(map[string]string),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Identity) SignUp(ctx context.Context, email, password string) (model.Principal, error) {
	if err := ctx.Err(); err != nil {
		return model.Principal{}, err
	}
	if err := i.check(OpSignUp); err != nil {
		return model.Principal{}, err
	}
	key, err := backend.CheckEmail(email)
	if err != nil {
		return model.Principal{}, err
	}
	if password == "" {
		return model.Principal{}, errs.NewAuthError(errs.AuthInvalidCredentials, fmt.Errorf("empty password"))
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return model.Principal{}, fmt.Errorf("hash password: %w", err)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return model.Principal{}, err
	}

	i.mu.Lock()
	if _, exists := i.accounts[key]; exists {
		i.mu.Unlock()
		return model.Principal{}, errs.NewAuthError(errs.AuthEmailInUse, errs.ErrAlreadyExists)
	}
	p := model.Principal{UID: uid.String(), Email: strings.TrimSpace(email), CreatedAt: i.now().UTC()}
	i.accounts[key] = &account{principal: p, hash: hash}
	i.mu.Unlock()

	i.signedIn(p)
	return p, nil
}

func (i *Identity) SignIn(ctx context.Context, email, password string) (model.Principal, error) {
	if err := ctx.Err(); err != nil {
		return model.Principal{}, err
	}
	if err := i.check(OpSignIn); err != nil {
		return model.Principal{}, err
	}
	key, err := backend.CheckEmail(email)
	if err != nil {
		return model.Principal{}, err
	}
	if i.limiter != nil {
		ok, retry, err := i.limiter.Allow(ctx, key, i.client)
		if err != nil {
			return model.Principal{}, err
		}
		if !ok {
			return model.Principal{}, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
		}
	}

	i.mu.Lock()
	acc, ok := i.accounts[key]
	i.mu.Unlock()
	if !ok {
		return model.Principal{}, i.failed(ctx, key, errs.ErrNotFound)
	}
	match, err := crypto.VerifyPassword(password, acc.hash)
	if err != nil {
		return model.Principal{}, err
	}
	if !match {
		return model.Principal{}, i.failed(ctx, key, errs.ErrUnauthorized)
	}
	if acc.disabled {
		return model.Principal{}, errs.NewAuthError(errs.AuthUserDisabled, nil)
	}
	if i.limiter != nil {
		_ = i.limiter.Success(ctx, key, i.client)
	}

	i.signedIn(acc.principal)
	return acc.principal, nil
}

func (i *Identity) failed(ctx context.Context, key string, cause error) error {
	if i.limiter != nil {
		_, _, _ = i.limiter.Failure(ctx, key, i.client)
	}
	return errs.NewAuthError(errs.AuthInvalidCredentials, cause)
}

func (i *Identity) SignOut(context.Context) error {
	i.mu.Lock()
	if i.token != "" {
		delete(i.tokens, i.token)
		i.token = ""
	}
	i.mu.Unlock()
	if i.Current() != nil {
		i.Set(nil)
	}
	return nil
}

func (i *Identity) DeleteCurrent(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.check(OpDelete); err != nil {
		return err
	}
	cur := i.Current()
	if cur == nil {
		return errs.NewAuthError(errs.AuthUnknown, errs.ErrNoSession)
	}
	i.mu.Lock()
	for k, acc := range i.accounts {
		if acc.principal.UID == cur.UID {
			delete(i.accounts, k)
		}
	}
	i.mu.Unlock()
	return i.SignOut(ctx)
}

// Token returns the opaque token of the current session.
func (i *Identity) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

// Restore resumes a session issued by this process.
func (i *Identity) Restore(ctx context.Context, token string) (model.Principal, error) {
	if err := ctx.Err(); err != nil {
		return model.Principal{}, err
	}
	i.mu.Lock()
	uid, ok := i.tokens[token]
	var p *model.Principal
	if ok {
		for _, acc := range i.accounts {
			if acc.principal.UID == uid && !acc.disabled {
				pp := acc.principal
				p = &pp
			}
		}
	}
	if p != nil {
		i.token = token
	}
	i.mu.Unlock()
	if p == nil {
		return model.Principal{}, errs.ErrUnauthorized
	}
	i.Set(p)
	return *p, nil
}

// Disable marks the account for email as disabled.
func (i *Identity) Disable(email string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if acc, ok := i.accounts[limiter.NormalizeEmail(email)]; ok {
		acc.disabled = true
	}
}

func (i *Identity) signedIn(p model.Principal) {
	tok, err := uuid.NewV4()
	i.mu.Lock()
	if i.token != "" {
		delete(i.tokens, i.token)
	}
	i.token = ""
	if err == nil {
		i.token = tok.String()
		i.tokens[i.token] = p.UID
	}
	i.mu.Unlock()
	i.Set(&p)
}
