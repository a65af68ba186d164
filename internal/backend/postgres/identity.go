package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/crypto"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/limiter"
	"github.com/kevschoo/staybook/internal/model"
)

// Identity implements backend.Identity and backend.Sessions over the identities table.
// Sessions are HS256 JWTs whose subject is the account id.
type Identity struct {
	backend.AuthState

	accounts  AccountRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	client    []byte
	now       func() time.Time

	mu    sync.Mutex
	token string
}

// NewIdentity constructs the identity service. client identifies this process for rate limiting.
func NewIdentity(accounts AccountRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter, client string) *Identity {
	return &Identity{
		accounts:  accounts,
		signKey:   signKey,
		accessTTL: accessTTL,
		lim:       lim,
		client:    limiter.HashClient(client),
		now:       time.Now,
	}
}

// SignUp creates a new account and signs it in.
func (s *Identity) SignUp(ctx context.Context, email, password string) (model.Principal, error) {
	key, err := backend.CheckEmail(email)
	if err != nil {
		return model.Principal{}, err
	}
	if password == "" {
		return model.Principal{}, errs.NewAuthError(errs.AuthInvalidCredentials, errors.New("empty password"))
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return model.Principal{}, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return model.Principal{}, err
	}

	acc := &Account{ID: uid.String(), Email: key, PwdHash: hash}
	if err := s.accounts.Create(ctx, acc); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return model.Principal{}, errs.NewAuthError(errs.AuthEmailInUse, err)
		}
		return model.Principal{}, err
	}
	return s.signedIn(acc, strings.TrimSpace(email))
}

// SignIn authenticates with rate limiting by (email, client).
func (s *Identity) SignIn(ctx context.Context, email, password string) (model.Principal, error) {
	key, err := backend.CheckEmail(email)
	if err != nil {
		return model.Principal{}, err
	}

	allowed, retry, err := s.lim.Allow(ctx, key, s.client)
	if err != nil {
		return model.Principal{}, err
	}
	if !allowed {
		return model.Principal{}, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
	}

	acc, err := s.accounts.GetByEmail(ctx, key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Principal{}, err
	}
	ok := false
	if acc != nil {
		if ok, err = crypto.VerifyPassword(password, acc.PwdHash); err != nil {
			return model.Principal{}, err
		}
	}
	if !ok {
		if blocked, _, ferr := s.lim.Failure(ctx, key, s.client); ferr == nil && blocked {
			return model.Principal{}, errs.ErrRateLimited
		}
		// unknown email and wrong password are indistinguishable
		return model.Principal{}, errs.NewAuthError(errs.AuthInvalidCredentials, errs.ErrUnauthorized)
	}
	if acc.Disabled {
		return model.Principal{}, errs.NewAuthError(errs.AuthUserDisabled, nil)
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, key, s.client)
	return s.signedIn(acc, acc.Email)
}

// SignOut drops the local session. It never fails.
func (s *Identity) SignOut(context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	if s.Current() != nil {
		s.Set(nil)
	}
	return nil
}

// DeleteCurrent deletes the signed-in account. Profile documents are left in place.
func (s *Identity) DeleteCurrent(ctx context.Context) error {
	cur := s.Current()
	if cur == nil {
		return errs.NewAuthError(errs.AuthUnknown, errs.ErrNoSession)
	}
	if err := s.accounts.Delete(ctx, cur.UID); err != nil {
		return errs.NewAuthError(errs.AuthUnknown, err)
	}
	return s.SignOut(ctx)
}

// Token returns the signed session token or "".
func (s *Identity) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Restore validates token and signs its subject in again.
func (s *Identity) Restore(ctx context.Context, token string) (model.Principal, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.signKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	acc, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Principal{}, errs.ErrUnauthorized
		}
		return model.Principal{}, err
	}
	if acc.Disabled {
		return model.Principal{}, errs.ErrUnauthorized
	}

	p := principal(acc, acc.Email)
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.Set(&p)
	return p, nil
}

func (s *Identity) signedIn(acc *Account, email string) (model.Principal, error) {
	tok, err := s.issueAccessToken(acc.ID)
	if err != nil {
		return model.Principal{}, err
	}
	p := principal(acc, email)
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	s.Set(&p)
	return p, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *Identity) issueAccessToken(subject string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
}

func principal(acc *Account, email string) model.Principal {
	return model.Principal{UID: acc.ID, Email: email, CreatedAt: acc.CreatedAt.UTC()}
}
