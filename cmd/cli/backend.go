package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/backend/firebase"
	"github.com/kevschoo/staybook/internal/backend/memory"
	"github.com/kevschoo/staybook/internal/backend/postgres"
	"github.com/kevschoo/staybook/internal/config"
	"github.com/kevschoo/staybook/internal/limiter"
	"github.com/kevschoo/staybook/internal/secrets"
)

// stack is one backend's implementation of every contract.
type stack struct {
	identity backend.Identity
	docs     backend.Documents
	blobs    backend.Blobs
	close    func() error
}

// sessions returns the identity as a resumable session store, if it is one.
func (s *stack) sessions() (backend.Sessions, bool) {
	ss, ok := s.identity.(backend.Sessions)
	return ss, ok
}

func clientName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "staybook-cli"
	}
	return "staybook-cli@" + host
}

func newMemoryStack(cfg *config.Config) *stack {
	lim := limiter.NewLocal(cfg.SignInWindow, cfg.SignInMaxFails, cfg.SignInBlockFor)
	return &stack{
		identity: memory.NewIdentity(memory.WithLimiter(lim, clientName())),
		docs:     memory.NewDocuments().Assigning(),
		blobs:    memory.NewBlobs(cfg.BlobBaseURL),
		close:    func() error { return nil },
	}
}

// openStack connects the configured backend. Secret references are resolved
// through Secret Manager only when the plain value is missing.
func openStack(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendMemory:
		return newMemoryStack(cfg), nil

	case config.BackendPostgres:
		key, err := secretValue(ctx, cfg, cfg.JWTKey, cfg.JWTKeySecret)
		if err != nil {
			return nil, fmt.Errorf("jwt key: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		db := postgres.FromPool(pool)
		lim := limiter.NewPG(pool, cfg.SignInWindow, cfg.SignInMaxFails, cfg.SignInBlockFor)
		return &stack{
			identity: postgres.NewIdentity(postgres.NewAccountRepo(db), []byte(key), cfg.AccessTTL, lim, clientName()),
			docs:     postgres.NewDocumentStore(db, log),
			blobs:    postgres.NewBlobStore(db, cfg.BlobBaseURL),
			close:    func() error { db.Close(); return nil },
		}, nil

	case config.BackendFirebase:
		apiKey, err := secretValue(ctx, cfg, cfg.FirebaseAPIKey, cfg.FirebaseAPIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("firebase api key: %w", err)
		}
		fb, err := firebase.Open(ctx, firebase.Config{
			ProjectID:       cfg.FirebaseProjectID,
			APIKey:          apiKey,
			CredentialsFile: cfg.CredentialsFile,
			Bucket:          cfg.Bucket,
		}, log)
		if err != nil {
			return nil, err
		}
		return &stack{
			identity: fb.Identity,
			docs:     fb.Documents,
			blobs:    fb.Blobs,
			close:    fb.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func secretValue(ctx context.Context, cfg *config.Config, plain, ref string) (string, error) {
	if plain != "" {
		return plain, nil
	}
	if ref == "" {
		return "", errors.New("not configured")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	r, closeFn, err := secrets.Dial(ctx, cfg.FirebaseProjectID, opts...)
	if err != nil {
		return "", err
	}
	defer func() { _ = closeFn() }()
	return r.Value(ctx, plain, ref)
}
