package firebase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	fb "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/kevschoo/staybook/internal/backend/gcs"
)

// Config selects the Firebase project and its credentials.
type Config struct {
	ProjectID       string
	APIKey          string
	CredentialsFile string
	Bucket          string
}

// Backend bundles the Firebase-backed implementations of every backend contract.
type Backend struct {
	Identity  *Identity
	Documents *DocumentStore
	Blobs     *gcs.Store

	fs *firestore.Client
	st *storage.Client
}

// Open connects Firestore, Cloud Storage and Firebase Authentication.
// Application Default Credentials are used when no credentials file is set.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("firebase: project id is empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("firebase: web api key is empty")
	}

	var clientOpts []option.ClientOption
	if f := strings.TrimSpace(cfg.CredentialsFile); f != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(f))
		log.Info("using credentials file for firebase clients")
	} else {
		log.Info("using application default credentials")
	}

	fs, err := firestore.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient (project=%s): %w", projectID, err)
	}
	st, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	closeAll := func() {
		_ = st.Close()
		_ = fs.Close()
	}

	app, err := fb.NewApp(ctx, &fb.Config{ProjectID: projectID, StorageBucket: cfg.Bucket}, clientOpts...)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	admin, err := app.Auth(ctx)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	tk, err := NewToolkit(ctx, cfg.APIKey)
	if err != nil {
		closeAll()
		return nil, err
	}
	log.Info("firebase backend ready", zap.String("project", projectID), zap.String("bucket", cfg.Bucket))

	return &Backend{
		Identity:  NewIdentity(tk, admin, log),
		Documents: NewDocumentStore(fs, log),
		Blobs:     gcs.New(st, cfg.Bucket),
		fs:        fs,
		st:        st,
	}, nil
}

// Close releases the Firestore and Cloud Storage clients.
func (b *Backend) Close() error {
	return errors.Join(b.st.Close(), b.fs.Close())
}
