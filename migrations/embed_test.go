package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFS_HasOrderedGooseMigrations(t *testing.T) {
	t.Parallel()

	files, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.Equal(t, []string{"00001_identities.sql", "00002_documents.sql", "00003_blobs.sql"}, files)

	for _, f := range files {
		b, err := fs.ReadFile(FS, f)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(b), "-- +goose Up"), f)
		require.Contains(t, string(b), "-- +goose Down", f)
	}

	b, _ := fs.ReadFile(FS, "00002_documents.sql")
	require.Contains(t, string(b), "pg_notify('documents_changed'")
}
