package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"STAYBOOK_BACKEND", "CALL_TIMEOUT", "HTTP_ADDR", "SIGNIN_MAX_FAILS", "CORS_ALLOWED_ORIGINS", "FIREBASE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, 10*time.Second, cfg.CallTimeout)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 5, cfg.SignInMaxFails)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STAYBOOK_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/staybook")
	t.Setenv("JWT_KEY", "k")
	t.Setenv("CALL_TIMEOUT", "3s")
	t.Setenv("SIGNIN_MAX_FAILS", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := FromEnv()
	require.Equal(t, BackendPostgres, cfg.Backend)
	require.Equal(t, 3*time.Second, cfg.CallTimeout)
	require.Equal(t, 5, cfg.SignInMaxFails)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingPerBackend(t *testing.T) {
	t.Parallel()

	err := (&Config{Backend: BackendPostgres}).Validate()
	require.ErrorContains(t, err, "DATABASE_URL")
	require.ErrorContains(t, err, "JWT_KEY")

	require.NoError(t, (&Config{Backend: BackendPostgres, DatabaseURL: "x", JWTKeySecret: "projects/p/secrets/jwt/versions/latest"}).Validate())

	err = (&Config{Backend: BackendFirebase}).Validate()
	require.ErrorContains(t, err, "FIREBASE_PROJECT_ID")
	require.ErrorContains(t, err, "GCS_BUCKET")

	require.Error(t, (&Config{Backend: "mongo"}).Validate())
	require.Error(t, (&Config{Backend: BackendMemory, CallTimeout: -time.Second}).Validate())
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STAYBOOK_TEST_FROM_DOTENV=yes\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("STAYBOOK_TEST_FROM_DOTENV")
	})

	_, err = Load()
	require.NoError(t, err)
	require.Equal(t, "yes", os.Getenv("STAYBOOK_TEST_FROM_DOTENV"))
}

func TestLoad_MissingDotEnvIsFine(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = Load()
	require.NoError(t, err)
}
