package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthError_Message(t *testing.T) {
	t.Parallel()

	cases := map[AuthKind]string{
		AuthInvalidEmail:       "The email address is badly formatted.",
		AuthUserDisabled:       "The user account has been disabled.",
		AuthInvalidCredentials: "Invalid email or password.",
		AuthUnknown:            "An unknown error occurred. Please try again.",
	}
	for kind, want := range cases {
		require.Equal(t, want, NewAuthError(kind, nil).Message(), kind.String())
	}
}

func TestAuthError_IsAndAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("INVALID_PASSWORD")
	err := fmt.Errorf("sign in: %w", NewAuthError(AuthInvalidCredentials, cause))

	require.ErrorIs(t, err, &AuthError{Kind: AuthInvalidCredentials})
	require.NotErrorIs(t, err, &AuthError{Kind: AuthUserDisabled})
	require.ErrorIs(t, err, cause)

	ae, ok := AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, AuthInvalidCredentials, ae.Kind)
	require.Contains(t, ae.Error(), "INVALID_CREDENTIALS")

	_, ok = AsAuthError(errors.New("plain"))
	require.False(t, ok)
}

func TestPartialWriteError_Unwrap(t *testing.T) {
	t.Parallel()

	err := &PartialWriteError{Collection: "properties", ID: "p1", Err: ErrNotFound}
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "properties/p1")

	var pw *PartialWriteError
	require.ErrorAs(t, fmt.Errorf("create: %w", err), &pw)
	require.Equal(t, "p1", pw.ID)
}
