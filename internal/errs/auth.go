package errs

import (
	"errors"
	"fmt"
)

// AuthKind classifies an identity backend rejection.
type AuthKind int

const (
	// AuthUnknown is any rejection the backend did not classify.
	AuthUnknown AuthKind = iota
	// AuthInvalidEmail means the email address is malformed.
	AuthInvalidEmail
	// AuthUserDisabled means the account exists but is disabled.
	AuthUserDisabled
	// AuthInvalidCredentials covers unknown user and wrong password alike.
	AuthInvalidCredentials
	// AuthEmailInUse means sign-up hit an existing account.
	AuthEmailInUse
)

func (k AuthKind) String() string {
	switch k {
	case AuthInvalidEmail:
		return "INVALID_EMAIL"
	case AuthUserDisabled:
		return "USER_DISABLED"
	case AuthInvalidCredentials:
		return "INVALID_CREDENTIALS"
	case AuthEmailInUse:
		return "EMAIL_IN_USE"
	default:
		return "UNKNOWN"
	}
}

// AuthError is returned by identity operations rejected by the backend.
type AuthError struct {
	Kind AuthKind
	Err  error // backend cause, may be nil
}

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind AuthKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return "auth: " + e.Kind.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches another *AuthError by kind, so errors.Is(err, &AuthError{Kind: k}) works.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// Message returns the text shown to the user for this rejection.
func (e *AuthError) Message() string {
	switch e.Kind {
	case AuthInvalidEmail:
		return "The email address is badly formatted."
	case AuthUserDisabled:
		return "The user account has been disabled."
	case AuthInvalidCredentials:
		return "Invalid email or password."
	case AuthEmailInUse:
		return "An account already exists for this email address."
	default:
		return "An unknown error occurred. Please try again."
	}
}

// AsAuthError unwraps err to an *AuthError if it carries one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// PartialWriteError reports a record that was persisted but whose follow-up
// write (e.g. id back-fill) did not complete. The record exists under ID.
type PartialWriteError struct {
	Collection string
	ID         string
	Err        error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write %s/%s: %v", e.Collection, e.ID, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
