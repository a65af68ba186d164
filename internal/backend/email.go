package backend

import (
	"net/mail"
	"strings"

	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/limiter"
)

// CheckEmail validates a bare address and returns its normalized form.
// A malformed address yields an AuthError of kind AuthInvalidEmail.
func CheckEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errs.NewAuthError(errs.AuthInvalidEmail, err)
	}
	return limiter.NormalizeEmail(email), nil
}
