package firebase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"

	"github.com/kevschoo/staybook/internal/backend"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/model"
)

// PasswordAuth performs email/password sign-in and sign-up against Firebase Authentication.
type PasswordAuth interface {
	SignIn(ctx context.Context, email, password string) (uid, idToken string, err error)
	SignUp(ctx context.Context, email, password string) (uid, idToken string, err error)
}

// AdminAuth is the subset of *auth.Client the identity needs.
type AdminAuth interface {
	GetUser(ctx context.Context, uid string) (*auth.UserRecord, error)
	DeleteUser(ctx context.Context, uid string) error
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// Identity implements backend.Identity and backend.Sessions with Firebase Authentication.
// Tokens are Firebase ID tokens.
type Identity struct {
	backend.AuthState

	pw    PasswordAuth
	admin AdminAuth
	log   *zap.Logger
	now   func() time.Time

	mu    sync.Mutex
	token string
}

// NewIdentity builds an identity from its two Firebase clients.
func NewIdentity(pw PasswordAuth, admin AdminAuth, log *zap.Logger) *Identity {
	if log == nil {
		log = zap.NewNop()
	}
	return &Identity{pw: pw, admin: admin, log: log, now: time.Now}
}

func (i *Identity) SignIn(ctx context.Context, email, password string) (model.Principal, error) {
	uid, tok, err := i.pw.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return model.Principal{}, authErr(err)
	}
	return i.signedIn(ctx, uid, tok, email)
}

func (i *Identity) SignUp(ctx context.Context, email, password string) (model.Principal, error) {
	uid, tok, err := i.pw.SignUp(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return model.Principal{}, authErr(err)
	}
	return i.signedIn(ctx, uid, tok, email)
}

func (i *Identity) SignOut(context.Context) error {
	i.mu.Lock()
	i.token = ""
	i.mu.Unlock()
	if i.Current() != nil {
		i.Set(nil)
	}
	return nil
}

func (i *Identity) DeleteCurrent(ctx context.Context) error {
	cur := i.Current()
	if cur == nil {
		return errs.NewAuthError(errs.AuthUnknown, errs.ErrNoSession)
	}
	if err := i.admin.DeleteUser(ctx, cur.UID); err != nil {
		return errs.NewAuthError(errs.AuthUnknown, err)
	}
	return i.SignOut(ctx)
}

func (i *Identity) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

// Restore verifies a Firebase ID token and signs its user in.
func (i *Identity) Restore(ctx context.Context, token string) (model.Principal, error) {
	t, err := i.admin.VerifyIDToken(ctx, token)
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	u, err := i.admin.GetUser(ctx, t.UID)
	if err != nil {
		if auth.IsUserNotFound(err) {
			return model.Principal{}, errs.ErrUnauthorized
		}
		return model.Principal{}, err
	}
	if u.Disabled {
		return model.Principal{}, errs.ErrUnauthorized
	}
	p := fromRecord(u, model.Principal{UID: t.UID})
	i.mu.Lock()
	i.token = token
	i.mu.Unlock()
	i.Set(&p)
	return p, nil
}

func (i *Identity) signedIn(ctx context.Context, uid, tok, email string) (model.Principal, error) {
	p := model.Principal{UID: uid, Email: strings.TrimSpace(email), CreatedAt: i.now().UTC()}
	if u, err := i.admin.GetUser(ctx, uid); err == nil {
		p = fromRecord(u, p)
	} else {
		i.log.Warn("user record lookup failed", zap.String("uid", uid), zap.Error(err))
	}
	i.mu.Lock()
	i.token = tok
	i.mu.Unlock()
	i.Set(&p)
	return p, nil
}

// fromRecord overlays the fields the user record carries on base.
// The uid stays the one the token was issued for.
func fromRecord(u *auth.UserRecord, base model.Principal) model.Principal {
	p := base
	if u.UserInfo != nil {
		if p.UID == "" {
			p.UID = u.UID
		}
		if u.Email != "" {
			p.Email = u.Email
		}
		p.DisplayName = u.DisplayName
	}
	if u.UserMetadata != nil && u.UserMetadata.CreationTimestamp > 0 {
		p.CreatedAt = time.UnixMilli(u.UserMetadata.CreationTimestamp).UTC()
	}
	return p
}

// authErr maps Identity Toolkit error codes onto AuthError kinds.
func authErr(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	code := gerr.Message
	if code == "" && len(gerr.Errors) > 0 {
		code = gerr.Errors[0].Message
	}
	// messages look like "INVALID_PASSWORD" or "WEAK_PASSWORD : Password should be ..."
	if idx := strings.Index(code, " "); idx > 0 {
		code = code[:idx]
	}
	switch code {
	case "INVALID_EMAIL", "MISSING_EMAIL":
		return errs.NewAuthError(errs.AuthInvalidEmail, err)
	case "USER_DISABLED":
		return errs.NewAuthError(errs.AuthUserDisabled, err)
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "MISSING_PASSWORD", "WEAK_PASSWORD":
		return errs.NewAuthError(errs.AuthInvalidCredentials, err)
	case "EMAIL_EXISTS":
		return errs.NewAuthError(errs.AuthEmailInUse, err)
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return fmt.Errorf("%w: %v", errs.ErrRateLimited, err)
	default:
		return errs.NewAuthError(errs.AuthUnknown, err)
	}
}

// Toolkit implements PasswordAuth with the Identity Toolkit relying-party API.
type Toolkit struct {
	svc *identitytoolkit.Service
}

// NewToolkit creates the Identity Toolkit client for the project's web API key.
func NewToolkit(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Toolkit, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("identitytoolkit: %w", err)
	}
	return &Toolkit{svc: svc}, nil
}

func (t *Toolkit) SignIn(ctx context.Context, email, password string) (string, string, error) {
	resp, err := t.svc.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return "", "", err
	}
	return resp.LocalId, resp.IdToken, nil
}

func (t *Toolkit) SignUp(ctx context.Context, email, password string) (string, string, error) {
	resp, err := t.svc.Relyingparty.SignupNewUser(&identitytoolkit.IdentitytoolkitRelyingpartySignupNewUserRequest{
		Email:    email,
		Password: password,
	}).Context(ctx).Do()
	if err != nil {
		return "", "", err
	}
	return resp.LocalId, resp.IdToken, nil
}
