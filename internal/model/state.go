package model

// AuthenticationState is the coordinator's projection of the session.
type AuthenticationState int

const (
	Unauthenticated AuthenticationState = iota
	Authenticated
	InvalidAuthentication
)

func (s AuthenticationState) String() string {
	switch s {
	case Authenticated:
		return "AUTHENTICATED"
	case InvalidAuthentication:
		return "INVALID_AUTHENTICATION"
	default:
		return "UNAUTHENTICATED"
	}
}

// SessionEvent is one emission of the session stream.
//
// Principal nil means signed out. A non-nil Principal comes with either a
// resolved Profile/Session or Err when the profile lookup kept failing.
type SessionEvent struct {
	Principal *Principal
	Session   *Session
	Profile   *Profile
	Err       error
}

// SignedIn reports whether the event carries a principal.
func (e SessionEvent) SignedIn() bool { return e.Principal != nil }
