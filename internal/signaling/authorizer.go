package signaling

import (
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

type Authorizer interface {
	Authorize(r *http.Request) error
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request) error { return nil }

// AuthAuthorizer enforces AUTH_MODE for every relay route. Both peers present
// the same credential; the relay does not distinguish publishers from
// consumers.
type AuthAuthorizer struct {
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (Authorizer, error) {
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return AllowAllAuthorizer{}, nil
	}
	return AuthAuthorizer{verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request) error {
	cred, err := auth.CredentialFromRequest(r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}

// IsUnauthorized reports whether err should be treated as an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials)
}
