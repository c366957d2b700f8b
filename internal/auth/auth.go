// Package auth verifies credentials presented to the relay API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("auth mode %q requires an API key", cfg.AuthMode)
		}
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromRequest extracts an API key from, in order of preference, the
// X-API-Key header, an Authorization bearer token, and the apiKey query
// parameter. Browser fetch() polling loops generally use the query form.
func CredentialFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		scheme, token, ok := strings.Cut(v, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("apiKey")); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}
