package wsfanout

import (
	"errors"
	"net/http"
	"strings"

	"dronefleet/broker/internal/auth"
)

// Authenticator validates the bearer token presented on a WebSocket upgrade
// request and returns the claims used to derive the client's default room.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.TokenClaims, error)
}

// HMACAuthenticator verifies the token against the broker's shared HMAC
// secret, the only scheme the external auth service issues today.
type HMACAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewHMACAuthenticator wraps an already-constructed verifier.
func NewHMACAuthenticator(verifier *auth.HMACTokenVerifier) *HMACAuthenticator {
	return &HMACAuthenticator{verifier: verifier}
}

// Authenticate extracts the bearer token from the query string or the
// Authorization header and validates it.
func (a *HMACAuthenticator) Authenticate(r *http.Request) (auth.TokenClaims, error) {
	if a == nil || a.verifier == nil {
		return auth.TokenClaims{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerFromHeader(r.Header.Get("Authorization"))
	}
	if token == "" {
		return auth.TokenClaims{}, errors.New("missing bearer token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return auth.TokenClaims{}, err
	}
	return *claims, nil
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
