// Package auth authenticates API callers and decides which attestation
// requests they may see and modify.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrInvalidConfig   = errors.New("auth: invalid config")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
)

// User is an authenticated API caller. ID carries the caller's DID and scopes
// non-admin reads and writes to rows with a matching claimer.
type User struct {
	ID      string
	IsAdmin bool
}

// CanSee reports whether the user may read a request owned by claimer.
func (u User) CanSee(claimer string) bool {
	return u.IsAdmin || u.ID == claimer
}

// CanRevoke reports whether the user may revoke a request owned by claimer.
func (u User) CanRevoke(claimer string) bool {
	return u.IsAdmin || u.ID == claimer
}

type Authenticator interface {
	Authenticate(r *http.Request) (User, error)
}

// StaticTokens authenticates requests against a fixed bearer-token table.
// Suitable for service-to-service deployments; interactive logins live behind
// the gateway, which forwards a service token per caller.
type StaticTokens struct {
	users map[string]User
}

func NewStaticTokens(tokens map[string]User) (*StaticTokens, error) {
	if len(tokens) == 0 {
		return nil, ErrInvalidConfig
	}
	users := make(map[string]User, len(tokens))
	for token, user := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || strings.TrimSpace(user.ID) == "" {
			return nil, ErrInvalidConfig
		}
		users[token] = user
	}
	return &StaticTokens{users: users}, nil
}

func (a *StaticTokens) Authenticate(r *http.Request) (User, error) {
	token, ok := parseBearer(r.Header.Get("Authorization"))
	if !ok {
		return User{}, ErrUnauthenticated
	}
	user, ok := a.users[token]
	if !ok {
		return User{}, ErrUnauthenticated
	}
	return user, nil
}

func parseBearer(header string) (string, bool) {
	// Conservative parsing: exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
