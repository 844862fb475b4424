// Package auth maps handshake tokens to the service identity the kernel
// assigns to a client.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is what a successful authentication yields.
type Identity struct {
	ServiceName string
}

// Authenticator resolves a token presented in the handshake.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// StaticToken accepts one shared token for one service.
// It is intended only for development and tests.
type StaticToken struct {
	Token       string
	ServiceName string
}

func (s StaticToken) Authenticate(token string) (Identity, error) {
	if s.Token == "" || !tokenEqual(s.Token, token) {
		return Identity{}, ErrUnauthorized
	}
	return Identity{ServiceName: s.ServiceName}, nil
}

// TokenTable maps tokens to service names. Every entry is compared so lookup
// time does not depend on which token matched.
type TokenTable map[string]string

func (t TokenTable) Authenticate(token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthorized
	}
	var (
		found   bool
		service string
	)
	for stored, name := range t {
		if stored == "" {
			continue
		}
		if tokenEqual(stored, token) {
			found = true
			service = name
		}
	}
	if !found {
		return Identity{}, ErrUnauthorized
	}
	return Identity{ServiceName: service}, nil
}

// FuncAuthenticator adapts a function into an Authenticator.
type FuncAuthenticator func(token string) (Identity, error)

func (f FuncAuthenticator) Authenticate(token string) (Identity, error) {
	return f(token)
}

func tokenEqual(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
