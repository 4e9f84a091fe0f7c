// Package auth resolves bearer tokens to user identities.
package auth

import (
	"errors"
	"strings"
)

// bearerPrefix is the only accepted Authorization scheme.
const bearerPrefix = "Bearer "

// ErrUnauthorized is returned when the Authorization header is missing,
// malformed, or carries an unknown token.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Resolver maps static bearer tokens to user IDs. The token table is fixed
// at construction, so lookups need no synchronisation.
type Resolver struct {
	tokens map[string]string // token → user ID
}

// NewResolver creates a Resolver from a token → user ID table. The map is
// copied; later mutation of tokens does not affect the resolver.
func NewResolver(tokens map[string]string) *Resolver {
	t := make(map[string]string, len(tokens))
	for k, v := range tokens {
		t[k] = v
	}
	return &Resolver{tokens: t}
}

// Resolve extracts the token from an Authorization header value and returns
// the user ID it maps to. Only the exact form "Bearer <token>" is accepted.
// An empty token after the prefix is looked up like any other token; it is
// not a special case. Failures return [ErrUnauthorized].
func (r *Resolver) Resolve(authorization string) (string, error) {
	token, ok := strings.CutPrefix(authorization, bearerPrefix)
	if !ok {
		return "", ErrUnauthorized
	}
	userID, ok := r.tokens[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// UserIDs returns the distinct user IDs present in the token table, in
// unspecified order. Used to seed usage ledgers at startup.
func (r *Resolver) UserIDs() []string {
	seen := make(map[string]struct{}, len(r.tokens))
	ids := make([]string, 0, len(r.tokens))
	for _, id := range r.tokens {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
