package actions

import (
	"context"
	"crypto/subtle"
	"strings"
)

// Token is one accepted API token.
type Token struct {
	Value  string
	UserID string
	Admin  bool
}

// TokenAuthorizer admits requests carrying a configured token. Only admin
// tokens may run CleanMultipart.
type TokenAuthorizer struct {
	tokens []Token
}

// NewTokenAuthorizer returns an authorizer over tokens. Blank values are
// ignored.
func NewTokenAuthorizer(tokens ...Token) *TokenAuthorizer {
	kept := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		t.Value = strings.TrimSpace(t.Value)
		if t.Value != "" {
			kept = append(kept, t)
		}
	}
	return &TokenAuthorizer{tokens: kept}
}

// Authorize implements Authorizer.
func (a *TokenAuthorizer) Authorize(_ context.Context, req Request) (Principal, error) {
	presented := strings.TrimSpace(req.Token)
	if presented == "" {
		return Principal{}, ErrDenied
	}
	var (
		match Token
		found bool
	)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Value), []byte(presented)) == 1 {
			match, found = t, true
		}
	}
	if !found {
		return Principal{}, ErrDenied
	}
	if req.Action == CleanMultipart && !match.Admin {
		return Principal{}, ErrDenied
	}
	return Principal{UserID: match.UserID, Admin: match.Admin}, nil
}
