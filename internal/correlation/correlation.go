// Package correlation carries a request correlation id through contexts.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// Header is the HTTP header used to propagate correlation ids.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx when it is acceptable; invalid ids leave ctx as is.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation id.
func Generate() string {
	return xid.New().String()
}

// FromRequest returns the id supplied by the caller or a fresh one.
func FromRequest(r *http.Request) string {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return id
	}
	return Generate()
}
