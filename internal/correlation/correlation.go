// Package correlation carries the caller supplied request correlation id.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/gridgate/internal/uid"
)

// Header is the HTTP header carrying correlation ids in and out.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id when it is acceptable.
func With(ctx context.Context, id string) context.Context {
	if normalized, ok := Normalize(id); ok {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

// ID retrieves the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest returns the request's correlation id or a generated one.
func FromRequest(r *http.Request) string {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return id
	}
	return uid.New()
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
