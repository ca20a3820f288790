// Package requestid provides request ID propagation via context.
package requestid

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the request ID.
const Header = "X-Request-ID"

var validID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Generate returns inbound when it is a usable ID, otherwise a fresh UUID.
// Inbound IDs are echoed into logs and headers, so anything outside a
// conservative charset is replaced.
func Generate(inbound string) string {
	if Valid(inbound) {
		return inbound
	}
	return uuid.New().String()
}

// Valid reports whether id may be propagated as-is.
func Valid(id string) bool {
	return validID.MatchString(id)
}
