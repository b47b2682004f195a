// Package correlation resolves the correlation id that follows a lead from
// the HTTP request into the record's x-trace-id header.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderTraceID       = "X-Trace-Id"
)

// SourceGenerated marks an id minted locally.
const SourceGenerated = "generated"

type ID struct {
	Value  string
	Source string
}

// FromRequest returns the first non-blank of X-Request-Id, X-Correlation-Id
// and X-Trace-Id, or a new UUID.
func FromRequest(h http.Header) ID {
	for _, name := range []string{HeaderRequestID, HeaderCorrelationID, HeaderTraceID} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return ID{Value: v, Source: name}
		}
	}
	return ID{Value: uuid.NewString(), Source: SourceGenerated}
}

type ctxKey struct{}

// WithID stores id in ctx.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id stored by WithID.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}

// Middleware resolves the correlation id, stores it in the request context
// and echoes it as X-Trace-Id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromRequest(r.Header)
		w.Header().Set(HeaderTraceID, id.Value)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
