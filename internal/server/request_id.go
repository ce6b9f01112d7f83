package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"bitriver-relay/internal/observability/logging"
)

const maxRequestIDLength = 128

type idGenerator func() string

// requestIDMiddleware propagates or assigns X-Request-Id and records it,
// with any X-Stream-Id, on the request context for logging.WithContext.
func requestIDMiddleware(generator idGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = generator()
			}
			streamID := strings.TrimSpace(r.Header.Get("X-Stream-Id"))

			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			if streamID != "" {
				ctx = logging.ContextWithStreamID(ctx, streamID)
			}

			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRequestID() string {
	return uuid.NewString()
}
