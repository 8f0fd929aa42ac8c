// Package requestid assigns each request a correlation identifier that flows
// through logs and audit events.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"trustledger/pkg/requestcontext"
)

// Header carries the correlation id on requests and responses.
const Header = "X-Request-ID"

// Middleware honors a caller-supplied request id and generates one
// otherwise. The id is echoed on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
