// Package authmw guards agent administration routes with a bearer token.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const challenge = `Bearer realm="ticketrouter"`

// BearerToken returns middleware that admits requests whose Authorization
// header carries token. The scheme is matched case-insensitively and the
// token in constant time. An empty token admits everything.
func BearerToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				reject(w, r, "missing or malformed authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				reject(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(h string) (string, bool) {
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.FromContext(r.Context()).Warn(r.Context(), "admin request rejected",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
	)
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, `{"error":"`+reason+`"}`, http.StatusUnauthorized)
}
