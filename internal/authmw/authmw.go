// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Realm is advertised in WWW-Authenticate on rejected requests.
const Realm = "edrlink"

// BearerToken returns middleware that accepts a request when its
// Authorization header carries a Bearer token equal to one of tokens.
// Several tokens allow rotation without downtime. Empty tokens are ignored;
// with no usable token every request is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	expected := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				reject(w, "missing or malformed authorization header")
				return
			}

			if !matches([]byte(auth[len("Bearer "):]), expected) {
				reject(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SplitTokens splits a comma separated token list as read from config.
func SplitTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// matches compares got against every candidate so timing does not reveal
// which token matched.
func matches(got []byte, expected [][]byte) bool {
	ok := 0
	for _, e := range expected {
		ok |= subtle.ConstantTimeCompare(got, e)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="`+Realm+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
