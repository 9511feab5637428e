// Package middleware provides HTTP middleware for the inkd API.
package middleware

import (
	"net/http"
	"strings"
)

// CORS returns middleware that restricts browser callers to the given
// origins. An empty list or a "*" entry allows any origin, which suits local
// development against a dev server; packaged builds pass the renderer's
// origin explicitly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := len(allowedOrigins) == 0
	explicit := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAny = true
			continue
		}
		explicit[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				_, matched := explicit[strings.TrimRight(origin, "/")]
				if matched || allowAny {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
					// Credentials never ride on wildcard-echoed origins;
					// that combination enables CSRF.
					if matched {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
