package api

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 600

// CORS allows cross-origin requests from origins. "*" allows any origin;
// since credentials are allowed, the request Origin is echoed instead of
// a literal "*". Preflight requests are answered with 204 and never reach
// the routes.
func CORS(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders:       []string{"*"},
		ExposedHeaders:       []string{RequestIDHeader, "Retry-After"},
		AllowCredentials:     true,
		MaxAge:               corsMaxAge,
		OptionsSuccessStatus: http.StatusNoContent,
	}

	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			// A match function makes the middleware echo the origin.
			opts.AllowOriginFunc = func(string) bool { return true }
			opts.AllowedOrigins = nil
			break
		}
		if o != "" {
			opts.AllowedOrigins = append(opts.AllowedOrigins, o)
		}
	}

	return cors.New(opts).Handler
}
