package middleware

import (
	"net/http"
	"strings"
)

type CORSConfig struct {
	AllowOrigin   string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	// PreflightBody is written with 200 on OPTIONS.
	PreflightBody string
}

// CORS sets the configured headers on every response and answers OPTIONS
// without calling next.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origin := cfg.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
			if expose != "" {
				h.Set("Access-Control-Expose-Headers", expose)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				if cfg.PreflightBody != "" {
					_, _ = w.Write([]byte(cfg.PreflightBody))
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
