package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/matt-riley/flagz-proxy/internal/config"
)

// CORS applies the cross-origin policy. Preflight requests are answered with
// cfg.OptionsSuccessStatus unless cfg.PreflightContinue is set.
func CORS(cfg config.CORS) func(http.Handler) http.Handler {
	methods := strings.Join(cfg.Methods, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")
	status := cfg.OptionsSuccessStatus
	if status == 0 {
		status = http.StatusNoContent
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			setCORSOrigin(h, r, cfg.Origins)
			if cfg.Credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if allowedHeaders != "" {
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
			} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				h.Add("Vary", "Access-Control-Request-Headers")
				h.Set("Access-Control-Allow-Headers", requested)
			}
			if cfg.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}

			if cfg.PreflightContinue {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Content-Length", "0")
			w.WriteHeader(status)
		})
	}
}

func setCORSOrigin(h http.Header, r *http.Request, origins []string) {
	if len(origins) == 0 {
		return
	}
	if len(origins) == 1 && origins[0] == "*" {
		h.Set("Access-Control-Allow-Origin", "*")
		return
	}
	h.Add("Vary", "Origin")
	if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(origins, origin) {
		h.Set("Access-Control-Allow-Origin", origin)
	}
}
