// Package auth checks ingestion API keys on requests to the relay receiver.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crash_relay_auth_rejected_total",
	Help: "Total requests rejected by API key checks",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(rejectedTotal)
	rejectedTotal.WithLabelValues("missing").Add(0)
	rejectedTotal.WithLabelValues("invalid").Add(0)
}

// ServerConfig holds API key checks for the receiver.
type ServerConfig struct {
	// Header carries the key.
	Header string
	// Require rejects requests without a key. Otherwise keyless requests
	// pass and the relay's default key applies.
	Require bool
	// Keys restricts accepted keys. Empty accepts any key.
	Keys []string
}

// Enabled reports whether the middleware checks anything.
func (c ServerConfig) Enabled() bool {
	return c.Require || len(c.Keys) > 0
}

// Allowed reports whether key is accepted.
func (c ServerConfig) Allowed(key string) bool {
	if len(c.Keys) == 0 {
		return true
	}
	ok := 0
	for _, k := range c.Keys {
		// Compare against every key so timing does not reveal the match position.
		ok |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return ok == 1
}

// HTTPMiddleware rejects requests whose key is missing or not allowed with
// 403 Forbidden.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(cfg.Header)
		if key == "" {
			if cfg.Require {
				rejectedTotal.WithLabelValues("missing").Inc()
				http.Error(w, "Missing "+cfg.Header+" header", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if !cfg.Allowed(key) {
			rejectedTotal.WithLabelValues("invalid").Inc()
			http.Error(w, "Invalid API key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
