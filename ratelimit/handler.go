package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coregx/nanows/metrics"
)

// Handler is a net/http middleware that rate limits requests per client.
type Handler struct {
	// Limiter is the per-client limiter. nil disables limiting.
	Limiter *Limiter

	// KeyFunc extracts the client key. Defaults to ClientIP.
	KeyFunc func(r *http.Request) string

	// OnLimit is called when a request is rate limited.
	// If nil, http.StatusTooManyRequests (429) is returned.
	OnLimit func(w http.ResponseWriter, r *http.Request)

	// Metrics counts limited requests; may be nil.
	Metrics *metrics.Metrics

	// Logger receives limited requests at debug level; may be nil.
	Logger *slog.Logger

	// Next is the next handler in the chain.
	Next http.Handler
}

// ServeHTTP implements http.Handler.
func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil {
		key := h.key(r)
		if ok, wait := h.Limiter.Allow(key); !ok {
			h.Metrics.Limited()
			if h.Logger != nil {
				h.Logger.Debug("request rate limited",
					slog.String("client", key),
					slog.Duration("retry_after", wait))
			}

			// https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Retry-After
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))

			if h.OnLimit != nil {
				h.OnLimit(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
	}

	if h.Next != nil {
		h.Next.ServeHTTP(w, r)
	}
}

func (h Handler) key(r *http.Request) string {
	if h.KeyFunc != nil {
		return h.KeyFunc(r)
	}
	return ClientIP(r)
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
