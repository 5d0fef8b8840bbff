package ratelimit

import (
	"net/http"
	"strconv"
)

// DefaultRetryAfterSeconds is the Retry-After value sent with a 429.
const DefaultRetryAfterSeconds = 1

// KeyFunc identifies the organization a request counts against. Requests for
// which it reports ok=false are not throttled.
type KeyFunc func(r *http.Request) (orgID int64, paid bool, ok bool)

// Middleware enforces the per-organization limit. When the bucket is empty it
// sets Retry-After and X-RateLimit-Remaining and hands the request to onLimit,
// or answers a plain 429 when onLimit is nil. Allowed requests carry the
// approximate remaining tokens in X-RateLimit-Remaining.
func Middleware(l *Limiter, key KeyFunc, onLimit http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, paid, ok := key(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining := l.take(orgID, paid)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(DefaultRetryAfterSeconds))
				if onLimit != nil {
					onLimit(w, r)
					return
				}
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// take consumes one token and reports the whole tokens left afterwards.
func (l *Limiter) take(orgID int64, paid bool) (bool, int) {
	lim := l.limiterFor(orgID, paid)
	now := l.now()
	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}
