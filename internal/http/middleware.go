package http

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
)

const apiKeyHeader = "X-API-Key"

var errInvalidEnrollKey = apperr.New(apperr.KindAuthentication, "invalid_api_key")

// accessLog writes one line per request. Request headers are never logged so
// API keys and bearer credentials stay out of the logs.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_ip", clientIP(r)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireAPIKey guards operator routes. Without any configured key every call
// is refused as a server misconfiguration.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 {
			s.writeAppError(w, r, apperr.ErrMisconfigured)
			return
		}
		if !matchKey(r.Header.Get(apiKeyHeader), s.cfg.APIKeys) {
			s.writeAppError(w, r, apperr.ErrInvalidAPIKey)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireEnrollKey is enforced only when enrollment keys are configured.
func (s *Server) requireEnrollKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.EnrollAPIKeys) > 0 && !matchKey(r.Header.Get(apiKeyHeader), s.cfg.EnrollAPIKeys) {
			s.writeAppError(w, r, errInvalidEnrollKey)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func matchKey(got string, keys []string) bool {
	if got == "" {
		return false
	}
	matched := 0
	for _, key := range keys {
		matched |= subtle.ConstantTimeCompare([]byte(got), []byte(key))
	}
	return matched == 1
}

// rateLimit counts requests per client IP. Limiter errors let the request
// through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.svc.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := s.svc.Limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if decision.Limit > 0 {
			w.Header().Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
			s.writeAppError(w, r, apperr.ErrTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
