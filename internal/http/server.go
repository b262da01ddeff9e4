package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/approval"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/config"
	"koresoft/device-identity/internal/device"
	"koresoft/device-identity/internal/enrollment"
	"koresoft/device-identity/internal/gate"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/ratelimit"
	"koresoft/device-identity/internal/renewal"
)

// RateLimiter decides whether a caller may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Services are the components the HTTP surface dispatches to.
type Services struct {
	Codec      *auth.Codec
	Enrollment *enrollment.Service
	Renewal    *renewal.Service
	Registry   *device.Registry
	Gate       *gate.Gate
	Approval   *approval.Service
	Metrics    *metrics.Metrics
	// Limiter is optional.
	Limiter RateLimiter
}

type Server struct {
	cfg      config.Config
	svc      Services
	validate *validator.Validate
	logger   *zap.Logger
}

func NewServer(cfg config.Config, svc Services, logger *zap.Logger) (*Server, error) {
	if svc.Codec == nil || svc.Enrollment == nil || svc.Renewal == nil || svc.Registry == nil || svc.Gate == nil || svc.Approval == nil {
		return nil, errors.New("http server: missing service dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	return &Server{cfg: cfg, svc: svc, validate: newValidator(), logger: logger}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(s.rateLimit)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.svc.Metrics.Handler())
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.With(s.requireEnrollKey).Post("/registro/desafio", s.handleChallenge)
	r.Post("/registro/validar", s.handleValidate)
	r.Post("/autorizacion/renovar", s.handleRenew)

	r.Post("/dispositivos/alta", s.handleRegisterDevice)
	r.Post("/dispositivos/latido", s.handleHeartbeat)
	r.Post("/solicitudes/alta", s.handleSubmitRequest)
	r.Get("/solicitudes/mias", s.handleListOwnRequests)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/ping", s.handleHealth)
		r.Get("/solicitudes", s.handleListRequests)
		r.Get("/solicitudes/{requestID}", s.handleGetRequest)
		r.Post("/solicitudes/{requestID}/aprobar", s.handleApproveRequest)
		r.Post("/solicitudes/{requestID}/rechazar", s.handleRejectRequest)
		r.Post("/dispositivos/{deviceID}/suspender", s.handleSuspendDevice)
		r.Post("/dispositivos/{deviceID}/reactivar", s.handleReactivateDevice)
		r.Post("/dispositivos/{deviceID}/terminar", s.handleTerminateDevice)
		r.Get("/dispositivos/{deviceID}/eventos", s.handleDeviceEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ts": time.Now().UTC()})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.svc.Codec.JWKS()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, jwks)
}
