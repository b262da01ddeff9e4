package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/approval"
	"koresoft/device-identity/internal/device"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

type rejectRequest struct {
	Reason string `json:"motivo" validate:"max=500"`
}

type suspendRequest struct {
	// Until is an RFC 3339 timestamp; empty suspends indefinitely.
	Until string `json:"hasta"`
}

type terminateRequest struct {
	Reason string `json:"motivo" validate:"max=500"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := s.svc.Approval.List(r.Context(), approval.ListQuery{
		State:  strings.TrimSpace(query.Get("estado")),
		Limit:  atoiOrZero(query.Get("limit")),
		Offset: atoiOrZero(query.Get("offset")),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	items := newRequestViews(page.Items)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"total": page.Total,
		"count": len(items),
		"items": items,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	request, err := s.svc.Approval.Get(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "item": newRequestView(request)})
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	request, err := s.svc.Approval.Approve(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{OK: true, Request: request.ID, NewState: request.State})
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	if err := s.check(req, apperr.ErrInvalidRequest, nil); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	request, err := s.svc.Approval.Reject(r.Context(), chi.URLParam(r, "requestID"), req.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{OK: true, Request: request.ID, NewState: request.State})
}

func (s *Server) handleSuspendDevice(w http.ResponseWriter, r *http.Request) {
	var req suspendRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	var until *time.Time
	if req.Until != "" {
		parsed, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			s.writeAppError(w, r, device.ErrInvalidUntil)
			return
		}
		parsed = parsed.UTC()
		until = &parsed
	}

	updated, err := s.svc.Registry.Suspend(r.Context(), chi.URLParam(r, "deviceID"), until)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":               true,
		"device_id":        updated.ID,
		"nuevo_estado":     updated.State,
		"suspendido_hasta": updated.SuspendedUntil,
	})
}

func (s *Server) handleReactivateDevice(w http.ResponseWriter, r *http.Request) {
	updated, err := s.svc.Registry.Reactivate(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{OK: true, DeviceID: updated.ID, NewState: updated.State})
}

func (s *Server) handleTerminateDevice(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	if err := s.check(req, apperr.ErrInvalidRequest, nil); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	updated, err := s.svc.Registry.Terminate(r.Context(), chi.URLParam(r, "deviceID"), strings.TrimSpace(req.Reason))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{OK: true, DeviceID: updated.ID, NewState: updated.State})
}

func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	limit := atoiOrZero(r.URL.Query().Get("limit"))
	switch {
	case limit <= 0:
		limit = defaultEventLimit
	case limit > maxEventLimit:
		limit = maxEventLimit
	}
	events, err := s.svc.Registry.Events(r.Context(), chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": newEventViews(events)})
}

func atoiOrZero(value string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return parsed
}
