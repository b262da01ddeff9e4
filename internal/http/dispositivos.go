package http

import (
	"bytes"
	"encoding/json"
	"net/http"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/approval"
	"koresoft/device-identity/internal/gate"
	"koresoft/device-identity/internal/model"
)

type registerDeviceRequest struct {
	Model       *string         `json:"modelo" validate:"omitempty,max=120"`
	OS          *string         `json:"so" validate:"omitempty,max=120"`
	Location    *string         `json:"ubicacion" validate:"omitempty,max=255"`
	Coordinates json.RawMessage `json:"coordenadas"`
	AppVersion  *string         `json:"version_app" validate:"omitempty,max=40"`
}

// metadata normalises the reported fields. Coordinates must be a JSON object
// when present and are kept in compact form.
func (req registerDeviceRequest) metadata() (model.DeviceMetadata, error) {
	meta := model.DeviceMetadata{
		Model:      nonEmpty(req.Model),
		OS:         nonEmpty(req.OS),
		Location:   nonEmpty(req.Location),
		AppVersion: nonEmpty(req.AppVersion),
	}
	raw := bytes.TrimSpace(req.Coordinates)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return meta, nil
	}
	var coords map[string]interface{}
	if err := json.Unmarshal(raw, &coords); err != nil {
		return model.DeviceMetadata{}, apperr.ErrInvalidRequest
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return model.DeviceMetadata{}, apperr.ErrInvalidRequest
	}
	value := compact.String()
	meta.Coordinates = &value
	return meta, nil
}

type heartbeatResponse struct {
	Interval  int               `json:"intervalo"`
	RenewFrom *int64            `json:"renovar_desde"`
	State     model.DeviceState `json:"estado"`
}

type submitRequest struct {
	Model    *string  `json:"modelo" validate:"omitempty,max=120"`
	OS       *string  `json:"so" validate:"omitempty,max=120"`
	Location *string  `json:"ubicacion" validate:"omitempty,max=255"`
	Lat      *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon      *float64 `json:"lon" validate:"omitempty,gte=-180,lte=180"`
}

type submitResponse struct {
	OK        bool               `json:"ok"`
	RequestID string             `json:"solicitud_id"`
	State     model.RequestState `json:"estado"`
}

func (s *Server) authorize(r *http.Request, op gate.Operation) (gate.Principal, error) {
	return s.svc.Gate.Authorize(r.Context(), bearerToken(r.Header.Get("Authorization")), op)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authorize(r, gate.Register)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req registerDeviceRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	if err := s.check(req, apperr.ErrInvalidRequest, nil); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	meta, err := req.metadata()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	device, err := s.svc.Registry.Register(r.Context(), principal.Claims.Subject, principal.Claims.ClientID, meta)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deviceStatus{State: device.State, SuspendedUntil: device.SuspendedUntil})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authorize(r, gate.Heartbeat)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	device, err := s.svc.Registry.Heartbeat(r.Context(), principal.Device, principal.Claims.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	resp := heartbeatResponse{Interval: int(s.cfg.HeartbeatInterval.Seconds()), State: device.State}
	if principal.Claims.RenewFrom > 0 {
		renewFrom := principal.Claims.RenewFrom
		resp.RenewFrom = &renewFrom
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authorize(r, gate.SubmitRequest)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req submitRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	err = s.check(req, apperr.ErrInvalidRequest, map[string]*apperr.Error{
		"lat": approval.ErrInvalidLat,
		"lon": approval.ErrInvalidLon,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	request, created, err := s.svc.Approval.Submit(r.Context(), approval.Submission{
		DeviceID: principal.Claims.Subject,
		ClientID: principal.Claims.ClientID,
		Model:    nonEmpty(req.Model),
		OS:       nonEmpty(req.OS),
		Location: nonEmpty(req.Location),
		Lat:      req.Lat,
		Lon:      req.Lon,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, submitResponse{OK: true, RequestID: request.ID, State: request.State})
}

func (s *Server) handleListOwnRequests(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authorize(r, gate.ListOwnRequests)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	items, err := s.svc.Approval.ListMine(r.Context(), principal.Claims.Subject)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": newRequestViews(items)})
}

func nonEmpty(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	return value
}
