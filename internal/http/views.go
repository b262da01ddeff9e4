package http

import (
	"encoding/json"
	"time"

	"koresoft/device-identity/internal/model"
)

type requestView struct {
	ID        string             `json:"id"`
	DeviceID  string             `json:"device_id"`
	ClientID  *string            `json:"client_id"`
	Model     *string            `json:"modelo"`
	OS        *string            `json:"so"`
	Location  *string            `json:"ubicacion"`
	Lat       *float64           `json:"lat"`
	Lon       *float64           `json:"lon"`
	State     model.RequestState `json:"estado"`
	Reason    *string            `json:"motivo"`
	CreatedAt time.Time          `json:"creado_en"`
	UpdatedAt time.Time          `json:"actualizado_en"`
}

func newRequestView(r model.EnrollmentRequest) requestView {
	return requestView{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		ClientID:  r.ClientID,
		Model:     r.Model,
		OS:        r.OS,
		Location:  r.Location,
		Lat:       r.Lat,
		Lon:       r.Lon,
		State:     r.State,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func newRequestViews(items []model.EnrollmentRequest) []requestView {
	out := make([]requestView, 0, len(items))
	for _, item := range items {
		out = append(out, newRequestView(item))
	}
	return out
}

type eventView struct {
	ID        int64           `json:"id"`
	DeviceID  *string         `json:"device_id"`
	Type      string          `json:"tipo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"creado_en"`
}

func newEventViews(events []model.AuditEvent) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		out = append(out, eventView{ID: e.ID, DeviceID: e.DeviceID, Type: e.Type, Payload: payload, CreatedAt: e.CreatedAt})
	}
	return out
}

// deviceStatus is what a device learns about itself after registering.
type deviceStatus struct {
	State          model.DeviceState `json:"estado"`
	SuspendedUntil *time.Time        `json:"suspendido_hasta"`
}

type transitionResponse struct {
	OK       bool        `json:"ok"`
	DeviceID string      `json:"device_id,omitempty"`
	Request  string      `json:"solicitud_id,omitempty"`
	NewState interface{} `json:"nuevo_estado"`
}
