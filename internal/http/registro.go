package http

import (
	"encoding/json"
	"net/http"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/enrollment"
)

type challengeRequest struct {
	ClientID string `json:"client_id" validate:"required,max=200"`
}

type challengeResponse struct {
	Nonce     string  `json:"nonce"`
	Challenge *string `json:"challenge"`
	Exp       int64   `json:"exp"`
}

type validateRequest struct {
	ClientID  string          `json:"client_id" validate:"required,max=200"`
	Nonce     string          `json:"nonce" validate:"required,max=256"`
	JWK       json.RawMessage `json:"jwk" validate:"required"`
	Signature string          `json:"signature" validate:"required,max=2048"`
}

type validateResponse struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	if err := s.check(req, enrollment.ErrMissingClientID, nil); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	challenge, err := s.svc.Enrollment.RequestChallenge(r.Context(), req.ClientID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	resp := challengeResponse{Nonce: challenge.Nonce, Exp: challenge.ExpiresAt.Unix()}
	if challenge.Attestation != "" {
		resp.Challenge = &challenge.Attestation
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeAppError(w, r, apperr.ErrInvalidRequest)
		return
	}
	if err := s.check(req, enrollment.ErrMissingFields, nil); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	result, err := s.svc.Enrollment.Validate(r.Context(), enrollment.ValidateInput{
		ClientID:  req.ClientID,
		Nonce:     req.Nonce,
		JWK:       req.JWK,
		Signature: req.Signature,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{DeviceID: result.DeviceID, Token: result.Token})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Renewal.Renew(r.Context(), bearerToken(r.Header.Get("Authorization")))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: result.Token})
}
