package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"i4.energy/across/gsmgw/gateway"
)

// Server handles incoming HTTP requests for interacting with the
// configured gateway service
type Server struct {
	Logger  *slog.Logger
	Service *gateway.Service
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// the POST endpoint. The legacy GET endpoint stays open; the request
	// dedup cache is its protection.
	Token string
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("GET /sms/{data}", s.handleLegacySMS)
	mux.HandleFunc("GET /status/device", s.handleDeviceStatus)
	mux.HandleFunc("GET /status/signal", s.handleSignal)
	mux.HandleFunc("GET /status/storage", s.handleStorage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)

}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.Token
}

// handleSMS processes incoming HTTP POST requests to send SMS messages.
// The message is queued before the first attempt; when the attempt fails
// the request is answered with 202 and the message is retried once the
// device recovers.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	type SMSRequest struct {
		To      string `json:"to"`
		Number  string `json:"number"`
		Message string `json:"message"`
		Text    string `json:"text"`
		SMSC    string `json:"smsc"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	recipient := req.To
	if recipient == "" {
		recipient = req.Number
	}
	text := req.Message
	if text == "" {
		text = req.Text
	}
	if recipient == "" || text == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	result, err := s.Service.Send(r.Context(), recipient, text, req.SMSC)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidRequest) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if result.Queued {
			s.Logger.Warn("SMS queued for retry", "to", recipient, "error", err)
			s.sendJSON(w, http.StatusAccepted, map[string]any{
				"status": "queued",
				"detail": "send failed, message queued for retry",
			})
			return
		}
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", recipient, "message_length", len(text), "ref", result.Ref)
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status": "sent",
		"ref":    result.Ref,
	})
}

// handleLegacySMS serves the path-encoded GET endpoint used by old devices:
// GET /sms/{PHONE}&{MESSAGE} with both parts URL-encoded. Repeated requests
// inside the dedup window are answered without sending again.
func (s *Server) handleLegacySMS(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("data")
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		s.sendError(w, "malformed request data", http.StatusBadRequest)
		return
	}

	recipient, text, found := strings.Cut(decoded, "&")
	if !found || recipient == "" || text == "" {
		s.sendError(w, "expected {phone}&{message}", http.StatusBadRequest)
		return
	}

	result, err := s.Service.SendDeduped(r.Context(), recipient, text)
	if err != nil {
		if result.Queued {
			s.sendJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
			return
		}
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.Duplicate {
		s.sendJSON(w, http.StatusOK, map[string]any{"status": "already sent"})
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"status": "sent", "ref": result.Ref})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.Service.StatusData())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	quality, err := s.Service.Signal(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"rssi":    quality.RSSI,
		"ber":     quality.BER,
		"percent": quality.Percent,
	})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	status, err := s.Service.Storage(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"storage": status.Storage,
		"used":    status.Used,
		"total":   status.Total,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"device":  s.Service.StatusData().Status,
		"pending": s.Service.QueueLength(),
	})
}
