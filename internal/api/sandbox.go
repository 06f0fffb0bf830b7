package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/sandbox"
)

// SandboxServer exposes the messages captured by the sandbox transport and
// lets operators drive simulated sessions
type SandboxServer struct {
	storage   *sandbox.Storage
	transport *sandbox.Transport
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *sandbox.Storage, tr *sandbox.Transport) *SandboxServer {
	return &SandboxServer{
		storage:   storage,
		transport: tr,
	}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleList)
		r.Delete("/messages", s.handleClear)
		r.Get("/stats", s.handleStats)
		r.Post("/devices/{id}/complete-pairing", s.handleCompletePairing)
		r.Post("/devices/{id}/drop", s.handleDrop)
		r.Post("/devices/{id}/revoke", s.handleRevoke)
	})
}

// SandboxListResponse is the response for GET /api/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// handleList handles GET /api/sandbox/messages
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := sandbox.ListFilter{
		DeviceID: r.URL.Query().Get("device_id"),
		To:       r.URL.Query().Get("to"),
		Limit:    100,
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
			if filter.Limit > 1000 {
				filter.Limit = 1000
			}
		}
	}

	messages, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list messages", nil)
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	sendSuccess(w, "Success get sandbox messages", SandboxListResponse{Messages: messages, Total: len(messages)})
}

// handleClear handles DELETE /api/sandbox/messages?older_than=
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, CodeBadRequest, "Invalid older_than duration", nil)
			return
		}
		olderThan = d
	}

	count, err := s.storage.Clear(r.Context(), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, CodeInternalError, "Failed to clear messages", nil)
		return
	}
	sendSuccess(w, "Sandbox messages cleared", map[string]int{"deleted": count})
}

// handleStats handles GET /api/sandbox/stats?device_id=
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	count, err := s.storage.Count(r.Context(), deviceID)
	if err != nil {
		sendError(w, http.StatusInternalServerError, CodeInternalError, "Failed to get stats", nil)
		return
	}
	sendSuccess(w, "Success get sandbox stats", map[string]any{
		"device_id": deviceID,
		"captured":  count,
	})
}

// handleCompletePairing handles POST /api/sandbox/devices/{id}/complete-pairing?phone=
func (s *SandboxServer) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		phone = "sandbox-" + id
	}
	s.transport.CompletePairing(id, phone)
	sendSuccess(w, "Pairing completed", map[string]string{"device_id": id, "phone": phone})
}

// handleDrop handles POST /api/sandbox/devices/{id}/drop
func (s *SandboxServer) handleDrop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.transport.Drop(id)
	sendSuccess(w, "Session dropped", map[string]string{"device_id": id})
}

// handleRevoke handles POST /api/sandbox/devices/{id}/revoke
func (s *SandboxServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.transport.Revoke(id)
	sendSuccess(w, "Session revoked", map[string]string{"device_id": id})
}
