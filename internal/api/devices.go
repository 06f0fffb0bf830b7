package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/gateway"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// CreateDeviceRequest is the request body for POST /api/devices
type CreateDeviceRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// PairRequest is the request body for POST /api/devices/{id}/pair
type PairRequest struct {
	Method transport.PairMethod `json:"method" validate:"required,oneof=qr code"`
	Phone  string               `json:"phone" validate:"required_if=Method code"`
}

// handleListDevices handles GET /api/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.Devices.List(r.Context())
	sendSuccess(w, "Success get devices", devices)
}

// handleCreateDevice handles POST /api/devices
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req CreateDeviceRequest
	if err := decode(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}

	d, err := s.deps.Devices.Create(r.Context(), req.Name)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Device created", d)
}

// handleDeleteDevice handles DELETE /api/devices/{id}
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Devices.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Device deleted", res)
}

// handlePair handles POST /api/devices/{id}/pair
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := decode(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}

	res, err := s.deps.Devices.RequestPairing(r.Context(), chi.URLParam(r, "id"), transport.PairRequest{
		Method: req.Method,
		Phone:  req.Phone,
	})
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Pairing started", res)
}

// handleDeviceEvent handles POST /api/devices/{id}/events, the callback of
// the session gateway
func (s *Server) handleDeviceEvent(w http.ResponseWriter, r *http.Request) {
	var ev gateway.Event
	if err := decode(r, &ev); err != nil {
		s.sendErr(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := gateway.Deliver(r.Context(), s.deps.Devices, id, &ev); err != nil {
		s.sendErr(w, err)
		return
	}
	d, err := s.deps.Devices.Get(r.Context(), id)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Event applied", d)
}

// handleReconnect handles POST /api/devices/{id}/reconnect
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Devices.Reconnect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Device reconnected", d)
}

// handleCheckConnection handles POST /api/devices/check-connection
func (s *Server) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	checks := s.deps.Devices.CheckConnection(r.Context())
	sendSuccess(w, "Connection check finished", checks)
}

// handleReconnectOffline handles POST /api/devices/reconnect-offline
func (s *Server) handleReconnectOffline(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Devices.ReconnectOffline(r.Context())
	sendSuccess(w, "Reconnect finished", summary)
}

// handleLogout handles GET /app/logout?deviceId=
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("deviceId")
	if id == "" {
		s.sendErr(w, &dispatch.ValidationError{Fields: []dispatch.FieldError{{Field: "deviceId", Message: "is required"}}})
		return
	}

	res, err := s.deps.Devices.Logout(r.Context(), id)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Device logged out", res)
}

// handleClearSession handles POST /api/devices/{id}/clear-session
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Devices.ClearSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Session cleared", res)
}

// handleReset handles POST /api/devices/{id}/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Devices.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Device reset", res)
}
