package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/scheduler"
)

// handleSyncDevice handles GET /api/sync/devices/{id}
func (s *Server) handleSyncDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Snapshots.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get device snapshot", snap)
}

// handleSyncCampaign handles GET /api/sync/campaigns/{id}
func (s *Server) handleSyncCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.deps.Snapshots.Campaign(r.Context(), id)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	if snap == nil {
		s.sendErr(w, dispatch.ErrCampaignNotFound)
		return
	}
	sendSuccess(w, "Success get campaign snapshot", snap)
}

// handleQueueStats handles GET /api/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get queue stats", st)
}

// handleGetTarget handles GET /api/targets/{id}
func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	if t == nil {
		s.sendErr(w, queue.ErrNotFound)
		return
	}
	sendSuccess(w, "Success get target", t)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string                `json:"status"`
	Version       string                `json:"version"`
	Uptime        string                `json:"uptime"`
	OnlineDevices int                   `json:"online_devices"`
	Workers       int                   `json:"workers"`
	Queue         *queue.QueueStats     `json:"queue,omitempty"`
	Jobs          []scheduler.JobStatus `json:"jobs,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.deps.Version,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		OnlineDevices: len(s.deps.Devices.Online()),
		Workers:       s.deps.Workers.Count(),
	}

	st, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Warn("failed to read queue stats", "error", err)
		resp.Status = "degraded"
	} else {
		resp.Queue = st
	}
	if s.deps.Scheduler != nil {
		resp.Jobs = s.deps.Scheduler.Status()
	}

	sendJSON(w, http.StatusOK, resp)
}
