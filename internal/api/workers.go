package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/worker"
)

// WorkerView is the state of one worker with the rollup and the send quota
// of its device
type WorkerView struct {
	worker.State
	Stats stats.Rollup `json:"stats"`
	Quota *QuotaView   `json:"quota,omitempty"`
}

// WorkerStatus is the response of GET /api/workers/status
type WorkerStatus struct {
	Running int          `json:"running"`
	Halted  bool         `json:"halted"`
	Workers []WorkerView `json:"workers"`
}

// handleWorkerStatus handles GET /api/workers/status
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Workers.States()
	status := WorkerStatus{
		Running: s.deps.Workers.Count(),
		Halted:  s.deps.Workers.Halted(),
		Workers: make([]WorkerView, 0, len(states)),
	}
	for _, st := range states {
		view := WorkerView{State: st, Stats: s.deps.Stats.Device(st.DeviceID)}
		if s.deps.Limiter != nil {
			q, err := s.quota(r.Context(), ratelimit.LevelDevice, st.DeviceID)
			if err != nil {
				s.sendErr(w, err)
				return
			}
			view.Quota = q
		}
		status.Workers = append(status.Workers, view)
	}
	sendSuccess(w, "Success get worker status", status)
}

// handleResumeFailed handles POST /api/workers/resume-failed. The body is
// an optional queue.ResumeFilter.
func (s *Server) handleResumeFailed(w http.ResponseWriter, r *http.Request) {
	var filter queue.ResumeFilter
	if r.ContentLength != 0 {
		if err := decode(r, &filter); err != nil {
			s.sendErr(w, err)
			return
		}
	}

	n, err := s.deps.Queue.ResumeFailed(r.Context(), filter)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Failed targets resumed", map[string]int{"resumed": n})
}

// handleStopAll handles POST /api/workers/stop-all
func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Workers.StopAll()
	sendSuccess(w, "All workers stopped", map[string]int{"stopped": n})
}

// handleWorkerHealthCheck handles POST /api/workers/health-check
func (s *Server) handleWorkerHealthCheck(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, "Health check finished", s.deps.Workers.HealthCheck())
}

// handleStartWorker handles POST /api/workers/{id}/start
func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Devices.Get(r.Context(), id); err != nil {
		s.sendErr(w, err)
		return
	}
	if err := s.deps.Workers.StartDevice(id); err != nil {
		s.sendErr(w, err)
		return
	}
	state, _ := s.deps.Workers.State(id)
	sendSuccess(w, "Worker started", state)
}

// handleRestartWorker handles POST /api/workers/{id}/restart
func (s *Server) handleRestartWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Devices.Get(r.Context(), id); err != nil {
		s.sendErr(w, err)
		return
	}
	if !s.deps.Devices.IsOnline(id) {
		s.sendErr(w, worker.ErrDeviceNotOnline)
		return
	}
	if _, err := s.deps.Workers.Restart(id); err != nil {
		s.sendErr(w, err)
		return
	}
	state, _ := s.deps.Workers.State(id)
	sendSuccess(w, "Worker restarted", state)
}
