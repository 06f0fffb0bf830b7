package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// CreateCampaignRequest is the request body for POST /api/campaigns
type CreateCampaignRequest struct {
	Title           string `json:"title" validate:"required,max=255"`
	Niche           string `json:"niche"`
	TargetStatus    string `json:"target_status"`
	Message         string `json:"message" validate:"required_without=MediaURL"`
	MediaURL        string `json:"media_url" validate:"omitempty,url"`
	ScheduledDate   string `json:"scheduled_date" validate:"omitempty,datetime=2006-01-02"`
	ScheduledTime   string `json:"scheduled_time"`
	Limit           int    `json:"limit" validate:"min=1"`
	MinDelaySeconds int    `json:"min_delay_seconds" validate:"min=0"`
	MaxDelaySeconds int    `json:"max_delay_seconds" validate:"gtefield=MinDelaySeconds"`
}

// CampaignView is a campaign with its delivery rollup
type CampaignView struct {
	*dispatch.Campaign
	Stats stats.Rollup `json:"stats"`
}

// handleListCampaigns handles GET /api/campaigns?status=
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	var statuses []dispatch.CampaignStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			statuses = append(statuses, dispatch.CampaignStatus(strings.TrimSpace(st)))
		}
	}

	campaigns, err := s.deps.Dispatcher.ListCampaigns(r.Context(), statuses...)
	if err != nil {
		s.sendErr(w, err)
		return
	}

	views := make([]CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		views = append(views, CampaignView{Campaign: c, Stats: s.deps.Stats.Campaign(c.ID)})
	}
	sendSuccess(w, "Success get campaigns", views)
}

// handleCreateCampaign handles POST /api/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := decode(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}

	c, err := s.deps.Dispatcher.CreateCampaign(r.Context(), &dispatch.Campaign{
		Title:           req.Title,
		Niche:           req.Niche,
		TargetStatus:    req.TargetStatus,
		Message:         req.Message,
		MediaURL:        req.MediaURL,
		ScheduledDate:   req.ScheduledDate,
		ScheduledTime:   req.ScheduledTime,
		Limit:           req.Limit,
		MinDelaySeconds: req.MinDelaySeconds,
		MaxDelaySeconds: req.MaxDelaySeconds,
	})
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Campaign created", c)
}

// handleGetCampaign handles GET /api/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Dispatcher.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get campaign", CampaignView{Campaign: c, Stats: s.deps.Stats.Campaign(c.ID)})
}

// handleTriggerCampaign handles POST /api/campaigns-ai/{id}/trigger
func (s *Server) handleTriggerCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Dispatcher.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Campaign triggered", res)
}

// handleCampaignSummary handles GET /api/campaigns/summary
func (s *Server) handleCampaignSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Dispatcher.Summary(r.Context())
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get campaign summary", summary)
}

// LeadInput is one lead of an import
type LeadInput struct {
	Name         string `json:"name"`
	Phone        string `json:"phone" validate:"required,min=6,max=20"`
	Niche        string `json:"niche"`
	TargetStatus string `json:"target_status"`
	DeviceID     string `json:"device_id"`
}

// ImportLeadsRequest is the request body for POST /api/leads
type ImportLeadsRequest struct {
	Leads []LeadInput `json:"leads" validate:"required,min=1,dive"`
}

// handleImportLeads handles POST /api/leads
func (s *Server) handleImportLeads(w http.ResponseWriter, r *http.Request) {
	var req ImportLeadsRequest
	if err := decode(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}

	leads := make([]*dispatch.Lead, 0, len(req.Leads))
	for _, l := range req.Leads {
		leads = append(leads, &dispatch.Lead{
			Name:         l.Name,
			Phone:        l.Phone,
			Niche:        l.Niche,
			TargetStatus: l.TargetStatus,
			DeviceID:     l.DeviceID,
		})
	}

	n, err := s.deps.Dispatcher.ImportLeads(r.Context(), leads)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Leads imported", map[string]int{"imported": n})
}

// StepInput is one step of a new sequence
type StepInput struct {
	Day         int                   `json:"day" validate:"min=1"`
	Trigger     string                `json:"trigger"`
	DelayHours  int                   `json:"delay_hours" validate:"min=0"`
	MessageType transport.MessageType `json:"message_type" validate:"omitempty,oneof=text image video document"`
	Content     string                `json:"content"`
	MediaURL    string                `json:"media_url" validate:"omitempty,url"`
	Caption     string                `json:"caption"`
}

// CreateSequenceRequest is the request body for POST /api/sequences
type CreateSequenceRequest struct {
	Name            string      `json:"name" validate:"required,max=255"`
	Niche           string      `json:"niche"`
	TargetStatus    string      `json:"target_status"`
	Status          string      `json:"status" validate:"omitempty,oneof=active inactive"`
	Limit           int         `json:"limit" validate:"min=1"`
	MinDelaySeconds int         `json:"min_delay_seconds" validate:"min=0"`
	MaxDelaySeconds int         `json:"max_delay_seconds" validate:"gtefield=MinDelaySeconds"`
	Steps           []StepInput `json:"steps" validate:"required,min=1,dive"`
}

// handleCreateSequence handles POST /api/sequences
func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req CreateSequenceRequest
	if err := decode(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}

	seq := &dispatch.Sequence{
		Name:            req.Name,
		Niche:           req.Niche,
		TargetStatus:    req.TargetStatus,
		Status:          dispatch.SequenceStatus(req.Status),
		Limit:           req.Limit,
		MinDelaySeconds: req.MinDelaySeconds,
		MaxDelaySeconds: req.MaxDelaySeconds,
	}
	for _, st := range req.Steps {
		seq.Steps = append(seq.Steps, dispatch.Step{
			Day:         st.Day,
			Trigger:     st.Trigger,
			DelayHours:  st.DelayHours,
			MessageType: st.MessageType,
			Content:     st.Content,
			MediaURL:    st.MediaURL,
			Caption:     st.Caption,
		})
	}

	created, err := s.deps.Dispatcher.CreateSequence(r.Context(), seq)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Sequence created", created)
}

// handleGetSequence handles GET /api/sequences/{id}
func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Dispatcher.GetSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get sequence", seq)
}

// handleTriggerSequence handles POST /api/sequences/{id}/trigger
func (s *Server) handleTriggerSequence(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Dispatcher.TriggerSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Sequence triggered", res)
}

// handleSequenceDeviceReport handles
// GET /api/sequences/{id}/device-report?start_date=&end_date=
// Dates are YYYY-MM-DD in the engine timezone, both inclusive.
func (s *Server) handleSequenceDeviceReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Dispatcher.GetSequence(r.Context(), id); err != nil {
		s.sendErr(w, err)
		return
	}

	verr := &dispatch.ValidationError{}
	from := s.parseDate(r, "start_date", verr)
	to := s.parseDate(r, "end_date", verr)
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		verr.Fields = append(verr.Fields, dispatch.FieldError{Field: "end_date", Message: "must not be before start_date"})
	}
	if len(verr.Fields) > 0 {
		s.sendErr(w, verr)
		return
	}

	report, err := s.deps.Stats.SequenceDeviceReport(r.Context(), id, from, to)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get device report", report)
}

func (s *Server) parseDate(r *http.Request, param string, verr *dispatch.ValidationError) time.Time {
	v := r.URL.Query().Get(param)
	if v == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", v, s.deps.Location)
	if err != nil {
		verr.Fields = append(verr.Fields, dispatch.FieldError{Field: param, Message: "must match YYYY-MM-DD"})
		return time.Time{}
	}
	return t
}
