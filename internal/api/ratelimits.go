package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
)

// QuotaView is the usage of one rate limit key against its configured limits
type QuotaView struct {
	Level       ratelimit.Level `json:"level"`
	Key         string          `json:"key"`
	HourlyCount int             `json:"hourly_count"`
	DailyCount  int             `json:"daily_count"`
	HourlyLimit int             `json:"hourly_limit"`
	DailyLimit  int             `json:"daily_limit"`

	// Allowed reports whether one more send would pass right now
	Allowed    bool   `json:"allowed"`
	DeniedBy   string `json:"denied_by,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func (s *Server) quota(ctx context.Context, level ratelimit.Level, key string) (*QuotaView, error) {
	st, err := s.deps.Limiter.GetStats(ctx, level, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit stats: %w", err)
	}
	view := &QuotaView{
		Level:       level,
		Key:         key,
		HourlyCount: st.HourlyCount,
		DailyCount:  st.DailyCount,
	}
	if lc := s.deps.Limiter.Limits(level, key); lc != nil {
		view.HourlyLimit = lc.MessagesPerHour
		view.DailyLimit = lc.MessagesPerDay
	}

	// The global level is checked without a device
	device := key
	if level == ratelimit.LevelGlobal {
		device = ""
	}
	res, err := s.deps.Limiter.Check(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	view.Allowed = res.Allowed
	if !res.Allowed {
		view.DeniedBy = string(res.DeniedBy)
		view.RetryAfter = res.RetryAfter.Round(time.Second).String()
	}
	return view, nil
}

// handleRateLimitStats handles GET /api/ratelimits/{level}/{key}
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		sendError(w, http.StatusServiceUnavailable, CodeUnavailable, "Rate limiting is not enabled", nil)
		return
	}

	level := ratelimit.Level(chi.URLParam(r, "level"))
	if level != ratelimit.LevelGlobal && level != ratelimit.LevelDevice {
		sendError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("unknown level %q", level), nil)
		return
	}

	view, err := s.quota(r.Context(), level, chi.URLParam(r, "key"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	sendSuccess(w, "Success get rate limit stats", view)
}
