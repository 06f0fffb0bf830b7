package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/config"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/sandbox"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/store"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/worker"
)

const testAPIKey = "test-key"

type testEnv struct {
	server    *Server
	devices   *device.Manager
	queue     *queue.BoltStorage
	sandbox   *sandbox.Storage
	transport *sandbox.Transport
	workers   *worker.Pool
	limiter   *ratelimit.Limiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	q, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	sb, err := sandbox.NewStorage(q.DB())
	if err != nil {
		t.Fatalf("sandbox.NewStorage() error = %v", err)
	}
	tr := sandbox.NewTransport(sb, sandbox.Config{}, logger)
	t.Cleanup(tr.Close)

	mgr := device.NewManager(db, tr, device.Config{ReconnectBackoff: time.Millisecond}, logger)
	tr.SetEvents(mgr)
	t.Cleanup(mgr.Close)

	limiter, err := ratelimit.NewLimiter(q.DB(), &ratelimit.Config{
		DefaultDevice: &ratelimit.LimitConfig{MessagesPerHour: 50, MessagesPerDay: 2},
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	agg := stats.NewAggregator(q, logger)
	pool := worker.New(worker.Options{
		Queue:     q,
		Devices:   mgr,
		Transport: tr,
		Config:    worker.Config{DefaultMinDelay: time.Millisecond, DefaultMaxDelay: time.Millisecond},
		Logger:    logger,
	})
	t.Cleanup(func() { pool.StopAll() })

	d := dispatch.New(dispatch.Options{
		Store:        db,
		Queue:        q,
		Devices:      mgr,
		Rollups:      agg,
		Waker:        pool,
		Location:     time.UTC,
		WorkerTarget: pool.CurrentTarget,
		Logger:       logger,
	})
	q.AddObserver(agg)
	q.AddObserver(d.Lifecycle())

	snaps := &livesync.Snapshots{
		Devices: mgr,
		Rollups: agg,
		LoadCampaign: func(ctx context.Context, id string) (any, error) {
			c, err := db.GetCampaign(ctx, id)
			if c == nil || err != nil {
				return nil, err
			}
			return c, nil
		},
	}

	srv := NewServer(Deps{
		Devices:    mgr,
		Dispatcher: d,
		Queue:      q,
		Workers:    pool,
		Stats:      agg,
		Limiter:    limiter,
		Snapshots:  snaps,
		Sandbox:    NewSandboxServer(sb, tr),
		Location:   time.UTC,
		Version:    "test",
	}, &config.APIConfig{APIKey: testAPIKey}, logger)

	return &testEnv{
		server:    srv,
		devices:   mgr,
		queue:     q,
		sandbox:   sb,
		transport: tr,
		workers:   pool,
		limiter:   limiter,
	}
}

type envelope struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Results json.RawMessage `json:"results"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: failed to decode response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, env
}

func decodeResults(t *testing.T, env envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Results, v); err != nil {
		t.Fatalf("failed to decode results %s: %v", env.Results, err)
	}
}

// onlineDevice creates a device and completes a sandbox pairing for it
func (e *testEnv) onlineDevice(t *testing.T, name string) string {
	t.Helper()

	_, env := e.do(t, http.MethodPost, "/api/devices", map[string]string{"name": name})
	var d device.Device
	decodeResults(t, env, &d)

	rec, _ := e.do(t, http.MethodPost, "/api/devices/"+d.ID+"/pair", map[string]string{"method": "qr"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pair status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec, _ = e.do(t, http.MethodPost, "/api/sandbox/devices/"+d.ID+"/complete-pairing?phone=60111", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete-pairing status = %d", rec.Code)
	}
	if !e.devices.IsOnline(d.ID) {
		t.Fatalf("device %s is not online after pairing", d.ID)
	}
	return d.ID
}

func (e *testEnv) seedLeads(t *testing.T, n int) {
	t.Helper()
	leads := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		leads = append(leads, map[string]string{
			"name":  fmt.Sprintf("Lead %d", i),
			"phone": fmt.Sprintf("6012%04d", i),
			"niche": "fitness",
		})
	}
	rec, _ := e.do(t, http.MethodPost, "/api/leads", map[string]any{"leads": leads})
	if rec.Code != http.StatusOK {
		t.Fatalf("import leads status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func (e *testEnv) createCampaign(t *testing.T, limit int) string {
	t.Helper()
	rec, env := e.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"title":             "Promo",
		"niche":             "fitness",
		"message":           "Hi {name}",
		"limit":             limit,
		"min_delay_seconds": 1,
		"max_delay_seconds": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create campaign status = %d, body %s", rec.Code, rec.Body.String())
	}
	var c dispatch.Campaign
	decodeResults(t, env, &c)
	return c.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" || resp.Queue == nil {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		value  string
		query  string
		want   int
	}{
		{"no key", "", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer nope", "", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer " + testAPIKey, "", http.StatusOK},
		{"x-api-key", "X-API-Key", testAPIKey, "", http.StatusOK},
		{"query", "", "", "?api_key=" + testAPIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/devices"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			e.server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestDevicePairingFlow(t *testing.T) {
	e := newTestEnv(t)
	id := e.onlineDevice(t, "Sales 1")

	_, env := e.do(t, http.MethodGet, "/api/devices", nil)
	var devices []device.Device
	decodeResults(t, env, &devices)
	if len(devices) != 1 || devices[0].Status != device.StatusOnline || devices[0].Phone != "60111" {
		t.Fatalf("devices = %+v", devices)
	}

	// A second pairing of an online device is a state conflict
	rec, env := e.do(t, http.MethodPost, "/api/devices/"+id+"/pair", map[string]string{"method": "qr"})
	if rec.Code != http.StatusConflict || env.Code != CodeConflict {
		t.Errorf("pair online device = %d %s, want 409 CONFLICT", rec.Code, env.Code)
	}

	rec, _ = e.do(t, http.MethodGet, "/app/logout?deviceId="+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body %s", rec.Code, rec.Body.String())
	}
	d, err := e.devices.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Status != device.StatusOffline || d.HasSession() {
		t.Errorf("after logout status = %s, session = %v", d.Status, d.HasSession())
	}
}

func TestDeviceValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name  string
		path  string
		body  any
		field string
	}{
		{"missing name", "/api/devices", map[string]string{}, "name"},
		{"bad pair method", "/api/devices/x/pair", map[string]string{"method": "nfc"}, "method"},
		{"code without phone", "/api/devices/x/pair", map[string]string{"method": "code"}, "phone"},
		{"bad event", "/api/devices/x/events", map[string]string{"type": "exploded"}, "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := e.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var fields []dispatch.FieldError
			decodeResults(t, env, &fields)
			if len(fields) == 0 || fields[0].Field != tt.field {
				t.Errorf("fields = %+v, want %s", fields, tt.field)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	e := newTestEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/campaigns/missing"},
		{http.MethodPost, "/api/campaigns-ai/missing/trigger"},
		{http.MethodGet, "/api/sequences/missing"},
		{http.MethodGet, "/api/targets/missing"},
		{http.MethodGet, "/api/sync/devices/missing"},
		{http.MethodGet, "/api/sync/campaigns/missing"},
		{http.MethodPost, "/api/devices/missing/reconnect"},
		{http.MethodPost, "/api/workers/missing/start"},
	}

	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			rec, env := e.do(t, p.method, p.path, nil)
			if rec.Code != http.StatusNotFound || env.Code != CodeNotFound {
				t.Errorf("status = %d %s, want 404 NOT_FOUND", rec.Code, env.Code)
			}
		})
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	e := newTestEnv(t)

	rec, env := e.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"limit":             0,
		"min_delay_seconds": 10,
		"max_delay_seconds": 5,
	})
	if rec.Code != http.StatusBadRequest || env.Code != CodeBadRequest {
		t.Fatalf("status = %d %s, want 400 BAD_REQUEST", rec.Code, env.Code)
	}

	var fields []dispatch.FieldError
	decodeResults(t, env, &fields)
	got := make(map[string]bool)
	for _, f := range fields {
		got[f.Field] = true
	}
	for _, want := range []string{"title", "message", "limit", "max_delay_seconds"} {
		if !got[want] {
			t.Errorf("missing field error for %s in %+v", want, fields)
		}
	}
}

func TestTriggerWithoutDevices(t *testing.T) {
	e := newTestEnv(t)
	e.seedLeads(t, 3)
	id := e.createCampaign(t, 10)

	rec, env := e.do(t, http.MethodPost, "/api/campaigns-ai/"+id+"/trigger", nil)
	if rec.Code != http.StatusConflict || env.Code != CodeNoDevices {
		t.Fatalf("status = %d %s, want 409 NO_DEVICES", rec.Code, env.Code)
	}

	_, env = e.do(t, http.MethodGet, "/api/campaigns/"+id, nil)
	var view struct {
		Status        dispatch.CampaignStatus `json:"status"`
		StatusMessage string                  `json:"status_message"`
	}
	decodeResults(t, env, &view)
	if view.Status != dispatch.CampaignFailed {
		t.Errorf("campaign status = %s, want failed", view.Status)
	}
}

func TestTriggerCampaign(t *testing.T) {
	e := newTestEnv(t)
	d1 := e.onlineDevice(t, "Sales 1")
	d2 := e.onlineDevice(t, "Sales 2")
	e.seedLeads(t, 5)
	id := e.createCampaign(t, 2)

	rec, env := e.do(t, http.MethodPost, "/api/campaigns-ai/"+id+"/trigger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res dispatch.TriggerResult
	decodeResults(t, env, &res)
	if res.Targets != 4 || res.Unassigned != 1 || res.Devices[d1] != 2 || res.Devices[d2] != 2 {
		t.Errorf("trigger result = %+v", res)
	}

	// A second trigger is rejected
	rec, _ = e.do(t, http.MethodPost, "/api/campaigns-ai/"+id+"/trigger", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second trigger status = %d, want 409", rec.Code)
	}

	_, env = e.do(t, http.MethodGet, "/api/queue/stats", nil)
	var qs queue.QueueStats
	decodeResults(t, env, &qs)
	if qs.Pending != 4 {
		t.Errorf("pending = %d, want 4", qs.Pending)
	}

	_, env = e.do(t, http.MethodGet, "/api/sync/campaigns/"+id, nil)
	var snap struct {
		Rollup stats.Rollup `json:"rollup"`
	}
	decodeResults(t, env, &snap)
	if snap.Rollup.ShouldSend != 4 || snap.Rollup.RemainingSend != 4 {
		t.Errorf("snapshot rollup = %+v", snap.Rollup)
	}

	_, env = e.do(t, http.MethodGet, "/api/campaigns/summary", nil)
	var summary dispatch.CampaignSummary
	decodeResults(t, env, &summary)
	if summary.Total != 1 || summary.ByStatus[dispatch.CampaignTriggered] != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSequenceEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.onlineDevice(t, "Sales 1")
	e.seedLeads(t, 2)

	rec, env := e.do(t, http.MethodPost, "/api/sequences", map[string]any{
		"name":  "Onboarding",
		"niche": "fitness",
		"limit": 10,
		"steps": []map[string]any{
			{"day": 2, "content": "Day two", "delay_hours": 24},
			{"day": 1, "content": "Welcome {name}"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create sequence status = %d, body %s", rec.Code, rec.Body.String())
	}
	var seq dispatch.Sequence
	decodeResults(t, env, &seq)
	if len(seq.Steps) != 2 || seq.Steps[0].Day != 1 {
		t.Fatalf("sequence steps = %+v", seq.Steps)
	}

	rec, env = e.do(t, http.MethodPost, "/api/sequences/"+seq.ID+"/trigger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger sequence status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res dispatch.SequenceResult
	decodeResults(t, env, &res)
	if res.Enrolled != 2 || res.Targets != 2 {
		t.Errorf("sequence result = %+v", res)
	}

	today := time.Now().UTC().Format("2006-01-02")
	rec, env = e.do(t, http.MethodGet, "/api/sequences/"+seq.ID+"/device-report?start_date="+today+"&end_date="+today, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("device report status = %d, body %s", rec.Code, rec.Body.String())
	}
	var report stats.SequenceReport
	decodeResults(t, env, &report)
	if report.Total.ShouldSend != 2 {
		t.Errorf("report total = %+v", report.Total)
	}

	rec, _ = e.do(t, http.MethodGet, "/api/sequences/"+seq.ID+"/device-report?start_date=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	e := newTestEnv(t)
	id := e.onlineDevice(t, "Sales 1")

	rec, _ := e.do(t, http.MethodPost, "/api/workers/"+id+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}

	_, env := e.do(t, http.MethodGet, "/api/workers/status", nil)
	var status WorkerStatus
	decodeResults(t, env, &status)
	if status.Running != 1 || len(status.Workers) != 1 || status.Workers[0].DeviceID != id {
		t.Errorf("status = %+v", status)
	}

	rec, env = e.do(t, http.MethodPost, "/api/workers/resume-failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume-failed status = %d", rec.Code)
	}
	var resumed map[string]int
	decodeResults(t, env, &resumed)
	if resumed["resumed"] != 0 {
		t.Errorf("resumed = %v, want 0", resumed)
	}

	_, env = e.do(t, http.MethodPost, "/api/workers/stop-all", nil)
	var stopped map[string]int
	decodeResults(t, env, &stopped)
	if stopped["stopped"] != 1 || e.workers.Count() != 0 {
		t.Errorf("stopped = %v, running = %d", stopped, e.workers.Count())
	}

	// Offline devices cannot get a worker
	e.transport.Revoke(id)
	rec, env = e.do(t, http.MethodPost, "/api/workers/"+id+"/restart", nil)
	if rec.Code != http.StatusConflict || env.Code != CodeConflict {
		t.Errorf("restart offline = %d %s, want 409 CONFLICT", rec.Code, env.Code)
	}
}

func TestRateLimitStats(t *testing.T) {
	e := newTestEnv(t)
	id := e.onlineDevice(t, "Sales 1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, err := e.limiter.Allow(ctx, id); err != nil || !res.Allowed {
			t.Fatalf("Allow() = %+v, %v", res, err)
		}
	}

	rec, env := e.do(t, http.MethodGet, "/api/ratelimits/device/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var q QuotaView
	decodeResults(t, env, &q)
	if q.DailyCount != 2 || q.DailyLimit != 2 || q.HourlyLimit != 50 {
		t.Errorf("quota = %+v, want 2 of 2 daily", q)
	}
	if q.Allowed || q.DeniedBy != string(ratelimit.LevelDevice) {
		t.Errorf("quota = %+v, want denied by device", q)
	}

	// Worker status carries the same usage
	e.do(t, http.MethodPost, "/api/workers/"+id+"/start", nil)
	_, env = e.do(t, http.MethodGet, "/api/workers/status", nil)
	var status WorkerStatus
	decodeResults(t, env, &status)
	if len(status.Workers) != 1 || status.Workers[0].Quota == nil || status.Workers[0].Quota.DailyCount != 2 {
		t.Errorf("worker status = %+v, want quota with 2 sent today", status)
	}

	rec, env = e.do(t, http.MethodGet, "/api/ratelimits/domain/x", nil)
	if rec.Code != http.StatusBadRequest || env.Code != CodeBadRequest {
		t.Errorf("unknown level = %d %s, want 400", rec.Code, env.Code)
	}
}

func TestGatewayEventCallback(t *testing.T) {
	e := newTestEnv(t)
	id := e.onlineDevice(t, "Sales 1")

	rec, env := e.do(t, http.MethodPost, "/api/devices/"+id+"/events", map[string]string{
		"type":   "logged_out",
		"reason": "unlinked from phone",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var d device.Device
	decodeResults(t, env, &d)
	if d.Status != device.StatusLoggedOut {
		t.Errorf("status = %s, want logged_out", d.Status)
	}
}

func TestSandboxMessages(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 3; i++ {
		err := e.sandbox.Save(context.Background(), &sandbox.Message{
			ID:         fmt.Sprintf("m%d", i),
			DeviceID:   "d1",
			To:         "60111",
			Type:       "text",
			Content:    "hello",
			CapturedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	_, env := e.do(t, http.MethodGet, "/api/sandbox/messages?device_id=d1&limit=2", nil)
	var list SandboxListResponse
	decodeResults(t, env, &list)
	if list.Total != 2 || list.Messages[0].ID != "m2" {
		t.Errorf("list = %+v", list)
	}

	_, env = e.do(t, http.MethodDelete, "/api/sandbox/messages", nil)
	var cleared map[string]int
	decodeResults(t, env, &cleared)
	if cleared["deleted"] != 3 {
		t.Errorf("deleted = %v, want 3", cleared)
	}

	rec, _ := e.do(t, http.MethodDelete, "/api/sandbox/messages?older_than=soon", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad duration status = %d, want 400", rec.Code)
	}
}
