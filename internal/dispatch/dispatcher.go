package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/metrics"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// Devices exposes the online device table
type Devices interface {
	Online() []*device.Device
}

// Quota reports the remaining daily sends of a device, -1 when unlimited
type Quota interface {
	RemainingToday(ctx context.Context, deviceID string) int
}

// Rollups exposes campaign rollups
type Rollups interface {
	Campaign(id string) stats.Rollup
}

// Waker is told when a device has new targets
type Waker interface {
	Wake(deviceID string)
}

// Options configures a Dispatcher. Quota, Events, Waker and WorkerTarget
// are optional.
type Options struct {
	Store    Store
	Queue    queue.Queue
	Devices  Devices
	Rollups  Rollups
	Quota    Quota
	Events   livesync.Publisher
	Waker    Waker
	Location *time.Location

	// StuckAfter is how long a claim may be held before the monitor
	// releases it
	StuckAfter time.Duration

	// WorkerTarget returns the target a running worker is processing for
	// a device, or "" when none. That one claim is left alone by the
	// monitor; any other claim of the device is released when stuck.
	WorkerTarget func(deviceID string) string

	Logger *slog.Logger
}

// Dispatcher turns campaigns and sequences into targets
type Dispatcher struct {
	store   Store
	queue   queue.Queue
	devices Devices
	rollups Rollups
	quota   Quota
	events  livesync.Publisher
	waker   Waker
	loc     *time.Location
	stuck   time.Duration
	current func(deviceID string) string
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	stuck := opts.StuckAfter
	if stuck <= 0 {
		stuck = 5 * time.Minute
	}

	return &Dispatcher{
		store:   opts.Store,
		queue:   opts.Queue,
		devices: opts.Devices,
		rollups: opts.Rollups,
		quota:   opts.Quota,
		events:  opts.Events,
		waker:   opts.Waker,
		loc:     loc,
		stuck:   stuck,
		current: opts.WorkerTarget,
		logger:  logger.With("component", "dispatcher"),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// lock returns the mutex serialising writes for one campaign or sequence
func (d *Dispatcher) lock(key string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	m, ok := d.locks[key]
	if !ok {
		m = &sync.Mutex{}
		d.locks[key] = m
	}
	return m
}

// CreateCampaign validates and stores a new pending campaign
func (d *Dispatcher) CreateCampaign(ctx context.Context, c *Campaign) (*Campaign, error) {
	now := d.now()
	c.ID = uuid.New().String()
	c.Status = CampaignPending
	c.StatusMessage = ""
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.TargetStatus == "" {
		c.TargetStatus = DefaultTargetStatus
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := d.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	d.logger.Info("campaign created", "campaign_id", c.ID, "title", c.Title)
	return c, nil
}

// GetCampaign returns a campaign or ErrCampaignNotFound
func (d *Dispatcher) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return c, nil
}

// ListCampaigns returns campaigns in the given statuses, all when none
func (d *Dispatcher) ListCampaigns(ctx context.Context, statuses ...CampaignStatus) ([]*Campaign, error) {
	return d.store.ListCampaigns(ctx, statuses...)
}

// ImportLeads stores leads, updating existing ones by phone
func (d *Dispatcher) ImportLeads(ctx context.Context, leads []*Lead) (int, error) {
	return d.store.SaveLeads(ctx, leads)
}

// TriggerResult reports a campaign fan-out
type TriggerResult struct {
	CampaignID string         `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`
	Targets    int            `json:"targets"`
	Skipped    int            `json:"skipped"`
	Devices    map[string]int `json:"devices"`
	Unassigned int            `json:"unassigned"`
}

// slot is a device that can take targets in this round
type slot struct {
	deviceID string
	capacity int
}

// availableSlots returns the online devices with quota left, sorted by id,
// each capped at limit
func (d *Dispatcher) availableSlots(ctx context.Context, limit int) []*slot {
	online := d.devices.Online()
	sort.Slice(online, func(i, j int) bool { return online[i].ID < online[j].ID })

	slots := make([]*slot, 0, len(online))
	for _, dev := range online {
		capacity := limit
		if d.quota != nil {
			if remaining := d.quota.RemainingToday(ctx, dev.ID); remaining >= 0 && remaining < capacity {
				capacity = remaining
			}
		}
		if capacity <= 0 {
			continue
		}
		slots = append(slots, &slot{deviceID: dev.ID, capacity: capacity})
	}
	return slots
}

// roundRobin hands out slots in device order, skipping full devices.
// It returns nil once every device is full.
type roundRobin struct {
	slots []*slot
	next  int
}

func (r *roundRobin) take() *slot {
	for i := 0; i < len(r.slots); i++ {
		s := r.slots[(r.next+i)%len(r.slots)]
		if s.capacity > 0 {
			s.capacity--
			r.next = (r.next + i + 1) % len(r.slots)
			return s
		}
	}
	return nil
}

// takeDevice takes capacity from a specific device, if it has any
func (r *roundRobin) takeDevice(deviceID string) *slot {
	for _, s := range r.slots {
		if s.deviceID == deviceID && s.capacity > 0 {
			s.capacity--
			return s
		}
	}
	return nil
}

// Trigger fans a pending campaign out across online devices. Validation
// errors leave the campaign pending; capacity errors fail it.
func (d *Dispatcher) Trigger(ctx context.Context, id string) (*TriggerResult, error) {
	mu := d.lock("campaign:" + id)
	mu.Lock()
	defer mu.Unlock()

	c, err := d.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignPending {
		return nil, fmt.Errorf("%w: campaign %s is %s", ErrNotPending, id, c.Status)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	logger := d.logger.With("campaign_id", id)

	leads, err := d.store.FindLeads(ctx, c.leadFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to find leads: %w", err)
	}

	slots := d.availableSlots(ctx, c.Limit)
	if len(slots) == 0 {
		d.failCampaign(ctx, c, ErrNoOnlineDevices.Error())
		return nil, ErrNoOnlineDevices
	}
	if len(leads) == 0 {
		d.failCampaign(ctx, c, ErrNoEligibleContacts.Error())
		return nil, ErrNoEligibleContacts
	}

	result := &TriggerResult{CampaignID: id, Devices: make(map[string]int)}
	rr := &roundRobin{slots: slots}
	targets := make([]*queue.Target, 0, len(leads))
	for i, lead := range leads {
		s := rr.take()
		if s == nil {
			result.Unassigned = len(leads) - i
			break
		}
		targets = append(targets, campaignTarget(c, lead, s.deviceID))
	}

	enq, err := d.queue.Enqueue(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue targets: %w", err)
	}
	for _, t := range enq.Enqueued {
		result.Devices[t.DeviceID]++
	}
	result.Targets = enq.Count
	result.Skipped = enq.Skipped

	msg := fmt.Sprintf("%d targets across %d devices", result.Targets, len(result.Devices))
	if result.Unassigned > 0 {
		msg += fmt.Sprintf(", %d contacts over device limit", result.Unassigned)
	}
	if _, err := d.setStatus(ctx, c, []CampaignStatus{CampaignPending}, CampaignTriggered, msg); err != nil {
		return nil, err
	}
	result.Status = CampaignTriggered

	logger.Info("campaign triggered",
		"targets", result.Targets,
		"devices", len(result.Devices),
		"unassigned", result.Unassigned,
	)

	if d.waker != nil {
		for deviceID := range result.Devices {
			d.waker.Wake(deviceID)
		}
	}
	return result, nil
}

func campaignTarget(c *Campaign, lead *Lead, deviceID string) *queue.Target {
	t := &queue.Target{
		CampaignID:      c.ID,
		Contact:         queue.Contact{LeadID: lead.ID, Name: lead.Name, Phone: lead.Phone},
		DeviceID:        deviceID,
		MessageType:     string(transport.MessageText),
		Content:         c.Message,
		MinDelaySeconds: c.MinDelaySeconds,
		MaxDelaySeconds: c.MaxDelaySeconds,
	}
	if c.MediaURL != "" {
		t.MessageType = string(transport.MessageImage)
		t.MediaURL = c.MediaURL
		t.Caption = c.Message
	}
	return t
}

// setStatus moves a campaign between states and publishes the change.
// It reports whether the stored status changed.
func (d *Dispatcher) setStatus(ctx context.Context, c *Campaign, from []CampaignStatus, to CampaignStatus, msg string) (bool, error) {
	ok, err := d.store.UpdateCampaignStatus(ctx, c.ID, from, to, msg)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	c.Status = to
	c.StatusMessage = msg
	c.UpdatedAt = d.now()

	metrics.IncCampaignTransition(string(to))
	d.logger.Info("campaign status changed", "campaign_id", c.ID, "status", to, "message", msg)
	d.publish(livesync.Event{
		Code:       livesync.CampaignStatus,
		Message:    fmt.Sprintf("Campaign %s is %s", c.Title, to),
		Result:     c,
		CampaignID: c.ID,
	})
	return true, nil
}

func (d *Dispatcher) failCampaign(ctx context.Context, c *Campaign, msg string) {
	if _, err := d.setStatus(ctx, c, []CampaignStatus{CampaignPending, CampaignTriggered, CampaignProcessing}, CampaignFailed, msg); err != nil {
		d.logger.Error("failed to mark campaign failed", "campaign_id", c.ID, "error", err)
	}
}

func (d *Dispatcher) publish(e livesync.Event) {
	if d.events != nil {
		d.events.Publish(e)
	}
}

// DueSummary reports a scheduled trigger round
type DueSummary struct {
	Triggered []*TriggerResult  `json:"triggered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// TriggerDue triggers every pending campaign whose schedule has passed
func (d *Dispatcher) TriggerDue(ctx context.Context, now time.Time) (*DueSummary, error) {
	pending, err := d.store.ListCampaigns(ctx, CampaignPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending campaigns: %w", err)
	}

	summary := &DueSummary{Failed: make(map[string]string)}
	for _, c := range pending {
		at, err := c.scheduledAt(d.loc)
		if err != nil {
			summary.Failed[c.ID] = err.Error()
			continue
		}
		if now.Before(at) {
			continue
		}

		result, err := d.Trigger(ctx, c.ID)
		switch {
		case err == nil:
			summary.Triggered = append(summary.Triggered, result)
		case errors.Is(err, ErrNotPending):
			// Triggered concurrently
		default:
			var verr *ValidationError
			if errors.As(err, &verr) {
				d.logger.Warn("scheduled campaign is invalid", "campaign_id", c.ID, "error", err)
			}
			summary.Failed[c.ID] = err.Error()
		}
	}
	return summary, nil
}

// CampaignSummary counts campaigns per status with their delivery totals
type CampaignSummary struct {
	Total    int                    `json:"total"`
	ByStatus map[CampaignStatus]int `json:"by_status"`
	Delivery stats.Rollup           `json:"delivery"`
}

// Summary aggregates every campaign
func (d *Dispatcher) Summary(ctx context.Context) (*CampaignSummary, error) {
	campaigns, err := d.store.ListCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	s := &CampaignSummary{ByStatus: make(map[CampaignStatus]int)}
	for _, c := range campaigns {
		s.Total++
		s.ByStatus[c.Status]++
		r := d.rollups.Campaign(c.ID)
		s.Delivery.ShouldSend += r.ShouldSend
		s.Delivery.DoneSend += r.DoneSend
		s.Delivery.FailedSend += r.FailedSend
		s.Delivery.RemainingSend += r.RemainingSend
		s.Delivery.TotalLeads += r.TotalLeads
	}
	return s, nil
}
