// Package stats folds target outcomes into per-device, per-step, per-campaign
// and per-sequence rollups.
package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
)

// Rollup is the delivery summary of a group of targets.
// DoneSend + FailedSend + RemainingSend == ShouldSend.
type Rollup struct {
	ShouldSend    int `json:"should_send"`
	DoneSend      int `json:"done_send"`
	FailedSend    int `json:"failed_send"`
	RemainingSend int `json:"remaining_send"`
	TotalLeads    int `json:"total_leads"`
}

// Kind is the granularity of a rollup
type Kind string

const (
	KindDevice   Kind = "device"
	KindCampaign Kind = "campaign"
	KindStep     Kind = "step"
	KindSequence Kind = "sequence"
)

// Source is what the aggregator scans to reconcile
type Source interface {
	ForEach(ctx context.Context, fn func(t *queue.Target) error) error
}

// Archive is implemented by sources that keep targets removed by cleanup.
// Archived targets are scanned along with the live ones.
type Archive interface {
	ForEachArchived(ctx context.Context, fn func(t *queue.Target) error) error
}

type counter struct {
	Rollup
	leads map[string]int // phone -> targets
}

func (c *counter) add(t *queue.Target) {
	c.ShouldSend++
	switch t.Status {
	case queue.StatusSent:
		c.DoneSend++
	case queue.StatusFailed:
		c.FailedSend++
	default:
		c.RemainingSend++
	}
	if c.leads[t.Contact.Phone] == 0 {
		c.TotalLeads++
	}
	c.leads[t.Contact.Phone]++
}

type key struct {
	kind Kind
	id   string
}

func keysOf(t *queue.Target) []key {
	keys := []key{{KindDevice, t.DeviceID}}
	if t.CampaignID != "" {
		keys = append(keys, key{KindCampaign, t.CampaignID})
	}
	if t.StepID != "" {
		keys = append(keys, key{KindStep, t.StepID})
	}
	if t.SequenceID != "" {
		keys = append(keys, key{KindSequence, t.SequenceID})
	}
	return keys
}

type state map[key]*counter

func (s state) get(k key) *counter {
	c, ok := s[k]
	if !ok {
		c = &counter{leads: make(map[string]int)}
		s[k] = c
	}
	return c
}

// Aggregator maintains rollups incrementally from queue events
type Aggregator struct {
	queue.BaseObserver

	source Source
	logger *slog.Logger

	mu    sync.Mutex
	state state
}

// NewAggregator creates a new aggregator
func NewAggregator(source Source, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{
		source: source,
		logger: logger.With("component", "stats"),
		state:  make(state),
	}
}

// TargetsEnqueued implements queue.Observer
func (a *Aggregator) TargetsEnqueued(targets []*queue.Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range targets {
		for _, k := range keysOf(t) {
			a.state.get(k).add(t)
		}
	}
}

// TargetCompleted implements queue.Observer
func (a *Aggregator) TargetCompleted(t *queue.Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keysOf(t) {
		c := a.state.get(k)
		c.RemainingSend--
		if t.Status == queue.StatusSent {
			c.DoneSend++
		} else {
			c.FailedSend++
		}
	}
}

// TargetsResumed implements queue.Observer
func (a *Aggregator) TargetsResumed(targets []*queue.Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range targets {
		for _, k := range keysOf(t) {
			c := a.state.get(k)
			c.FailedSend--
			c.RemainingSend++
		}
	}
}

// Get returns the rollup of one device, campaign, step or sequence
func (a *Aggregator) Get(kind Kind, id string) Rollup {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.state[key{kind, id}]; ok {
		return c.Rollup
	}
	return Rollup{}
}

// Campaign returns the rollup of a campaign
func (a *Aggregator) Campaign(id string) Rollup {
	return a.Get(KindCampaign, id)
}

// Device returns the rollup of a device
func (a *Aggregator) Device(id string) Rollup {
	return a.Get(KindDevice, id)
}

// All returns every rollup of a kind keyed by id
func (a *Aggregator) All(kind Kind) map[string]Rollup {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Rollup)
	for k, c := range a.state {
		if k.kind == kind {
			out[k.id] = c.Rollup
		}
	}
	return out
}

// Drift describes a rollup that differed from a full scan
type Drift struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	Incremental Rollup `json:"incremental"`
	Scanned     Rollup `json:"scanned"`
}

// Reconcile recomputes every rollup from a full scan, replaces the
// incremental state and returns the rollups that had drifted.
func (a *Aggregator) Reconcile(ctx context.Context) ([]Drift, error) {
	fresh := make(state)
	err := a.forEach(ctx, func(t *queue.Target) error {
		for _, k := range keysOf(t) {
			fresh.get(k).add(t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan targets: %w", err)
	}

	a.mu.Lock()
	var drifts []Drift
	for k, c := range fresh {
		old, ok := a.state[k]
		if !ok || old.Rollup != c.Rollup {
			d := Drift{Kind: k.kind, ID: k.id, Scanned: c.Rollup}
			if ok {
				d.Incremental = old.Rollup
			}
			drifts = append(drifts, d)
		}
	}
	for k, old := range a.state {
		if _, ok := fresh[k]; !ok && old.Rollup != (Rollup{}) {
			drifts = append(drifts, Drift{Kind: k.kind, ID: k.id, Incremental: old.Rollup})
		}
	}
	a.state = fresh
	a.mu.Unlock()

	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].Kind == drifts[j].Kind {
			return drifts[i].ID < drifts[j].ID
		}
		return drifts[i].Kind < drifts[j].Kind
	})

	if len(drifts) > 0 {
		a.logger.Warn("rollups drifted from targets", "count", len(drifts))
	}
	return drifts, nil
}

func (a *Aggregator) forEach(ctx context.Context, fn func(t *queue.Target) error) error {
	if err := a.source.ForEach(ctx, fn); err != nil {
		return err
	}
	if archive, ok := a.source.(Archive); ok {
		return archive.ForEachArchived(ctx, fn)
	}
	return nil
}

// ScanFilter restricts a scan. Zero values match everything; the date
// range applies to target creation time, To is exclusive.
type ScanFilter struct {
	DeviceID   string
	CampaignID string
	SequenceID string
	From       time.Time
	To         time.Time
}

func (f ScanFilter) match(t *queue.Target) bool {
	if f.DeviceID != "" && t.DeviceID != f.DeviceID {
		return false
	}
	if f.CampaignID != "" && t.CampaignID != f.CampaignID {
		return false
	}
	if f.SequenceID != "" && t.SequenceID != f.SequenceID {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// ScanResult holds fresh rollups for the scanned targets
type ScanResult struct {
	Total     Rollup            `json:"total"`
	Devices   map[string]Rollup `json:"devices"`
	Campaigns map[string]Rollup `json:"campaigns,omitempty"`
	Steps     map[string]Rollup `json:"steps,omitempty"`
}

// Scan computes rollups for the targets matching the filter without
// touching the incremental state
func (a *Aggregator) Scan(ctx context.Context, filter ScanFilter) (*ScanResult, error) {
	total := &counter{leads: make(map[string]int)}
	groups := make(state)

	err := a.forEach(ctx, func(t *queue.Target) error {
		if !filter.match(t) {
			return nil
		}
		total.add(t)
		for _, k := range keysOf(t) {
			groups.get(k).add(t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan targets: %w", err)
	}

	result := &ScanResult{
		Total:     total.Rollup,
		Devices:   make(map[string]Rollup),
		Campaigns: make(map[string]Rollup),
		Steps:     make(map[string]Rollup),
	}
	for k, c := range groups {
		switch k.kind {
		case KindDevice:
			result.Devices[k.id] = c.Rollup
		case KindCampaign:
			result.Campaigns[k.id] = c.Rollup
		case KindStep:
			result.Steps[k.id] = c.Rollup
		}
	}
	return result, nil
}
