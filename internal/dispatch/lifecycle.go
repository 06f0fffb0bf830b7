package dispatch

import (
	"context"
	"fmt"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
)

// Lifecycle moves campaigns through processing and completion and advances
// sequence contacts as their targets complete. Register it with the queue
// after the stats aggregator so rollups already include the event.
type Lifecycle struct {
	queue.BaseObserver
	d *Dispatcher
}

// Lifecycle returns the queue observer of the dispatcher
func (d *Dispatcher) Lifecycle() *Lifecycle {
	return &Lifecycle{d: d}
}

// TargetClaimed implements queue.Observer
func (l *Lifecycle) TargetClaimed(t *queue.Target) {
	if t.CampaignID == "" {
		return
	}
	ctx := context.Background()
	d := l.d

	mu := d.lock("campaign:" + t.CampaignID)
	mu.Lock()
	defer mu.Unlock()

	c, err := d.store.GetCampaign(ctx, t.CampaignID)
	if err != nil || c == nil || c.Status != CampaignTriggered {
		return
	}
	if _, err := d.setStatus(ctx, c, []CampaignStatus{CampaignTriggered}, CampaignProcessing, "sending"); err != nil {
		d.logger.Error("failed to mark campaign processing", "campaign_id", c.ID, "error", err)
	}
}

// TargetCompleted implements queue.Observer
func (l *Lifecycle) TargetCompleted(t *queue.Target) {
	ctx := context.Background()
	if t.CampaignID != "" {
		l.d.settleCampaign(ctx, t.CampaignID)
	}
	if t.SequenceID != "" {
		if err := l.d.advance(ctx, t); err != nil {
			l.d.logger.Error("failed to advance sequence contact",
				"sequence_id", t.SequenceID,
				"lead_id", t.Contact.LeadID,
				"error", err,
			)
		}
	}
}

// TargetsResumed implements queue.Observer
func (l *Lifecycle) TargetsResumed(targets []*queue.Target) {
	ctx := context.Background()
	d := l.d

	seen := make(map[string]bool)
	for _, t := range targets {
		if t.CampaignID == "" || seen[t.CampaignID] {
			continue
		}
		seen[t.CampaignID] = true

		mu := d.lock("campaign:" + t.CampaignID)
		mu.Lock()
		c, err := d.store.GetCampaign(ctx, t.CampaignID)
		if err == nil && c != nil && c.Status == CampaignCompletedWithErrors {
			if _, err := d.setStatus(ctx, c, []CampaignStatus{CampaignCompletedWithErrors}, CampaignProcessing, "resumed failed targets"); err != nil {
				d.logger.Error("failed to resume campaign", "campaign_id", c.ID, "error", err)
			}
		}
		mu.Unlock()

		if d.waker != nil {
			d.waker.Wake(t.DeviceID)
		}
	}
}

// settleCampaign finishes a campaign whose targets are all terminal
func (d *Dispatcher) settleCampaign(ctx context.Context, id string) {
	mu := d.lock("campaign:" + id)
	mu.Lock()
	defer mu.Unlock()

	r := d.rollups.Campaign(id)
	if r.ShouldSend == 0 || r.RemainingSend > 0 {
		return
	}

	c, err := d.store.GetCampaign(ctx, id)
	if err != nil || c == nil {
		return
	}

	to := CampaignFinished
	msg := fmt.Sprintf("%d sent", r.DoneSend)
	if r.FailedSend > 0 {
		to = CampaignCompletedWithErrors
		msg = fmt.Sprintf("%d sent, %d failed", r.DoneSend, r.FailedSend)
	}
	if _, err := d.setStatus(ctx, c, []CampaignStatus{CampaignTriggered, CampaignProcessing}, to, msg); err != nil {
		d.logger.Error("failed to settle campaign", "campaign_id", id, "error", err)
	}
}

// MonitorResult reports one status monitor round
type MonitorResult struct {
	Released int      `json:"released"`
	Settled  []string `json:"settled,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

// Monitor releases claims held longer than the stuck threshold unless a
// running worker is processing that exact target, settles campaigns whose
// targets are all terminal and fails active campaigns that have no targets.
func (d *Dispatcher) Monitor(ctx context.Context) (*MonitorResult, error) {
	result := &MonitorResult{}

	stuck, err := d.queue.ListStuck(ctx, d.stuck)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck targets: %w", err)
	}
	for _, t := range stuck {
		if d.current != nil && d.current(t.DeviceID) == t.ID {
			continue
		}
		if err := d.queue.Release(ctx, t.ID); err != nil {
			d.logger.Warn("failed to release stuck target", "target_id", t.ID, "error", err)
			continue
		}
		result.Released++
	}
	if result.Released > 0 {
		d.logger.Warn("released stuck claims", "count", result.Released)
	}

	active, err := d.store.ListCampaigns(ctx, CampaignTriggered, CampaignProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to list active campaigns: %w", err)
	}
	for _, c := range active {
		r := d.rollups.Campaign(c.ID)
		switch {
		case r.ShouldSend == 0:
			mu := d.lock("campaign:" + c.ID)
			mu.Lock()
			if ok, err := d.setStatus(ctx, c, []CampaignStatus{CampaignTriggered, CampaignProcessing}, CampaignFailed, "no targets"); err == nil && ok {
				result.Failed = append(result.Failed, c.ID)
			}
			mu.Unlock()
		case r.RemainingSend == 0:
			d.settleCampaign(ctx, c.ID)
			result.Settled = append(result.Settled, c.ID)
		}
	}
	return result, nil
}
