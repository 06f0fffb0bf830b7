package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// CreateSequence validates and stores a sequence with its steps
func (d *Dispatcher) CreateSequence(ctx context.Context, s *Sequence) (*Sequence, error) {
	now := d.now()
	s.ID = uuid.New().String()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = SequenceActive
	}
	if s.TargetStatus == "" {
		s.TargetStatus = DefaultTargetStatus
	}
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].Day < s.Steps[j].Day })
	for i := range s.Steps {
		if s.Steps[i].MessageType == "" {
			s.Steps[i].MessageType = transport.MessageText
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := d.store.CreateSequence(ctx, s); err != nil {
		return nil, err
	}

	d.logger.Info("sequence created", "sequence_id", s.ID, "name", s.Name, "steps", len(s.Steps))
	return s, nil
}

// GetSequence returns a sequence or ErrSequenceNotFound
func (d *Dispatcher) GetSequence(ctx context.Context, id string) (*Sequence, error) {
	s, err := d.store.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSequenceNotFound, id)
	}
	return s, nil
}

// SequenceResult reports one enrolment round of a sequence
type SequenceResult struct {
	SequenceID string         `json:"sequence_id"`
	Enrolled   int            `json:"enrolled"`
	Targets    int            `json:"targets"`
	Devices    map[string]int `json:"devices"`
	Unassigned int            `json:"unassigned"`
}

// TriggerSequence enrols eligible leads not yet in the sequence, up to the
// sequence limit per device, and enqueues their first step. A lead's own
// device is preferred when it is online and has room.
func (d *Dispatcher) TriggerSequence(ctx context.Context, id string) (*SequenceResult, error) {
	mu := d.lock("sequence:" + id)
	mu.Lock()
	defer mu.Unlock()

	s, err := d.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != SequenceActive {
		return nil, fmt.Errorf("%w: %s", ErrSequenceInactive, id)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	leads, err := d.store.FindLeads(ctx, s.leadFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to find leads: %w", err)
	}
	enrolled, err := d.store.EnrolledLeads(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &SequenceResult{SequenceID: id, Devices: make(map[string]int)}

	var fresh []*Lead
	for _, l := range leads {
		if !enrolled[l.ID] {
			fresh = append(fresh, l)
		}
	}
	if len(fresh) == 0 {
		return result, nil
	}

	slots := d.availableSlots(ctx, s.Limit)
	if len(slots) == 0 {
		return nil, ErrNoOnlineDevices
	}

	now := d.now()
	first := &s.Steps[0]
	rr := &roundRobin{slots: slots}

	var targets []*queue.Target
	var contacts []*SequenceContact
	for _, l := range fresh {
		var sl *slot
		if l.DeviceID != "" {
			sl = rr.takeDevice(l.DeviceID)
		}
		if sl == nil {
			sl = rr.take()
		}
		if sl == nil {
			result.Unassigned++
			continue
		}

		contact := queue.Contact{LeadID: l.ID, Name: l.Name, Phone: l.Phone}
		targets = append(targets, stepTarget(s, first, contact, sl.deviceID, now))
		contacts = append(contacts, &SequenceContact{
			SequenceID: id,
			LeadID:     l.ID,
			Phone:      l.Phone,
			CurrentDay: first.Day,
			Status:     ContactActive,
			DeviceID:   sl.deviceID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	// Targets go in first: a retried round is absorbed by queue dedup
	enq, err := d.queue.Enqueue(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue targets: %w", err)
	}
	if err := d.store.EnrolContacts(ctx, contacts); err != nil {
		return nil, err
	}

	result.Enrolled = len(contacts)
	result.Targets = enq.Count
	for _, c := range contacts {
		result.Devices[c.DeviceID]++
	}

	d.logger.Info("sequence triggered",
		"sequence_id", id,
		"enrolled", result.Enrolled,
		"unassigned", result.Unassigned,
	)

	if d.waker != nil {
		for deviceID := range result.Devices {
			d.waker.Wake(deviceID)
		}
	}
	return result, nil
}

func stepTarget(s *Sequence, st *Step, contact queue.Contact, deviceID string, from time.Time) *queue.Target {
	return &queue.Target{
		SequenceID:      s.ID,
		StepID:          st.ID,
		StepDay:         st.Day,
		Contact:         contact,
		DeviceID:        deviceID,
		MessageType:     string(st.MessageType),
		Content:         st.Content,
		MediaURL:        st.MediaURL,
		Caption:         st.Caption,
		MinDelaySeconds: s.MinDelaySeconds,
		MaxDelaySeconds: s.MaxDelaySeconds,
		NotBefore:       from.Add(time.Duration(st.DelayHours) * time.Hour),
	}
}

// advance moves a contact past the step of a completed target and enqueues
// the next step. Only the first completion of a step moves the contact.
func (d *Dispatcher) advance(ctx context.Context, t *queue.Target) error {
	s, err := d.store.GetSequence(ctx, t.SequenceID)
	if err != nil || s == nil {
		return err
	}
	current := s.step(t.StepID)
	if current == nil {
		return fmt.Errorf("step %s not in sequence %s", t.StepID, s.ID)
	}

	c, err := d.store.GetSequenceContact(ctx, s.ID, t.Contact.LeadID)
	if err != nil {
		return err
	}
	if c == nil || c.Status != ContactActive || c.CurrentDay != current.Day {
		return nil
	}

	next := s.stepAfter(current.Day)
	if next == nil {
		moved, err := d.store.AdvanceContact(ctx, s.ID, c.LeadID, current.Day, current.Day, true)
		if err == nil && moved {
			d.logger.Info("sequence contact completed", "sequence_id", s.ID, "lead_id", c.LeadID)
		}
		return err
	}

	nt := stepTarget(s, next, t.Contact, c.DeviceID, d.now())
	if _, err := d.queue.Enqueue(ctx, []*queue.Target{nt}); err != nil {
		return fmt.Errorf("failed to enqueue next step: %w", err)
	}
	if _, err := d.store.AdvanceContact(ctx, s.ID, c.LeadID, current.Day, next.Day, false); err != nil {
		return err
	}
	return nil
}

// SequencesSummary reports a scheduled round over every active sequence
type SequencesSummary struct {
	Results []*SequenceResult `json:"results"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// TriggerActiveSequences runs TriggerSequence for every active sequence
func (d *Dispatcher) TriggerActiveSequences(ctx context.Context) (*SequencesSummary, error) {
	sequences, err := d.store.ListSequences(ctx, SequenceActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sequences: %w", err)
	}

	summary := &SequencesSummary{Failed: make(map[string]string)}
	for _, s := range sequences {
		res, err := d.TriggerSequence(ctx, s.ID)
		if err != nil {
			summary.Failed[s.ID] = err.Error()
			if errors.Is(err, ErrNoOnlineDevices) {
				// Nothing else can be assigned this round either
				break
			}
			continue
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}
