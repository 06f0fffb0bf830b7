package queue

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a target does not exist
	ErrNotFound = errors.New("target not found")

	// ErrNotClaimed is returned when completing or releasing a target that is not claimed
	ErrNotClaimed = errors.New("target is not claimed")
)

// Status represents the status of a target
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether the status is final until an explicit resume
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Contact identifies the recipient of a target
type Contact struct {
	LeadID string `json:"lead_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone"`
}

// Target is one send obligation: a message definition, a contact and a device
type Target struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	StepDay    int    `json:"step_day,omitempty"`

	Contact  Contact `json:"contact"`
	DeviceID string  `json:"device_id"`
	Status   Status  `json:"status"`

	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	MediaURL    string `json:"media_url,omitempty"`
	Caption     string `json:"caption,omitempty"`

	MinDelaySeconds int `json:"min_delay_seconds"`
	MaxDelaySeconds int `json:"max_delay_seconds"`

	NotBefore   time.Time  `json:"not_before,omitempty"`
	Seq         uint64     `json:"seq"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	MessageID   string     `json:"message_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Source identifies the campaign or sequence step a target belongs to
func (t *Target) Source() string {
	if t.CampaignID != "" {
		return "campaign:" + t.CampaignID
	}
	return "step:" + t.StepID
}

// archived returns the target without its message body and claim details
func (t *Target) archived() *Target {
	return &Target{
		ID:          t.ID,
		CampaignID:  t.CampaignID,
		SequenceID:  t.SequenceID,
		StepID:      t.StepID,
		StepDay:     t.StepDay,
		Contact:     Contact{LeadID: t.Contact.LeadID, Phone: t.Contact.Phone},
		DeviceID:    t.DeviceID,
		Status:      t.Status,
		MessageType: t.MessageType,
		Seq:         t.Seq,
		Attempts:    t.Attempts,
		MessageID:   t.MessageID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// Clone returns a copy of the target
func (t *Target) Clone() *Target {
	c := *t
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		c.ClaimedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Outcome is the result of a send attempt
type Outcome struct {
	Status    Status
	Error     string
	MessageID string
}

// EnqueueResult reports what Enqueue stored
type EnqueueResult struct {
	Enqueued []*Target `json:"-"`
	Count    int       `json:"enqueued"`
	Skipped  int       `json:"skipped"`
}

// QueueStats represents queue statistics
type QueueStats struct {
	Pending int64 `json:"pending"`
	Claimed int64 `json:"claimed"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}

// ListFilter represents filter options for listing targets
type ListFilter struct {
	Status     Status
	DeviceID   string
	CampaignID string
	SequenceID string
	StepID     string
	Limit      int
	Offset     int
}

func (f ListFilter) match(t *Target) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.DeviceID != "" && t.DeviceID != f.DeviceID {
		return false
	}
	if f.CampaignID != "" && t.CampaignID != f.CampaignID {
		return false
	}
	if f.SequenceID != "" && t.SequenceID != f.SequenceID {
		return false
	}
	if f.StepID != "" && t.StepID != f.StepID {
		return false
	}
	return true
}

// ResumeFilter selects the failed targets to put back into circulation.
// Empty fields match everything.
type ResumeFilter struct {
	DeviceID   string `json:"device_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
}

func (f ResumeFilter) listFilter() ListFilter {
	return ListFilter{
		Status:     StatusFailed,
		DeviceID:   f.DeviceID,
		CampaignID: f.CampaignID,
		SequenceID: f.SequenceID,
		StepID:     f.StepID,
	}
}
