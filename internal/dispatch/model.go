// Package dispatch expands campaigns and sequence steps into targets and
// tracks campaign lifecycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

var (
	// ErrCampaignNotFound is returned when a campaign does not exist
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrNotPending is returned when triggering a campaign that is not pending
	ErrNotPending = errors.New("campaign is not pending")

	// ErrNoOnlineDevices is returned when no online device can take targets
	ErrNoOnlineDevices = errors.New("no online devices available")

	// ErrNoEligibleContacts is returned when the filter matched no contacts
	ErrNoEligibleContacts = errors.New("no eligible contacts")

	// ErrSequenceNotFound is returned when a sequence does not exist
	ErrSequenceNotFound = errors.New("sequence not found")

	// ErrSequenceInactive is returned when triggering an inactive sequence
	ErrSequenceInactive = errors.New("sequence is not active")
)

// FieldError describes one invalid field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a campaign or sequence definition is
// malformed. Nothing is dispatched.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignPending             CampaignStatus = "pending"
	CampaignTriggered           CampaignStatus = "triggered"
	CampaignProcessing          CampaignStatus = "processing"
	CampaignFinished            CampaignStatus = "finished"
	CampaignFailed              CampaignStatus = "failed"
	CampaignCompletedWithErrors CampaignStatus = "completed_with_errors"
)

// IsFinal reports whether the campaign can no longer change
func (s CampaignStatus) IsFinal() bool {
	return s == CampaignFinished || s == CampaignFailed
}

// TargetStatusAll disables the lead status filter
const TargetStatusAll = "all"

// DefaultTargetStatus is used when a campaign names no lead status
const DefaultTargetStatus = "prospect"

// Campaign is a one-shot bulk message definition
type Campaign struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Niche           string         `json:"niche"`
	TargetStatus    string         `json:"target_status"`
	Message         string         `json:"message"`
	MediaURL        string         `json:"media_url,omitempty"`
	ScheduledDate   string         `json:"scheduled_date,omitempty"`
	ScheduledTime   string         `json:"scheduled_time,omitempty"`
	Limit           int            `json:"limit"`
	MinDelaySeconds int            `json:"min_delay_seconds"`
	MaxDelaySeconds int            `json:"max_delay_seconds"`
	Status          CampaignStatus `json:"status"`
	StatusMessage   string         `json:"status_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks the campaign can be dispatched
func (c *Campaign) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(c.Title) == "" {
		verr.add("title", "is required")
	}
	if strings.TrimSpace(c.Message) == "" && c.MediaURL == "" {
		verr.add("message", "message or media_url is required")
	}
	if c.Limit <= 0 {
		verr.add("limit", "must be positive")
	}
	validateDelays(verr, c.MinDelaySeconds, c.MaxDelaySeconds)
	if _, err := c.scheduledAt(time.UTC); err != nil {
		verr.add("scheduled_date", "%v", err)
	}
	return verr.orNil()
}

func validateDelays(verr *ValidationError, min, max int) {
	if min < 0 {
		verr.add("min_delay_seconds", "must not be negative")
	}
	if max < 0 {
		verr.add("max_delay_seconds", "must not be negative")
	}
	if min > max {
		verr.add("min_delay_seconds", "must not exceed max_delay_seconds (%d > %d)", min, max)
	}
}

// scheduledAt returns when the campaign becomes due in loc. The zero time
// means immediately.
func (c *Campaign) scheduledAt(loc *time.Location) (time.Time, error) {
	if c.ScheduledDate == "" {
		return time.Time{}, nil
	}

	clock := c.ScheduledTime
	if clock == "" || clock == "00:00:00" || clock == "00:00" {
		clock = "00:00:00"
	} else if len(clock) == len("15:04") {
		clock += ":00"
	}

	at, err := time.ParseInLocation("2006-01-02 15:04:05", c.ScheduledDate+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q %q", c.ScheduledDate, c.ScheduledTime)
	}
	return at, nil
}

// leadFilter returns the lead filter of the campaign
func (c *Campaign) leadFilter() LeadFilter {
	return LeadFilter{Niche: c.Niche, TargetStatus: c.TargetStatus}
}

// SequenceStatus tells whether a sequence enrols contacts
type SequenceStatus string

const (
	SequenceActive   SequenceStatus = "active"
	SequenceInactive SequenceStatus = "inactive"
)

// Sequence is a multi-step drip campaign
type Sequence struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Niche           string         `json:"niche"`
	TargetStatus    string         `json:"target_status"`
	Status          SequenceStatus `json:"status"`
	Limit           int            `json:"limit"`
	MinDelaySeconds int            `json:"min_delay_seconds"`
	MaxDelaySeconds int            `json:"max_delay_seconds"`
	Steps           []Step         `json:"steps"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Step is one message of a sequence. DelayHours counts from the previous
// step reaching a terminal state, or from enrolment for the first step.
type Step struct {
	ID          string                `json:"id"`
	SequenceID  string                `json:"sequence_id"`
	Day         int                   `json:"day"`
	Trigger     string                `json:"trigger,omitempty"`
	DelayHours  int                   `json:"delay_hours"`
	MessageType transport.MessageType `json:"message_type"`
	Content     string                `json:"content"`
	MediaURL    string                `json:"media_url,omitempty"`
	Caption     string                `json:"caption,omitempty"`
}

// Validate checks the sequence can enrol contacts
func (s *Sequence) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(s.Name) == "" {
		verr.add("name", "is required")
	}
	if s.Limit <= 0 {
		verr.add("limit", "must be positive")
	}
	validateDelays(verr, s.MinDelaySeconds, s.MaxDelaySeconds)
	if len(s.Steps) == 0 {
		verr.add("steps", "at least one step is required")
	}

	days := make(map[int]bool)
	for i, st := range s.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if st.Day <= 0 {
			verr.add(field+".day", "must be positive")
		}
		if days[st.Day] {
			verr.add(field+".day", "duplicate day %d", st.Day)
		}
		days[st.Day] = true
		if st.DelayHours < 0 {
			verr.add(field+".delay_hours", "must not be negative")
		}
		switch st.MessageType {
		case "", transport.MessageText:
			if strings.TrimSpace(st.Content) == "" {
				verr.add(field+".content", "is required for text steps")
			}
		case transport.MessageImage, transport.MessageVideo, transport.MessageDocument:
			if st.MediaURL == "" {
				verr.add(field+".media_url", "is required for %s steps", st.MessageType)
			}
		default:
			verr.add(field+".message_type", "unknown type %q", st.MessageType)
		}
	}
	return verr.orNil()
}

// stepAfter returns the step following day, nil after the last one.
// Steps must be sorted by day.
func (s *Sequence) stepAfter(day int) *Step {
	for i := range s.Steps {
		if s.Steps[i].Day > day {
			return &s.Steps[i]
		}
	}
	return nil
}

// step returns the step with the given id
func (s *Sequence) step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

func (s *Sequence) leadFilter() LeadFilter {
	return LeadFilter{Niche: s.Niche, TargetStatus: s.TargetStatus}
}

// ContactStatus is the progress state of a contact in a sequence
type ContactStatus string

const (
	ContactActive    ContactStatus = "active"
	ContactCompleted ContactStatus = "completed"
	ContactPaused    ContactStatus = "paused"
)

// SequenceContact tracks one lead through a sequence
type SequenceContact struct {
	SequenceID  string        `json:"sequence_id"`
	LeadID      string        `json:"lead_id"`
	Phone       string        `json:"phone"`
	CurrentDay  int           `json:"current_day"`
	Status      ContactStatus `json:"status"`
	DeviceID    string        `json:"device_id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Lead is a contact both dispatch paths draw from
type Lead struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone" validate:"required"`
	Niche        string    `json:"niche"`
	TargetStatus string    `json:"target_status"`
	DeviceID     string    `json:"device_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LeadFilter selects eligible leads. Niche is a substring match; an empty
// target status means DefaultTargetStatus and TargetStatusAll matches any.
type LeadFilter struct {
	Niche        string
	TargetStatus string
}

// Store persists campaigns, sequences and leads
type Store interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	// GetCampaign returns nil, nil when the campaign does not exist
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaigns(ctx context.Context, statuses ...CampaignStatus) ([]*Campaign, error)
	// UpdateCampaignStatus moves a campaign to status if it is currently in
	// one of from. It reports whether the row changed.
	UpdateCampaignStatus(ctx context.Context, id string, from []CampaignStatus, to CampaignStatus, message string) (bool, error)

	CreateSequence(ctx context.Context, s *Sequence) error
	// GetSequence returns nil, nil when the sequence does not exist.
	// Steps are sorted by day.
	GetSequence(ctx context.Context, id string) (*Sequence, error)
	ListSequences(ctx context.Context, status SequenceStatus) ([]*Sequence, error)

	SaveLeads(ctx context.Context, leads []*Lead) (int, error)
	FindLeads(ctx context.Context, filter LeadFilter) ([]*Lead, error)

	// EnrolledLeads returns the ids of leads already enrolled in a sequence
	EnrolledLeads(ctx context.Context, sequenceID string) (map[string]bool, error)
	EnrolContacts(ctx context.Context, contacts []*SequenceContact) error
	// GetSequenceContact returns nil, nil when the lead is not enrolled
	GetSequenceContact(ctx context.Context, sequenceID, leadID string) (*SequenceContact, error)
	// AdvanceContact moves an active contact from fromDay to toDay (or marks it
	// completed) only if it is still on fromDay. It reports whether it moved.
	AdvanceContact(ctx context.Context, sequenceID, leadID string, fromDay, toDay int, completed bool) (bool, error)
}
