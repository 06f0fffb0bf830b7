// Package device owns the connection state machine of every messaging device.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

var (
	// ErrNotFound is returned when a device does not exist
	ErrNotFound = errors.New("device not found")

	// ErrInvalidTransition is returned when an operation is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid device state transition")

	// ErrNotPaired is returned when a reconnect is requested for a device without session material
	ErrNotPaired = errors.New("device has no session material")
)

// Status represents the connection status of a device
type Status string

const (
	StatusNotInitialized Status = "not_initialized"
	StatusConnecting     Status = "connecting"
	StatusOnline         Status = "online"
	StatusDisconnected   Status = "disconnected"
	StatusLoggedOut      Status = "logged_out"
	StatusOffline        Status = "offline"
)

// allowed lists the legal transitions of the state machine
var allowed = map[Status][]Status{
	StatusNotInitialized: {StatusConnecting, StatusOffline},
	StatusConnecting:     {StatusOnline, StatusNotInitialized, StatusOffline, StatusLoggedOut},
	StatusOnline:         {StatusDisconnected, StatusLoggedOut, StatusOffline},
	StatusDisconnected:   {StatusOnline, StatusLoggedOut, StatusOffline},
	StatusLoggedOut:      {StatusConnecting, StatusOffline},
	StatusOffline:        {StatusConnecting, StatusNotInitialized},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Device represents one messaging session identity
type Device struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Status        Status               `json:"status"`
	Phone         string               `json:"phone,omitempty"`
	Session       []byte               `json:"-"`
	PairingMethod transport.PairMethod `json:"pairing_method,omitempty"`
	LastSeen      *time.Time           `json:"last_seen,omitempty"`
	LastChecked   *time.Time           `json:"last_checked,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// HasSession reports whether the device holds session material
func (d *Device) HasSession() bool {
	return len(d.Session) > 0
}

// Clone returns a deep copy of the device
func (d *Device) Clone() *Device {
	c := *d
	if d.Session != nil {
		c.Session = append([]byte(nil), d.Session...)
	}
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	if d.LastChecked != nil {
		t := *d.LastChecked
		c.LastChecked = &t
	}
	return &c
}

// Cause describes why a transition happened
type Cause string

const (
	CausePairingStarted  Cause = "pairing_started"
	CausePairingFailed   Cause = "pairing_failed"
	CausePaired          Cause = "paired"
	CauseDropped         Cause = "dropped"
	CauseReconnecting    Cause = "reconnecting"
	CauseReconnected     Cause = "reconnected"
	CauseReconnectFailed Cause = "reconnect_failed"
	CauseRevoked         Cause = "revoked"
	CauseLogout          Cause = "logout"
	CauseReset           Cause = "reset"
)

// Transition is a committed state change of one device
type Transition struct {
	DeviceID string    `json:"device_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Cause    Cause     `json:"cause"`
	Reason   string    `json:"reason,omitempty"`
	Device   *Device   `json:"device"`
	At       time.Time `json:"at"`
}

// Store persists device records
type Store interface {
	SaveDevice(ctx context.Context, d *Device) error
	// GetDevice returns nil, nil when the device does not exist
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	DeleteDevice(ctx context.Context, id string) error
}
