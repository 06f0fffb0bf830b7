package gateway

import (
	"context"
	"fmt"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// EventType is the kind of session event the gateway calls back with
type EventType string

const (
	EventPaired       EventType = "paired"
	EventDisconnected EventType = "disconnected"
	EventLoggedOut    EventType = "logged_out"
)

// Event is the body of a gateway callback
type Event struct {
	Type    EventType `json:"type" validate:"required,oneof=paired disconnected logged_out"`
	Phone   string    `json:"phone,omitempty"`
	Session []byte    `json:"session,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Deliver hands a gateway callback to the device manager
func Deliver(ctx context.Context, events transport.Events, deviceID string, ev *Event) error {
	switch ev.Type {
	case EventPaired:
		if ev.Phone == "" {
			return fmt.Errorf("paired event without phone")
		}
		return events.CompletePairing(ctx, deviceID, ev.Phone, ev.Session)
	case EventDisconnected:
		return events.MarkDisconnected(ctx, deviceID, reasonOr(ev.Reason, "gateway reported disconnect"))
	case EventLoggedOut:
		return events.MarkLoggedOut(ctx, deviceID, reasonOr(ev.Reason, "gateway reported logout"))
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
