// Package livesync pushes engine state changes to observers and answers
// pull reconciliation requests.
package livesync

import (
	"fmt"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// Code tags an event
type Code string

const (
	DeviceConnected    Code = "DEVICE_CONNECTED"
	DeviceDisconnected Code = "DEVICE_DISCONNECTED"
	DeviceReconnected  Code = "DEVICE_RECONNECTED"
	DeviceLoggedOut    Code = "DEVICE_LOGGED_OUT"
	LoginSuccess       Code = "LOGIN_SUCCESS"
	PairSuccess        Code = "PAIR_SUCCESS"
	TargetCompleted    Code = "TARGET_COMPLETED"
	WorkerStopped      Code = "WORKER_STOPPED"
	CampaignStatus     Code = "CAMPAIGN_STATUS"
)

// Event is one push notification. Only code, message and result are sent
// to observers.
type Event struct {
	Code    Code      `json:"code"`
	Message string    `json:"message"`
	Result  any       `json:"result,omitempty"`
	Time    time.Time `json:"-"`

	DeviceID   string `json:"-"`
	CampaignID string `json:"-"`
}

// DeviceEvents translates a device transition into events
func DeviceEvents(tr device.Transition) []Event {
	d := tr.Device
	base := Event{Time: tr.At, DeviceID: tr.DeviceID, Result: d}

	with := func(code Code, msg string) Event {
		e := base
		e.Code = code
		e.Message = msg
		return e
	}

	switch tr.Cause {
	case device.CausePaired:
		login := with(LoginSuccess, fmt.Sprintf("Device %s logged in as %s", d.Name, d.Phone))
		if d.PairingMethod == transport.PairCode {
			login = with(PairSuccess, fmt.Sprintf("Device %s paired as %s", d.Name, d.Phone))
		}
		return []Event{login, with(DeviceConnected, fmt.Sprintf("Device %s connected", d.Name))}
	case device.CauseReconnected:
		return []Event{with(DeviceReconnected, fmt.Sprintf("Device %s reconnected", d.Name))}
	case device.CauseDropped:
		return []Event{with(DeviceDisconnected, fmt.Sprintf("Device %s disconnected: %s", d.Name, tr.Reason))}
	case device.CauseRevoked, device.CauseLogout:
		return []Event{with(DeviceLoggedOut, fmt.Sprintf("Device %s logged out", d.Name))}
	}
	return nil
}

// TargetEvent describes a completed target
func TargetEvent(t *queue.Target) Event {
	msg := fmt.Sprintf("Message to %s %s", t.Contact.Phone, t.Status)
	if t.LastError != "" {
		msg += ": " + t.LastError
	}
	return Event{
		Code:       TargetCompleted,
		Message:    msg,
		Result:     t,
		Time:       time.Now(),
		DeviceID:   t.DeviceID,
		CampaignID: t.CampaignID,
	}
}
