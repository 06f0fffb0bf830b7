// Package transport defines the contract between the engine and the messaging
// sessions that actually deliver messages.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when the session of a device is not connected
	ErrNotConnected = errors.New("device session not connected")

	// ErrSessionRevoked is returned when the remote side invalidated the session.
	// The device must pair again.
	ErrSessionRevoked = errors.New("device session revoked")

	// ErrUnknownDevice is returned when the transport holds no session for a device
	ErrUnknownDevice = errors.New("unknown device session")
)

// PairMethod selects how a device is paired
type PairMethod string

const (
	PairQR   PairMethod = "qr"
	PairCode PairMethod = "code"
)

// PairRequest asks the transport to start pairing a device
type PairRequest struct {
	Method PairMethod `json:"method"`
	Phone  string     `json:"phone,omitempty"` // required for PairCode
}

// PairResult carries what the operator needs to finish pairing
type PairResult struct {
	QRCode   string `json:"qr_code,omitempty"`
	PairCode string `json:"pair_code,omitempty"`
}

// MessageType is the kind of payload being sent
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Message is one outbound message for a single recipient
type Message struct {
	ID       string      `json:"id"`
	To       string      `json:"to"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
	MediaURL string      `json:"media_url,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// SendResult is the transport's acknowledgement of a sent message
type SendResult struct {
	MessageID string `json:"message_id"`
}

// Transport drives the messaging sessions of all devices
type Transport interface {
	// Pair starts pairing. Completion is reported asynchronously to the
	// device manager (CompletePairing).
	Pair(ctx context.Context, deviceID string, req PairRequest) (*PairResult, error)

	// Connect re-establishes a session from stored session material
	Connect(ctx context.Context, deviceID string, session []byte) error

	// Disconnect drops the connection but keeps the remote session valid
	Disconnect(ctx context.Context, deviceID string) error

	// Logout invalidates the remote session
	Logout(ctx context.Context, deviceID string) error

	// IsConnected reports whether the session is currently connected
	IsConnected(ctx context.Context, deviceID string) (bool, error)

	// Send delivers a message through the device session
	Send(ctx context.Context, deviceID string, msg *Message) (*SendResult, error)
}

// IsSessionError reports whether err means the device session is unusable,
// as opposed to a failure of one particular message.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrSessionRevoked) || errors.Is(err, ErrUnknownDevice)
}

// Events receives session lifecycle notifications raised by a transport.
// The device manager implements it.
type Events interface {
	CompletePairing(ctx context.Context, deviceID, phone string, session []byte) error
	MarkDisconnected(ctx context.Context, deviceID, reason string) error
	MarkLoggedOut(ctx context.Context, deviceID, reason string) error
}
