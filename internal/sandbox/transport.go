// Package sandbox provides an in-process transport. Sessions are simulated and
// every sent message is captured into bbolt instead of leaving the host.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// Config contains sandbox transport settings
type Config struct {
	// PairDelay is how long a simulated pairing takes before it completes.
	// Zero disables automatic completion.
	PairDelay time.Duration

	// ErrorProbability is the share of sends that fail with a simulated error (0.0 to 1.0)
	ErrorProbability float64
}

type session struct {
	material  []byte
	phone     string
	connected bool
	revoked   bool
}

// Transport implements transport.Transport without any network access
type Transport struct {
	storage *Storage
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	events   transport.Events
	rnd      *rand.Rand
	timers   map[string]*time.Timer
}

// NewTransport creates a new sandbox transport
func NewTransport(storage *Storage, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		storage:  storage,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		timers:   make(map[string]*time.Timer),
	}
}

// SetEvents registers the receiver of pairing and drop notifications
func (t *Transport) SetEvents(ev transport.Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

// Pair starts a simulated pairing
func (t *Transport) Pair(ctx context.Context, deviceID string, req transport.PairRequest) (*transport.PairResult, error) {
	if req.Method == transport.PairCode && req.Phone == "" {
		return nil, fmt.Errorf("phone is required for code pairing")
	}

	phone := req.Phone
	if phone == "" {
		phone = "sandbox-" + deviceID
	}

	result := &transport.PairResult{}
	if req.Method == transport.PairCode {
		result.PairCode = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	} else {
		result.QRCode = "sandbox:" + deviceID + ":" + uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[deviceID]; ok {
		timer.Stop()
	}
	if t.cfg.PairDelay > 0 {
		t.timers[deviceID] = time.AfterFunc(t.cfg.PairDelay, func() {
			t.finishPairing(deviceID, phone)
		})
	}

	t.logger.Info("sandbox: pairing started", "device_id", deviceID, "method", req.Method)
	return result, nil
}

// CompletePairing finishes a pending pairing immediately
func (t *Transport) CompletePairing(deviceID, phone string) {
	t.finishPairing(deviceID, phone)
}

func (t *Transport) finishPairing(deviceID, phone string) {
	material := []byte("sandbox-session:" + uuid.NewString())

	t.mu.Lock()
	delete(t.timers, deviceID)
	t.sessions[deviceID] = &session{material: material, phone: phone, connected: true}
	events := t.events
	t.mu.Unlock()

	if events == nil {
		return
	}
	if err := events.CompletePairing(context.Background(), deviceID, phone, material); err != nil {
		t.logger.Warn("sandbox: pairing completion rejected", "device_id", deviceID, "error", err)
	}
}

// Connect re-establishes a session from stored material
func (t *Transport) Connect(ctx context.Context, deviceID string, material []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[deviceID]
	if ok && s.revoked {
		return transport.ErrSessionRevoked
	}
	if len(material) == 0 {
		return transport.ErrUnknownDevice
	}
	if !ok {
		// Sessions survive process restarts on a real gateway; emulate that.
		s = &session{material: material}
		t.sessions[deviceID] = s
	}
	s.connected = true
	return nil
}

// Disconnect drops the simulated connection
func (t *Transport) Disconnect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[deviceID]; ok {
		s.connected = false
	}
	return nil
}

// Logout forgets the session
func (t *Transport) Logout(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[deviceID]; ok {
		timer.Stop()
		delete(t.timers, deviceID)
	}
	delete(t.sessions, deviceID)
	return nil
}

// IsConnected reports the simulated connection state
func (t *Transport) IsConnected(ctx context.Context, deviceID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[deviceID]
	return ok && s.connected, nil
}

// Send captures the message
func (t *Transport) Send(ctx context.Context, deviceID string, msg *transport.Message) (*transport.SendResult, error) {
	t.mu.Lock()
	s, ok := t.sessions[deviceID]
	connected := ok && s.connected
	simulate := t.cfg.ErrorProbability > 0 && t.rnd.Float64() < t.cfg.ErrorProbability
	t.mu.Unlock()

	if !connected {
		return nil, transport.ErrNotConnected
	}

	captured := &Message{
		ID:         msg.ID,
		DeviceID:   deviceID,
		To:         msg.To,
		Type:       string(msg.Type),
		Content:    msg.Content,
		MediaURL:   msg.MediaURL,
		Caption:    msg.Caption,
		CapturedAt: time.Now(),
	}

	if simulate {
		captured.SimulatedErr = "recipient not on whatsapp"
		if err := t.storage.Save(ctx, captured); err != nil {
			t.logger.Error("sandbox: failed to save message", "error", err)
		}
		return nil, &SimulatedError{Message: captured.SimulatedErr}
	}

	if err := t.storage.Save(ctx, captured); err != nil {
		return nil, fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	t.logger.Debug("sandbox: message captured", "device_id", deviceID, "to", msg.To)
	return &transport.SendResult{MessageID: msg.ID}, nil
}

// Drop simulates a transport drop and notifies the event receiver
func (t *Transport) Drop(deviceID string) {
	t.mu.Lock()
	if s, ok := t.sessions[deviceID]; ok {
		s.connected = false
	}
	events := t.events
	t.mu.Unlock()

	if events != nil {
		if err := events.MarkDisconnected(context.Background(), deviceID, "sandbox drop"); err != nil {
			t.logger.Debug("sandbox: drop notification rejected", "device_id", deviceID, "error", err)
		}
	}
}

// Revoke simulates the remote side invalidating the session
func (t *Transport) Revoke(deviceID string) {
	t.mu.Lock()
	if s, ok := t.sessions[deviceID]; ok {
		s.connected = false
		s.revoked = true
	}
	events := t.events
	t.mu.Unlock()

	if events != nil {
		if err := events.MarkLoggedOut(context.Background(), deviceID, "sandbox revoke"); err != nil {
			t.logger.Debug("sandbox: revoke notification rejected", "device_id", deviceID, "error", err)
		}
	}
}

// Close stops pending pairing timers
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// SimulatedError represents a simulated per-message failure
type SimulatedError struct {
	Message string
}

func (e *SimulatedError) Error() string {
	return e.Message
}
