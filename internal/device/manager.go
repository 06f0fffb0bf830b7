package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// Config contains device manager settings
type Config struct {
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	CheckTimeout         time.Duration
}

type entry struct {
	mu  sync.Mutex
	dev *Device

	// status to fall back to when pairing fails
	pairFrom     Status
	reconnecting bool
	attempts     int
}

// Manager owns the device table and drives every state transition
type Manager struct {
	store     Store
	transport transport.Transport
	cfg       Config
	logger    *slog.Logger

	mu      sync.RWMutex
	devices map[string]*entry

	// notifyMu keeps listener calls in commit order
	notifyMu  sync.Mutex
	listeners []func(Transition)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new device manager
func NewManager(store Store, tr transport.Transport, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		transport: tr,
		cfg:       cfg,
		logger:    logger.With("component", "device"),
		devices:   make(map[string]*entry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnTransition registers a listener called after every committed transition.
// Listeners run synchronously and must not call transition methods themselves.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Load reads all device records from the store into the device table
func (m *Manager) Load(ctx context.Context) error {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range devices {
		if _, ok := m.devices[d.ID]; ok {
			continue
		}
		m.devices[d.ID] = &entry{dev: d}
	}
	return nil
}

// Close stops background reconnect attempts
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Create registers a new device in the not_initialized state
func (m *Manager) Create(ctx context.Context, name string) (*Device, error) {
	now := time.Now()
	d := &Device{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusNotInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.SaveDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to save device: %w", err)
	}

	m.mu.Lock()
	m.devices[d.ID] = &entry{dev: d}
	m.mu.Unlock()

	m.logger.Info("device created", "device_id", d.ID, "name", name)
	return d.Clone(), nil
}

// Get returns a copy of a device
func (m *Manager) Get(ctx context.Context, id string) (*Device, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Clone(), nil
}

// List returns copies of all devices ordered by creation time
func (m *Manager) List(ctx context.Context) []*Device {
	devices := make([]*Device, 0)
	for _, e := range m.entries() {
		e.mu.Lock()
		devices = append(devices, e.dev.Clone())
		e.mu.Unlock()
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices
}

// Online returns copies of online devices sorted by id
func (m *Manager) Online() []*Device {
	var devices []*Device
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.dev.Status == StatusOnline {
			devices = append(devices, e.dev.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// IsOnline reports whether a device is online
func (m *Manager) IsOnline(id string) bool {
	e, err := m.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Status == StatusOnline
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*entry, 0, len(m.devices))
	for _, e := range m.devices {
		entries = append(entries, e)
	}
	return entries
}

// apply runs fn under the device lock and notifies listeners of the
// transitions it committed, in order, after the device lock is released.
func (m *Manager) apply(id string, fn func(e *entry) ([]Transition, error)) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	transitions, err := fn(e)
	if len(transitions) == 0 {
		e.mu.Unlock()
		return err
	}

	m.notifyMu.Lock()
	e.mu.Unlock()
	for _, tr := range transitions {
		for _, fn := range m.listeners {
			fn(tr)
		}
	}
	m.notifyMu.Unlock()

	return err
}

// commit validates and persists a transition. The caller holds e.mu.
// mutate may adjust the copy before it is saved.
func (m *Manager) commit(ctx context.Context, e *entry, to Status, cause Cause, reason string, mutate func(d *Device)) (Transition, error) {
	from := e.dev.Status
	if from != to && !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := e.dev.Clone()
	next.Status = to
	next.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(next)
	}

	if err := m.store.SaveDevice(ctx, next); err != nil {
		return Transition{}, fmt.Errorf("failed to save device: %w", err)
	}
	e.dev = next

	m.logger.Info("device transition",
		"device_id", next.ID,
		"from", from,
		"to", to,
		"cause", cause,
		"reason", reason,
	)

	return Transition{
		DeviceID: next.ID,
		From:     from,
		To:       to,
		Cause:    cause,
		Reason:   reason,
		Device:   next.Clone(),
		At:       next.UpdatedAt,
	}, nil
}

// RequestPairing moves a device to connecting and asks the transport for a
// QR code or phone pairing code. A transport failure reverts the device.
func (m *Manager) RequestPairing(ctx context.Context, id string, req transport.PairRequest) (*transport.PairResult, error) {
	if req.Method == "" {
		req.Method = transport.PairQR
	}

	err := m.apply(id, func(e *entry) ([]Transition, error) {
		from := e.dev.Status
		switch from {
		case StatusNotInitialized, StatusOffline, StatusLoggedOut:
		default:
			return nil, fmt.Errorf("%w: cannot pair a device in state %s", ErrInvalidTransition, from)
		}

		tr, err := m.commit(ctx, e, StatusConnecting, CausePairingStarted, string(req.Method), func(d *Device) {
			d.PairingMethod = req.Method
		})
		if err != nil {
			return nil, err
		}
		e.pairFrom = from
		return []Transition{tr}, nil
	})
	if err != nil {
		return nil, err
	}

	result, pairErr := m.transport.Pair(ctx, id, req)
	if pairErr == nil {
		return result, nil
	}

	err = m.apply(id, func(e *entry) ([]Transition, error) {
		if e.dev.Status != StatusConnecting {
			return nil, nil
		}
		tr, err := m.commit(ctx, e, e.pairFrom, CausePairingFailed, pairErr.Error(), nil)
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	})
	if err != nil {
		m.logger.Error("failed to revert pairing", "device_id", id, "error", err)
	}

	return nil, fmt.Errorf("failed to start pairing: %w", pairErr)
}

// CompletePairing records the phone identity and session material of a
// device whose pairing handshake finished.
func (m *Manager) CompletePairing(ctx context.Context, id, phone string, session []byte) error {
	return m.apply(id, func(e *entry) ([]Transition, error) {
		if e.dev.Status != StatusConnecting {
			return nil, fmt.Errorf("%w: pairing completed for device in state %s", ErrInvalidTransition, e.dev.Status)
		}

		now := time.Now()
		tr, err := m.commit(ctx, e, StatusOnline, CausePaired, "", func(d *Device) {
			d.Phone = phone
			d.Session = append([]byte(nil), session...)
			d.LastSeen = &now
		})
		if err != nil {
			return nil, err
		}
		e.attempts = 0
		return []Transition{tr}, nil
	})
}

// MarkDisconnected records a transport drop of an online device and
// schedules automatic reconnection. It is a no-op for devices that are not online.
func (m *Manager) MarkDisconnected(ctx context.Context, id, reason string) error {
	var schedule bool
	err := m.apply(id, func(e *entry) ([]Transition, error) {
		if e.dev.Status != StatusOnline {
			return nil, nil
		}
		tr, err := m.commit(ctx, e, StatusDisconnected, CauseDropped, reason, nil)
		if err != nil {
			return nil, err
		}
		schedule = m.startReconnectLocked(e)
		return []Transition{tr}, nil
	})
	if err == nil && schedule {
		m.launchReconnect(id)
	}
	return err
}

// MarkLoggedOut records that the remote side revoked the session.
// The session material is cleared; the device has to pair again.
func (m *Manager) MarkLoggedOut(ctx context.Context, id, reason string) error {
	return m.apply(id, func(e *entry) ([]Transition, error) {
		switch e.dev.Status {
		case StatusOnline, StatusDisconnected, StatusConnecting:
		default:
			return nil, nil
		}
		tr, err := m.commit(ctx, e, StatusLoggedOut, CauseRevoked, reason, func(d *Device) {
			d.Session = nil
		})
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	})
}

// Reconnect re-establishes the session of a device from its stored session
// material. It is a no-op for online devices.
func (m *Manager) Reconnect(ctx context.Context, id string) (*Device, error) {
	var (
		session []byte
		noop    bool
	)

	err := m.apply(id, func(e *entry) ([]Transition, error) {
		e.attempts = 0
		switch e.dev.Status {
		case StatusOnline:
			noop = true
			return nil, nil
		case StatusConnecting:
			return nil, fmt.Errorf("%w: device is connecting", ErrInvalidTransition)
		}
		if !e.dev.HasSession() {
			return nil, ErrNotPaired
		}
		session = append([]byte(nil), e.dev.Session...)

		if e.dev.Status == StatusDisconnected {
			return nil, nil
		}
		from := e.dev.Status
		tr, err := m.commit(ctx, e, StatusConnecting, CauseReconnecting, "operator", nil)
		if err != nil {
			return nil, err
		}
		e.pairFrom = from
		return []Transition{tr}, nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return m.Get(ctx, id)
	}

	connErr := m.connect(ctx, id, session)
	if err := m.finishConnect(ctx, id, connErr, "operator"); err != nil {
		return nil, err
	}
	if connErr != nil {
		return nil, fmt.Errorf("failed to reconnect device: %w", connErr)
	}
	return m.Get(ctx, id)
}

func (m *Manager) connect(ctx context.Context, id string, session []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	return m.transport.Connect(ctx, id, session)
}

// finishConnect applies the outcome of a transport connect to a device that
// is connecting or disconnected.
func (m *Manager) finishConnect(ctx context.Context, id string, connErr error, reason string) error {
	return m.apply(id, func(e *entry) ([]Transition, error) {
		status := e.dev.Status
		if status != StatusConnecting && status != StatusDisconnected {
			return nil, nil
		}

		var (
			tr  Transition
			err error
		)
		switch {
		case connErr == nil:
			now := time.Now()
			tr, err = m.commit(ctx, e, StatusOnline, CauseReconnected, reason, func(d *Device) {
				d.LastSeen = &now
			})
			e.attempts = 0
		case isRevoked(connErr):
			tr, err = m.commit(ctx, e, StatusLoggedOut, CauseRevoked, connErr.Error(), func(d *Device) {
				d.Session = nil
			})
		case status == StatusConnecting:
			tr, err = m.commit(ctx, e, e.pairFrom, CauseReconnectFailed, connErr.Error(), nil)
		default:
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	})
}

// isRevoked reports connect errors after which the session material is useless
func isRevoked(err error) bool {
	return errors.Is(err, transport.ErrSessionRevoked) || errors.Is(err, transport.ErrUnknownDevice)
}

// ReconnectSummary reports the outcome of a bulk reconnect
type ReconnectSummary struct {
	Attempted   int               `json:"attempted"`
	Reconnected int               `json:"reconnected"`
	Failed      int               `json:"failed"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// ReconnectOffline reconnects every device that is not online and still
// holds session material.
func (m *Manager) ReconnectOffline(ctx context.Context) ReconnectSummary {
	summary := ReconnectSummary{Errors: make(map[string]string)}

	for _, d := range m.List(ctx) {
		if d.Status == StatusOnline || d.Status == StatusConnecting || !d.HasSession() {
			continue
		}
		summary.Attempted++
		if _, err := m.Reconnect(ctx, d.ID); err != nil {
			summary.Failed++
			summary.Errors[d.ID] = err.Error()
			continue
		}
		summary.Reconnected++
	}

	m.logger.Info("reconnect offline finished",
		"attempted", summary.Attempted,
		"reconnected", summary.Reconnected,
		"failed", summary.Failed,
	)
	return summary
}
