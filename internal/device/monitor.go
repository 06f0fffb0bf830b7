package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// startReconnectLocked marks a reconnect loop as running. The caller holds e.mu.
func (m *Manager) startReconnectLocked(e *entry) bool {
	if e.reconnecting {
		return false
	}
	e.reconnecting = true
	e.attempts = 0
	return true
}

func (m *Manager) launchReconnect(id string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectLoop(id)
	}()
}

// reconnectLoop tries to bring a disconnected device back online with a
// linear backoff. When attempts run out the device stays disconnected.
func (m *Manager) reconnectLoop(id string) {
	logger := m.logger.With("device_id", id)

	defer func() {
		if e, err := m.entry(id); err == nil {
			e.mu.Lock()
			e.reconnecting = false
			e.mu.Unlock()
		}
	}()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectBackoff * time.Duration(attempt)):
		}

		e, err := m.entry(id)
		if err != nil {
			return
		}
		e.mu.Lock()
		if e.dev.Status != StatusDisconnected || !e.dev.HasSession() {
			e.mu.Unlock()
			return
		}
		e.attempts = attempt
		session := append([]byte(nil), e.dev.Session...)
		e.mu.Unlock()

		connErr := m.connect(m.ctx, id, session)
		if err := m.finishConnect(m.ctx, id, connErr, fmt.Sprintf("auto reconnect attempt %d", attempt)); err != nil {
			logger.Error("failed to apply reconnect result", "error", err)
			return
		}
		if connErr == nil || isRevoked(connErr) {
			return
		}

		logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxReconnectAttempts,
			"error", connErr,
		)
	}

	logger.Warn("reconnect attempts exhausted, device stays disconnected")
}

// ConnectionDetails describes what the transport reported for a device
type ConnectionDetails struct {
	Connected   bool       `json:"connected"`
	Phone       string     `json:"phone,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ConnectionCheck is the result of probing one device
type ConnectionCheck struct {
	DeviceID          string            `json:"device_id"`
	Name              string            `json:"name"`
	PreviousStatus    Status            `json:"previous_status"`
	CurrentStatus     Status            `json:"current_status"`
	StatusChanged     bool              `json:"status_changed"`
	ConnectionDetails ConnectionDetails `json:"connection_details"`
}

// CheckConnection probes every device concurrently. Each probe is bounded by
// the check timeout and works on its own device entry.
func (m *Manager) CheckConnection(ctx context.Context) []ConnectionCheck {
	devices := m.List(ctx)
	results := make([]ConnectionCheck, len(devices))

	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d *Device) {
			defer wg.Done()
			results[i] = m.checkOne(ctx, d)
		}(i, d)
	}
	wg.Wait()

	return results
}

func (m *Manager) checkOne(ctx context.Context, snapshot *Device) ConnectionCheck {
	check := ConnectionCheck{
		DeviceID:       snapshot.ID,
		Name:           snapshot.Name,
		PreviousStatus: snapshot.Status,
		CurrentStatus:  snapshot.Status,
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	connected, probeErr := m.transport.IsConnected(probeCtx, snapshot.ID)
	cancel()
	if probeErr != nil {
		connected = false
		check.ConnectionDetails.Error = probeErr.Error()
	}

	var schedule bool
	err := m.apply(snapshot.ID, func(e *entry) ([]Transition, error) {
		now := time.Now()
		check.PreviousStatus = e.dev.Status

		var transitions []Transition
		switch {
		case e.dev.Status == StatusOnline && !connected:
			tr, err := m.commit(ctx, e, StatusDisconnected, CauseDropped, "health check", func(d *Device) {
				d.LastChecked = &now
			})
			if err != nil {
				return nil, err
			}
			transitions = append(transitions, tr)
			schedule = m.startReconnectLocked(e)
		case e.dev.Status == StatusDisconnected && connected:
			tr, err := m.commit(ctx, e, StatusOnline, CauseReconnected, "health check", func(d *Device) {
				d.LastChecked = &now
				d.LastSeen = &now
			})
			if err != nil {
				return nil, err
			}
			transitions = append(transitions, tr)
		default:
			next := e.dev.Clone()
			next.LastChecked = &now
			if connected {
				next.LastSeen = &now
			}
			if err := m.store.SaveDevice(ctx, next); err != nil {
				return nil, fmt.Errorf("failed to save device: %w", err)
			}
			e.dev = next
		}

		check.CurrentStatus = e.dev.Status
		check.ConnectionDetails.Phone = e.dev.Phone
		check.ConnectionDetails.LastSeen = e.dev.Clone().LastSeen
		check.ConnectionDetails.LastChecked = e.dev.Clone().LastChecked
		return transitions, nil
	})
	if err != nil {
		check.ConnectionDetails.Error = err.Error()
	}
	if schedule {
		m.launchReconnect(snapshot.ID)
	}

	check.ConnectionDetails.Connected = connected
	check.StatusChanged = check.PreviousStatus != check.CurrentStatus
	return check
}

// RestoreOnStartup loads the device table, marks every paired device offline
// and reconnects the ones that still hold session material.
func (m *Manager) RestoreOnStartup(ctx context.Context) (ReconnectSummary, error) {
	if err := m.Load(ctx); err != nil {
		return ReconnectSummary{}, err
	}

	for _, e := range m.entries() {
		e.mu.Lock()
		if e.dev.Status != StatusNotInitialized && e.dev.Status != StatusOffline {
			next := e.dev.Clone()
			next.Status = StatusOffline
			next.UpdatedAt = time.Now()
			if err := m.store.SaveDevice(ctx, next); err != nil {
				m.logger.Error("failed to reset device status", "device_id", next.ID, "error", err)
			} else {
				e.dev = next
			}
		}
		e.mu.Unlock()
	}

	return m.ReconnectOffline(ctx), nil
}
