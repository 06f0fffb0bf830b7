package device

import (
	"context"
	"fmt"
)

// Logout workflow step names
const (
	StepLoad            = "load"
	StepTransportLogout = "transport_logout"
	StepDisconnect      = "disconnect"
	StepClearSession    = "clear_session"
	StepPersist         = "persist"
	StepReset           = "reset"
	StepRemove          = "remove"
)

// StepResult is the outcome of one workflow step
type StepResult struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WorkflowResult describes a logout-style workflow
type WorkflowResult struct {
	DeviceID       string       `json:"device_id"`
	AlreadyOffline bool         `json:"already_offline"`
	Steps          []StepResult `json:"steps"`
	Device         *Device      `json:"device,omitempty"`
}

func (r *WorkflowResult) record(step string, err error) {
	res := StepResult{Step: step, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	r.Steps = append(r.Steps, res)
}

// Logout signs a device out. The device record is kept, its session
// material is cleared and it ends offline. Calling it on an offline device
// succeeds without touching the transport.
func (m *Manager) Logout(ctx context.Context, id string) (*WorkflowResult, error) {
	return m.logout(ctx, id, false)
}

// ClearSession runs the logout workflow and also forgets the phone identity
func (m *Manager) ClearSession(ctx context.Context, id string) (*WorkflowResult, error) {
	return m.logout(ctx, id, true)
}

func (m *Manager) logout(ctx context.Context, id string, clearPhone bool) (*WorkflowResult, error) {
	result := &WorkflowResult{DeviceID: id}

	snapshot, err := m.Get(ctx, id)
	result.record(StepLoad, err)
	if err != nil {
		return result, err
	}

	if snapshot.Status == StatusOffline {
		result.AlreadyOffline = true
		if clearPhone && (snapshot.Phone != "" || snapshot.HasSession()) {
			err := m.apply(id, func(e *entry) ([]Transition, error) {
				next := e.dev.Clone()
				next.Phone = ""
				next.Session = nil
				if err := m.store.SaveDevice(ctx, next); err != nil {
					return nil, fmt.Errorf("failed to save device: %w", err)
				}
				e.dev = next
				return nil, nil
			})
			result.record(StepClearSession, err)
			if err != nil {
				return result, err
			}
		}
		result.Device, _ = m.Get(ctx, id)
		return result, nil
	}

	// Transport errors are recorded but do not stop the workflow; the local
	// session is cleared either way.
	logger := m.logger.With("device_id", id)
	if err := m.transport.Logout(ctx, id); err != nil {
		logger.Warn("transport logout failed", "error", err)
		result.record(StepTransportLogout, err)
	} else {
		result.record(StepTransportLogout, nil)
	}
	if err := m.transport.Disconnect(ctx, id); err != nil {
		logger.Warn("transport disconnect failed", "error", err)
		result.record(StepDisconnect, err)
	} else {
		result.record(StepDisconnect, nil)
	}

	err = m.apply(id, func(e *entry) ([]Transition, error) {
		e.attempts = 0
		if e.dev.Status == StatusOffline {
			return nil, nil
		}
		tr, err := m.commit(ctx, e, StatusOffline, CauseLogout, "", func(d *Device) {
			d.Session = nil
			if clearPhone {
				d.Phone = ""
			}
		})
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	})
	result.record(StepClearSession, err)
	result.record(StepPersist, err)
	if err != nil {
		return result, err
	}

	result.Device, _ = m.Get(ctx, id)
	return result, nil
}

// Reset clears the session and phone identity and returns the device to
// not_initialized so it can be paired with another account.
func (m *Manager) Reset(ctx context.Context, id string) (*WorkflowResult, error) {
	result, err := m.logout(ctx, id, true)
	if err != nil {
		return result, err
	}

	err = m.apply(id, func(e *entry) ([]Transition, error) {
		if e.dev.Status == StatusNotInitialized {
			return nil, nil
		}
		tr, err := m.commit(ctx, e, StatusNotInitialized, CauseReset, "", func(d *Device) {
			d.PairingMethod = ""
			d.LastSeen = nil
		})
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	})
	result.record(StepReset, err)
	if err != nil {
		return result, err
	}

	result.Device, _ = m.Get(ctx, id)
	return result, nil
}

// Delete logs a device out and removes its record
func (m *Manager) Delete(ctx context.Context, id string) (*WorkflowResult, error) {
	result, err := m.logout(ctx, id, true)
	if err != nil {
		return result, err
	}

	if err := m.store.DeleteDevice(ctx, id); err != nil {
		err = fmt.Errorf("failed to delete device: %w", err)
		result.record(StepRemove, err)
		return result, err
	}

	m.mu.Lock()
	delete(m.devices, id)
	m.mu.Unlock()

	result.record(StepRemove, nil)
	result.Device = nil
	m.logger.Info("device deleted", "device_id", id)
	return result, nil
}
