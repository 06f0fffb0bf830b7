package livesync

import (
	"context"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
)

// DeviceSnapshot is the full current state of a device for observers that
// missed events
type DeviceSnapshot struct {
	Device *device.Device `json:"device"`
	Rollup stats.Rollup   `json:"rollup"`
	Worker any            `json:"worker,omitempty"`
	Time   time.Time      `json:"time"`
}

// CampaignSnapshot is the full current state of a campaign
type CampaignSnapshot struct {
	Campaign any          `json:"campaign"`
	Rollup   stats.Rollup `json:"rollup"`
	Time     time.Time    `json:"time"`
}

// DeviceGetter looks devices up
type DeviceGetter interface {
	Get(ctx context.Context, id string) (*device.Device, error)
}

// RollupGetter returns rollups
type RollupGetter interface {
	Get(kind stats.Kind, id string) stats.Rollup
}

// Snapshots answers pull reconciliation requests. WorkerState and
// LoadCampaign are plain functions so that the packages owning them can
// depend on livesync.
type Snapshots struct {
	Devices DeviceGetter
	Rollups RollupGetter

	// WorkerState returns the worker state of a device, nil if none runs
	WorkerState func(deviceID string) any

	// LoadCampaign loads a campaign, returning nil, nil when it does not exist
	LoadCampaign func(ctx context.Context, id string) (any, error)
}

// Device returns the snapshot of a device. It returns device.ErrNotFound
// for unknown devices.
func (s *Snapshots) Device(ctx context.Context, id string) (*DeviceSnapshot, error) {
	d, err := s.Devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &DeviceSnapshot{
		Device: d,
		Rollup: s.Rollups.Get(stats.KindDevice, id),
		Time:   time.Now(),
	}
	if s.WorkerState != nil {
		snap.Worker = s.WorkerState(id)
	}
	return snap, nil
}

// Campaign returns the snapshot of a campaign, nil when it does not exist
func (s *Snapshots) Campaign(ctx context.Context, id string) (*CampaignSnapshot, error) {
	c, err := s.LoadCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return &CampaignSnapshot{
		Campaign: c,
		Rollup:   s.Rollups.Get(stats.KindCampaign, id),
		Time:     time.Now(),
	}, nil
}
