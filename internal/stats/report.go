package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
)

// StepReport is the rollup of one sequence step on one device
type StepReport struct {
	StepID string `json:"step_id"`
	Day    int    `json:"day"`
	Rollup
}

// DeviceReport is the per-step breakdown of a sequence on one device
type DeviceReport struct {
	DeviceID string       `json:"device_id"`
	Total    Rollup       `json:"total"`
	Steps    []StepReport `json:"steps"`
}

// SequenceReport is the device report of a sequence
type SequenceReport struct {
	SequenceID string         `json:"sequence_id"`
	From       time.Time      `json:"from,omitempty"`
	To         time.Time      `json:"to,omitempty"`
	Total      Rollup         `json:"total"`
	Devices    []DeviceReport `json:"devices"`
}

// SequenceDeviceReport scans the targets of a sequence created in [from, to)
// and breaks them down per device and per step.
func (a *Aggregator) SequenceDeviceReport(ctx context.Context, sequenceID string, from, to time.Time) (*SequenceReport, error) {
	filter := ScanFilter{SequenceID: sequenceID, From: from, To: to}

	type stepKey struct {
		device string
		step   string
	}
	total := &counter{leads: make(map[string]int)}
	devices := make(map[string]*counter)
	steps := make(map[stepKey]*counter)
	days := make(map[string]int)

	err := a.source.ForEach(ctx, func(t *queue.Target) error {
		if !filter.match(t) {
			return nil
		}
		total.add(t)

		d, ok := devices[t.DeviceID]
		if !ok {
			d = &counter{leads: make(map[string]int)}
			devices[t.DeviceID] = d
		}
		d.add(t)

		sk := stepKey{t.DeviceID, t.StepID}
		s, ok := steps[sk]
		if !ok {
			s = &counter{leads: make(map[string]int)}
			steps[sk] = s
		}
		s.add(t)
		days[t.StepID] = t.StepDay
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan targets: %w", err)
	}

	report := &SequenceReport{
		SequenceID: sequenceID,
		From:       from,
		To:         to,
		Total:      total.Rollup,
		Devices:    make([]DeviceReport, 0, len(devices)),
	}

	for id, c := range devices {
		dr := DeviceReport{DeviceID: id, Total: c.Rollup}
		for sk, s := range steps {
			if sk.device != id {
				continue
			}
			dr.Steps = append(dr.Steps, StepReport{StepID: sk.step, Day: days[sk.step], Rollup: s.Rollup})
		}
		sort.Slice(dr.Steps, func(i, j int) bool {
			if dr.Steps[i].Day == dr.Steps[j].Day {
				return dr.Steps[i].StepID < dr.Steps[j].StepID
			}
			return dr.Steps[i].Day < dr.Steps[j].Day
		})
		report.Devices = append(report.Devices, dr)
	}
	sort.Slice(report.Devices, func(i, j int) bool {
		return report.Devices[i].DeviceID < report.Devices[j].DeviceID
	})

	return report, nil
}
