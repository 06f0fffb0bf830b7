// Package worker runs one send loop per online device.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/metrics"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/template"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// ErrDeviceNotOnline is returned when a worker is requested for a device that is not online
var ErrDeviceNotOnline = errors.New("device is not online")

// Devices is the view of the device manager the pool needs
type Devices interface {
	Online() []*device.Device
	IsOnline(id string) bool
	MarkDisconnected(ctx context.Context, id, reason string) error
	MarkLoggedOut(ctx context.Context, id, reason string) error
}

// Quota counts sends against the hourly and daily limits of a device
type Quota interface {
	Allow(ctx context.Context, deviceID string) (*ratelimit.Result, error)
}

// Pacer spreads the sends of a device over time
type Pacer interface {
	Wait(ctx context.Context, deviceID string) error
}

// Config contains pool settings
type Config struct {
	// Delay used when a target carries neither a minimum nor a maximum
	DefaultMinDelay time.Duration
	DefaultMaxDelay time.Duration

	SendTimeout  time.Duration
	IdleInterval time.Duration
	MaxQuotaWait time.Duration
}

// Options wires a pool
type Options struct {
	Queue     queue.Queue
	Devices   Devices
	Transport transport.Transport
	Quota     Quota
	Pacer     Pacer
	Renderer  *template.Engine
	Events    livesync.Publisher
	Config    Config
	Logger    *slog.Logger
}

// State is the runtime view of one device worker. A worker whose device
// disconnects is paused and keeps its counters; they reset when the device
// is logged out or taken offline, and on StopAll.
type State struct {
	DeviceID      string     `json:"device_id"`
	Running       bool       `json:"running"`
	Paused        bool       `json:"paused,omitempty"`
	CurrentTarget string     `json:"current_target,omitempty"`
	Sent          int64      `json:"sent"`
	Failed        int64      `json:"failed"`
	StartedAt     time.Time  `json:"started_at"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// Pool owns the device workers
type Pool struct {
	queue     queue.Queue
	devices   Devices
	transport transport.Transport
	quota     Quota
	pacer     Pacer
	renderer  *template.Engine
	events    livesync.Publisher
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	records map[string]*record
	halted  bool
}

// New creates a worker pool. No worker runs until Start or StartDevice.
func New(opts Options) *Pool {
	cfg := opts.Config
	if cfg.DefaultMinDelay == 0 && cfg.DefaultMaxDelay == 0 {
		cfg.DefaultMinDelay = 10 * time.Second
		cfg.DefaultMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.MaxQuotaWait <= 0 {
		cfg.MaxQuotaWait = 5 * time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = template.NewEngine(template.Config{})
	}

	return &Pool{
		queue:     opts.Queue,
		devices:   opts.Devices,
		transport: opts.Transport,
		quota:     opts.Quota,
		pacer:     opts.Pacer,
		renderer:  renderer,
		events:    opts.Events,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
		workers:   make(map[string]*worker),
		records:   make(map[string]*record),
	}
}

// Start lifts a previous StopAll and starts a worker for every online device
func (p *Pool) Start(ctx context.Context) int {
	p.mu.Lock()
	p.halted = false
	p.mu.Unlock()

	started := 0
	for _, d := range p.devices.Online() {
		ok, err := p.start(d.ID)
		if err != nil {
			p.logger.Warn("failed to start worker", "device_id", d.ID, "error", err)
			continue
		}
		if ok {
			started++
		}
	}
	p.logger.Info("worker pool started", "workers", started)
	return started
}

// StartDevice starts the worker of an online device. It is a no-op when the
// worker already runs.
func (p *Pool) StartDevice(id string) error {
	_, err := p.start(id)
	return err
}

// start launches a worker unless one is running. A worker that is still
// winding down is awaited first so two never overlap. Claims the device
// still holds belong to no live worker at this point and go back to pending
// before the new worker claims, so targets keep their sequence order.
func (p *Pool) start(id string) (bool, error) {
	for {
		if !p.devices.IsOnline(id) {
			return false, ErrDeviceNotOnline
		}

		p.mu.Lock()
		w, ok := p.workers[id]
		if !ok {
			w = p.newWorker(id)
			p.workers[id] = w
			p.mu.Unlock()

			p.releaseLeftovers(w)
			go p.run(w)
			p.logger.Info("worker started", "device_id", id)
			return true, nil
		}
		if !w.stopping() {
			p.mu.Unlock()
			return false, nil
		}
		p.mu.Unlock()
		<-w.done
	}
}

func (p *Pool) releaseLeftovers(w *worker) {
	n, err := p.queue.ReleaseDevice(context.Background(), w.deviceID)
	if err != nil {
		w.logger.Error("failed to release leftover claims", "error", err)
		return
	}
	if n > 0 {
		metrics.AddTargetsReleased(n)
		w.logger.Info("released leftover claims", "count", n)
	}
}

// Restart stops and relaunches the worker of a device. It reports false and
// does nothing when the device is not online.
func (p *Pool) Restart(id string) (bool, error) {
	if !p.devices.IsOnline(id) {
		return false, nil
	}
	p.StopDevice(id)
	started, err := p.start(id)
	if errors.Is(err, ErrDeviceNotOnline) {
		return false, nil
	}
	return started, err
}

// StopDevice stops the worker of a device and waits until it has exited.
// An in-flight send is completed first.
func (p *Pool) StopDevice(id string) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return false
	}

	w.signal()
	<-w.done
	return true
}

// StopAll stops every worker and keeps them stopped until Start is called.
// In-flight sends complete; claimed targets go back to pending.
func (p *Pool) StopAll() int {
	p.mu.Lock()
	p.halted = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.signal()
	}
	for _, w := range workers {
		<-w.done
	}

	p.mu.Lock()
	for id := range p.records {
		if _, ok := p.workers[id]; !ok {
			delete(p.records, id)
		}
	}
	p.mu.Unlock()

	p.logger.Info("all workers stopped", "workers", len(workers))
	return len(workers)
}

// Halted reports whether StopAll was called without a later Start
func (p *Pool) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// HealthResult reports one health check round
type HealthResult struct {
	Started []string `json:"started,omitempty"`
	Stopped []string `json:"stopped,omitempty"`
	Running int      `json:"running"`
}

// HealthCheck stops workers whose device is no longer online and, unless
// the pool is halted, starts the missing workers of online devices.
func (p *Pool) HealthCheck() *HealthResult {
	result := &HealthResult{}

	online := make(map[string]bool)
	for _, d := range p.devices.Online() {
		online[d.ID] = true
	}

	p.mu.Lock()
	var orphans []string
	for id := range p.workers {
		if !online[id] {
			orphans = append(orphans, id)
		}
	}
	halted := p.halted
	p.mu.Unlock()

	sort.Strings(orphans)
	for _, id := range orphans {
		if p.StopDevice(id) {
			result.Stopped = append(result.Stopped, id)
		}
	}

	if !halted {
		ids := make([]string, 0, len(online))
		for id := range online {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if ok, err := p.start(id); err == nil && ok {
				result.Started = append(result.Started, id)
			}
		}
	}

	result.Running = p.Count()
	if len(result.Started) > 0 || len(result.Stopped) > 0 {
		p.logger.Info("worker health check",
			"started", len(result.Started),
			"stopped", len(result.Stopped),
			"running", result.Running,
		)
	}
	return result
}

// Wake makes an idle worker claim immediately
func (p *Pool) Wake(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if ok {
		w.poke()
	}
}

// Running reports whether a worker runs for the device
func (p *Pool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return ok && !w.stopping()
}

// CurrentTarget returns the target the running worker of a device is
// processing, or "" when it holds none
func (p *Pool) CurrentTarget(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok || w.stopping() {
		return ""
	}
	r := w.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CurrentTarget
}

// Count returns the number of running workers
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if !w.stopping() {
			n++
		}
	}
	return n
}

// States returns the state of every running or paused worker sorted by
// device id
func (p *Pool) States() []State {
	p.mu.Lock()
	states := make([]State, 0, len(p.records))
	for id, r := range p.records {
		states = append(states, p.snapshotLocked(id, r))
	}
	p.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].DeviceID < states[j].DeviceID })
	return states
}

// State returns the state of the worker of a device
func (p *Pool) State(id string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return State{DeviceID: id}, false
	}
	return p.snapshotLocked(id, r), true
}

func (p *Pool) snapshotLocked(id string, r *record) State {
	r.mu.Lock()
	s := r.state
	r.mu.Unlock()
	if w, ok := p.workers[id]; !ok || w.stopping() {
		s.Running = false
	}
	return s
}

// forget drops the counters of a device whose session ended
func (p *Pool) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, id)
}

// DeviceListener returns the device transition listener of the pool. It only
// signals: workers of devices leaving online are told to stop and devices
// coming online get a worker from a separate goroutine. A disconnect pauses
// the worker; logout and offline also reset its counters.
func (p *Pool) DeviceListener() func(device.Transition) {
	return func(tr device.Transition) {
		switch tr.To {
		case device.StatusOffline, device.StatusLoggedOut, device.StatusNotInitialized:
			p.forget(tr.DeviceID)
		}

		switch {
		case tr.To == device.StatusOnline:
			if p.Halted() {
				return
			}
			go func() {
				if err := p.StartDevice(tr.DeviceID); err != nil && !errors.Is(err, ErrDeviceNotOnline) {
					p.logger.Warn("failed to start worker", "device_id", tr.DeviceID, "error", err)
				}
			}()
		case tr.From == device.StatusOnline:
			p.mu.Lock()
			w, ok := p.workers[tr.DeviceID]
			p.mu.Unlock()
			if ok {
				w.signal()
			}
		}
	}
}
