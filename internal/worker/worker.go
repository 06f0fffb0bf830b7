package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/metrics"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/template"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

type worker struct {
	deviceID string
	logger   *slog.Logger

	// ctx is cancelled to stop the worker; sends run detached from it
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	rec *record
}

// record holds the state of a device worker across worker goroutines
type record struct {
	mu    sync.Mutex
	state State
}

// newWorker must be called with p.mu held. A paused record of the device is
// resumed with its counters.
func (p *Pool) newWorker(id string) *worker {
	r, ok := p.records[id]
	if !ok {
		r = &record{state: State{DeviceID: id}}
		p.records[id] = r
	}
	r.mu.Lock()
	r.state.Running = true
	r.state.Paused = false
	r.state.StartedAt = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		deviceID: id,
		logger:   p.logger.With("device_id", id),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		rec:      r,
	}
}

func (w *worker) signal() {
	w.cancel()
}

func (w *worker) stopping() bool {
	return w.ctx.Err() != nil
}

func (w *worker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) setCurrent(id string) {
	w.rec.mu.Lock()
	defer w.rec.mu.Unlock()
	w.rec.state.CurrentTarget = id
}

func (w *worker) record(sent bool) {
	w.rec.mu.Lock()
	defer w.rec.mu.Unlock()
	now := time.Now()
	w.rec.state.LastActivity = &now
	if sent {
		w.rec.state.Sent++
	} else {
		w.rec.state.Failed++
	}
}

// sleep waits for d or until the worker is stopped
func (w *worker) sleep(d time.Duration) bool {
	if d <= 0 {
		return !w.stopping()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// run is the send loop of one device
func (p *Pool) run(w *worker) {
	defer p.exit(w)
	w.logger.Debug("worker running")

	ctx := context.WithoutCancel(w.ctx)
	for !w.stopping() {
		if !p.devices.IsOnline(w.deviceID) {
			w.logger.Info("device left online, worker suspending")
			return
		}

		t, err := p.queue.Claim(ctx, w.deviceID)
		if err != nil {
			w.logger.Error("failed to claim target", "error", err)
			w.sleep(p.cfg.IdleInterval)
			continue
		}
		if t == nil {
			p.idle(w)
			continue
		}

		p.process(w, t)
	}
}

// idle waits for a wake-up, the idle interval or a stop
func (p *Pool) idle(w *worker) {
	timer := time.NewTimer(p.cfg.IdleInterval)
	defer timer.Stop()
	select {
	case <-w.wake:
	case <-timer.C:
	case <-w.ctx.Done():
	}
}

// exit releases what the worker still holds and forgets it
func (p *Pool) exit(w *worker) {
	ctx := context.Background()

	n, err := p.queue.ReleaseDevice(ctx, w.deviceID)
	if err != nil {
		w.logger.Error("failed to release claimed targets", "error", err)
	} else if n > 0 {
		metrics.AddTargetsReleased(n)
		w.logger.Info("released claimed targets", "count", n)
	}

	w.rec.mu.Lock()
	w.rec.state.Running = false
	w.rec.state.Paused = true
	w.rec.state.CurrentTarget = ""
	state := w.rec.state
	w.rec.mu.Unlock()

	p.mu.Lock()
	if p.workers[w.deviceID] == w {
		delete(p.workers, w.deviceID)
	}
	p.mu.Unlock()

	w.cancel()
	close(w.done)

	w.logger.Info("worker stopped", "sent", state.Sent, "failed", state.Failed)
	if p.events != nil {
		p.events.Publish(livesync.Event{
			Code:     livesync.WorkerStopped,
			Message:  fmt.Sprintf("Worker of device %s stopped", w.deviceID),
			Result:   state,
			DeviceID: w.deviceID,
		})
	}
}

// process takes one claimed target to a terminal status, or releases it
// when the worker has to stop before the send starts
func (p *Pool) process(w *worker, t *queue.Target) {
	logger := w.logger.With("target_id", t.ID)
	ctx := context.WithoutCancel(w.ctx)

	w.setCurrent(t.ID)
	defer w.setCurrent("")

	if !w.sleep(p.delay(t)) {
		p.release(ctx, logger, t, "stopped during delay")
		return
	}

	if p.pacer != nil {
		if err := p.pacer.Wait(w.ctx, w.deviceID); err != nil {
			p.release(ctx, logger, t, "stopped while pacing")
			return
		}
	}

	if !p.devices.IsOnline(w.deviceID) {
		p.release(ctx, logger, t, "device left online")
		return
	}

	msg, err := p.message(t)
	if err != nil {
		p.complete(ctx, w, logger, t, queue.Outcome{Status: queue.StatusFailed, Error: err.Error()}, "render")
		return
	}

	// Counted last so a target released above does not use up quota
	if p.quota != nil {
		res, err := p.quota.Allow(ctx, w.deviceID)
		if err != nil {
			logger.Warn("quota check failed", "error", err)
		} else if !res.Allowed {
			metrics.IncRateLimitExceeded(string(res.DeniedBy))
			p.release(ctx, logger, t, "quota reached")

			wait := res.RetryAfter
			if wait <= 0 {
				wait = p.cfg.IdleInterval
			}
			if wait > p.cfg.MaxQuotaWait {
				wait = p.cfg.MaxQuotaWait
			}
			logger.Info("device quota reached", "denied_by", res.DeniedBy, "retry_after", wait)
			w.sleep(wait)
			return
		}
	}

	// The send is never cut short by a stop signal
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	start := time.Now()
	res, err := p.transport.Send(sendCtx, w.deviceID, msg)
	cancel()
	metrics.ObserveSend(time.Since(start))

	if err == nil {
		outcome := queue.Outcome{Status: queue.StatusSent}
		if res != nil {
			outcome.MessageID = res.MessageID
		}
		p.complete(ctx, w, logger, t, outcome, "")
		return
	}

	p.complete(ctx, w, logger, t, queue.Outcome{Status: queue.StatusFailed, Error: err.Error()}, errorType(err))

	switch {
	case errors.Is(err, transport.ErrSessionRevoked):
		if err := p.devices.MarkLoggedOut(ctx, w.deviceID, err.Error()); err != nil {
			logger.Warn("failed to mark device logged out", "error", err)
		}
	case transport.IsSessionError(err):
		if err := p.devices.MarkDisconnected(ctx, w.deviceID, err.Error()); err != nil {
			logger.Warn("failed to mark device disconnected", "error", err)
		}
	}
}

func (p *Pool) complete(ctx context.Context, w *worker, logger *slog.Logger, t *queue.Target, outcome queue.Outcome, errType string) {
	if _, err := p.queue.Complete(ctx, t.ID, outcome); err != nil {
		logger.Error("failed to complete target", "error", err)
		return
	}

	sent := outcome.Status == queue.StatusSent
	w.record(sent)
	if sent {
		metrics.IncTargetsSent(w.deviceID)
		logger.Info("target sent", "to", t.Contact.Phone, "source", t.Source())
		return
	}
	metrics.IncTargetsFailed(w.deviceID, errType)
	logger.Warn("target failed", "to", t.Contact.Phone, "source", t.Source(), "error", outcome.Error)
}

func (p *Pool) release(ctx context.Context, logger *slog.Logger, t *queue.Target, reason string) {
	if err := p.queue.Release(ctx, t.ID); err != nil {
		logger.Error("failed to release target", "reason", reason, "error", err)
		return
	}
	metrics.AddTargetsReleased(1)
	logger.Debug("target released", "reason", reason)
}

// delay draws the wait before a send uniformly from the target's
// [min, max] seconds, both ends included
func (p *Pool) delay(t *queue.Target) time.Duration {
	lo := time.Duration(t.MinDelaySeconds) * time.Second
	hi := time.Duration(t.MaxDelaySeconds) * time.Second
	if t.MinDelaySeconds == 0 && t.MaxDelaySeconds == 0 {
		lo, hi = p.cfg.DefaultMinDelay, p.cfg.DefaultMaxDelay
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// message renders the target for its contact
func (p *Pool) message(t *queue.Target) (*transport.Message, error) {
	data := template.Data{Name: t.Contact.Name, Phone: t.Contact.Phone, Device: t.DeviceID}
	msg := &transport.Message{
		ID:       t.ID,
		To:       t.Contact.Phone,
		Type:     transport.MessageType(t.MessageType),
		MediaURL: t.MediaURL,
	}
	if msg.Type == "" {
		msg.Type = transport.MessageText
	}

	var err error
	if msg.Type == transport.MessageText {
		msg.Content, err = p.renderer.RenderText(t.Content, data)
		return msg, err
	}
	if msg.Content, err = p.renderer.Render(t.Content, data); err != nil {
		return nil, err
	}
	msg.Caption, err = p.renderer.Render(t.Caption, data)
	return msg, err
}

func errorType(err error) string {
	switch {
	case transport.IsSessionError(err):
		return "session"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
