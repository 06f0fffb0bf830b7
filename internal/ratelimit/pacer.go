package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spreads sends of each device over the minute
type Pacer struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer creates a pacer allowing perMinute sends per device per minute.
// perMinute <= 0 disables pacing.
func NewPacer(perMinute int) *Pacer {
	return &Pacer{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the device may send or ctx is done
func (p *Pacer) Wait(ctx context.Context, deviceID string) error {
	lim := p.limiter(deviceID)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Forget drops the pacing state of a device
func (p *Pacer) Forget(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, deviceID)
}

func (p *Pacer) limiter(deviceID string) *rate.Limiter {
	if p.perMinute <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[deviceID]
	if !ok {
		burst := p.perMinute
		lim = rate.NewLimiter(rate.Limit(float64(p.perMinute)/60), burst)
		p.limiters[deviceID] = lim
	}
	return lim
}
