package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	// Sent targets retention. Failed targets are never removed; they wait
	// for an explicit resume.
	SentMaxAge   time.Duration
	SentInterval time.Duration
}

// Cleaner handles automatic cleanup of old sent targets
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "cleaner"),
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.SentMaxAge <= 0 || c.cfg.SentInterval <= 0 {
		c.logger.Info("cleaner disabled")
		return
	}

	c.wg.Add(1)
	go c.cleanupLoop(ctx)

	c.logger.Info("cleaner started",
		"sent_max_age", c.cfg.SentMaxAge,
		"sent_interval", c.cfg.SentInterval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SentInterval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce removes expired sent targets
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.storage.CleanupSent(ctx, c.cfg.SentMaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup sent targets", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("cleaned up sent targets", "deleted", deleted)
	}
	return deleted
}
