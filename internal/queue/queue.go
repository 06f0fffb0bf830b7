package queue

import (
	"context"
	"time"
)

// Queue defines the interface for target queue operations
type Queue interface {
	// Enqueue adds targets in one transaction, skipping duplicates
	Enqueue(ctx context.Context, targets []*Target) (*EnqueueResult, error)

	// Claim marks the oldest ready pending target of a device as claimed.
	// Returns nil, nil if the device has nothing to send.
	Claim(ctx context.Context, deviceID string) (*Target, error)

	// Complete records the outcome of a claimed target
	Complete(ctx context.Context, id string, outcome Outcome) (*Target, error)

	// Release puts a claimed target back to pending at its original position
	Release(ctx context.Context, id string) error

	// ReleaseDevice releases every claimed target of a device
	ReleaseDevice(ctx context.Context, deviceID string) (int, error)

	// ResumeFailed puts failed targets back to pending
	ResumeFailed(ctx context.Context, filter ResumeFilter) (int, error)

	// Get retrieves a target by ID
	Get(ctx context.Context, id string) (*Target, error)

	// List returns a list of targets with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Target, error)

	// ForEach calls fn for every stored target
	ForEach(ctx context.Context, fn func(t *Target) error) error

	// ListStuck returns targets claimed longer than olderThan
	ListStuck(ctx context.Context, olderThan time.Duration) ([]*Target, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*QueueStats, error)

	// Close closes the storage connection
	Close() error
}

// Observer is notified after each committed queue write, in registration
// order. Observers receive copies and may call back into the queue.
type Observer interface {
	TargetsEnqueued(targets []*Target)
	TargetClaimed(t *Target)
	TargetCompleted(t *Target)
	TargetsReleased(targets []*Target)
	TargetsResumed(targets []*Target)
}

// BaseObserver implements Observer with no-ops
type BaseObserver struct{}

func (BaseObserver) TargetsEnqueued([]*Target) {}
func (BaseObserver) TargetClaimed(*Target)     {}
func (BaseObserver) TargetCompleted(*Target)   {}
func (BaseObserver) TargetsReleased([]*Target) {}
func (BaseObserver) TargetsResumed([]*Target)  {}
