package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTargets = []byte("targets")
	bucketPending = []byte("pending")
	bucketClaimed = []byte("claimed")
	bucketDedup   = []byte("dedup")

	// bucketArchived keeps a stripped copy of every cleaned-up target so
	// rollups rebuilt from storage still count it
	bucketArchived = []byte("archived")
)

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db *bolt.DB

	mu        sync.RWMutex
	observers []Observer
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTargets, bucketPending, bucketClaimed, bucketDedup, bucketArchived} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// AddObserver registers an observer of committed writes
func (s *BoltStorage) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *BoltStorage) notify(fn func(o Observer)) {
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// Enqueue adds targets to the queue in a single transaction. A target whose
// source and contact phone were already enqueued is skipped.
func (s *BoltStorage) Enqueue(ctx context.Context, targets []*Target) (*EnqueueResult, error) {
	result := &EnqueueResult{}

	err := s.db.Update(func(tx *bolt.Tx) error {
		targetsBucket := tx.Bucket(bucketTargets)
		pendingBucket := tx.Bucket(bucketPending)
		dedupBucket := tx.Bucket(bucketDedup)

		now := time.Now()
		for _, in := range targets {
			key := dedupKey(in)
			if dedupBucket.Get(key) != nil {
				result.Skipped++
				continue
			}

			seq, err := targetsBucket.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate sequence: %w", err)
			}

			t := in.Clone()
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			t.Seq = seq
			t.Status = StatusPending
			t.CreatedAt = now
			t.UpdatedAt = now
			t.ClaimedAt = nil
			t.CompletedAt = nil

			if err := putTarget(targetsBucket, t); err != nil {
				return err
			}
			if err := pendingBucket.Put(pendingKey(t), []byte(t.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
			if err := dedupBucket.Put(key, []byte(t.ID)); err != nil {
				return fmt.Errorf("failed to add to dedup index: %w", err)
			}

			result.Enqueued = append(result.Enqueued, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Count = len(result.Enqueued)
	if result.Count > 0 {
		s.notify(func(o Observer) { o.TargetsEnqueued(cloneAll(result.Enqueued)) })
	}
	return result, nil
}

// Claim returns the oldest pending target of the device whose not_before has
// passed, atomically marking it claimed.
func (s *BoltStorage) Claim(ctx context.Context, deviceID string) (*Target, error) {
	var claimed *Target

	err := s.db.Update(func(tx *bolt.Tx) error {
		targetsBucket := tx.Bucket(bucketTargets)
		pendingBucket := tx.Bucket(bucketPending)
		c := pendingBucket.Cursor()

		prefix := devicePrefix(deviceID)
		now := time.Now()

		var stale [][]byte
		var claimKey []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			t, err := getTarget(targetsBucket, v)
			if err != nil {
				return err
			}
			if t == nil || t.Status != StatusPending {
				stale = append(stale, append([]byte{}, k...))
				continue
			}
			if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
				continue
			}

			t.Status = StatusClaimed
			t.Attempts++
			t.ClaimedAt = &now
			t.UpdatedAt = now

			claimed = t
			claimKey = append([]byte{}, k...)
			break
		}

		for _, k := range stale {
			if err := pendingBucket.Delete(k); err != nil {
				return err
			}
		}
		if claimed == nil {
			return nil
		}

		if err := putTarget(targetsBucket, claimed); err != nil {
			return err
		}
		if err := pendingBucket.Delete(claimKey); err != nil {
			return err
		}
		if err := tx.Bucket(bucketClaimed).Put([]byte(claimed.ID), []byte(deviceID)); err != nil {
			return fmt.Errorf("failed to add to claimed index: %w", err)
		}
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}

	s.notify(func(o Observer) { o.TargetClaimed(claimed.Clone()) })
	return claimed.Clone(), nil
}

// Complete records the outcome of a claimed target. Only the holder of the
// claim can complete it, and only once.
func (s *BoltStorage) Complete(ctx context.Context, id string, outcome Outcome) (*Target, error) {
	if !outcome.Status.IsTerminal() {
		return nil, fmt.Errorf("invalid outcome status %q", outcome.Status)
	}

	var completed *Target
	err := s.db.Update(func(tx *bolt.Tx) error {
		targetsBucket := tx.Bucket(bucketTargets)

		t, err := getTarget(targetsBucket, []byte(id))
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if t.Status != StatusClaimed {
			return fmt.Errorf("%w: %s is %s", ErrNotClaimed, id, t.Status)
		}

		now := time.Now()
		t.Status = outcome.Status
		t.LastError = outcome.Error
		t.MessageID = outcome.MessageID
		t.CompletedAt = &now
		t.UpdatedAt = now

		if err := putTarget(targetsBucket, t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketClaimed).Delete([]byte(id)); err != nil {
			return err
		}

		completed = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(func(o Observer) { o.TargetCompleted(completed.Clone()) })
	return completed.Clone(), nil
}

// Release puts a claimed target back to pending at its original position
func (s *BoltStorage) Release(ctx context.Context, id string) error {
	var released *Target

	err := s.db.Update(func(tx *bolt.Tx) error {
		t, err := releaseTx(tx, []byte(id))
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("%w: %s", ErrNotClaimed, id)
		}
		released = t
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(func(o Observer) { o.TargetsReleased([]*Target{released.Clone()}) })
	return nil
}

// ReleaseDevice releases every claimed target of a device
func (s *BoltStorage) ReleaseDevice(ctx context.Context, deviceID string) (int, error) {
	var released []*Target

	err := s.db.Update(func(tx *bolt.Tx) error {
		var ids [][]byte
		err := tx.Bucket(bucketClaimed).ForEach(func(k, v []byte) error {
			if string(v) == deviceID {
				ids = append(ids, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			t, err := releaseTx(tx, id)
			if err != nil {
				return err
			}
			if t != nil {
				released = append(released, t)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(released) > 0 {
		s.notify(func(o Observer) { o.TargetsReleased(cloneAll(released)) })
	}
	return len(released), nil
}

// releaseTx moves a claimed target back to pending. Returns nil if the
// target is not claimed.
func releaseTx(tx *bolt.Tx, id []byte) (*Target, error) {
	targetsBucket := tx.Bucket(bucketTargets)
	claimedBucket := tx.Bucket(bucketClaimed)

	t, err := getTarget(targetsBucket, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.Status != StatusClaimed {
		if err := claimedBucket.Delete(id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	t.Status = StatusPending
	t.ClaimedAt = nil
	t.UpdatedAt = time.Now()

	if err := putTarget(targetsBucket, t); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketPending).Put(pendingKey(t), []byte(t.ID)); err != nil {
		return nil, fmt.Errorf("failed to add to pending index: %w", err)
	}
	if err := claimedBucket.Delete(id); err != nil {
		return nil, err
	}
	return t, nil
}

// ResumeFailed puts failed targets matching the filter back to pending.
// Calling it again with nothing failed in between changes nothing.
func (s *BoltStorage) ResumeFailed(ctx context.Context, filter ResumeFilter) (int, error) {
	var resumed []*Target
	match := filter.listFilter()

	err := s.db.Update(func(tx *bolt.Tx) error {
		targetsBucket := tx.Bucket(bucketTargets)
		pendingBucket := tx.Bucket(bucketPending)

		var toResume []*Target
		err := targetsBucket.ForEach(func(k, v []byte) error {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if match.match(&t) {
				toResume = append(toResume, &t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, t := range toResume {
			t.Status = StatusPending
			t.LastError = ""
			t.CompletedAt = nil
			t.NotBefore = time.Time{}
			t.UpdatedAt = now

			if err := putTarget(targetsBucket, t); err != nil {
				return err
			}
			if err := pendingBucket.Put(pendingKey(t), []byte(t.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
		}
		resumed = toResume
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(resumed) > 0 {
		s.notify(func(o Observer) { o.TargetsResumed(cloneAll(resumed)) })
	}
	return len(resumed), nil
}

// Get retrieves a target by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Target, error) {
	var t *Target
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTarget(tx.Bucket(bucketTargets), []byte(id))
		return err
	})
	return t, err
}

// List returns targets in enqueue order with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Target, error) {
	var targets []*Target

	err := s.ForEach(ctx, func(t *Target) error {
		if filter.match(t) {
			targets = append(targets, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Seq < targets[j].Seq })

	if filter.Offset > 0 {
		if filter.Offset >= len(targets) {
			return nil, nil
		}
		targets = targets[filter.Offset:]
	}
	if filter.Limit > 0 && len(targets) > filter.Limit {
		targets = targets[:filter.Limit]
	}
	return targets, nil
}

// ForEach calls fn for every stored target inside one read transaction
func (s *BoltStorage) ForEach(ctx context.Context, fn func(t *Target) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargets).ForEach(func(k, v []byte) error {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			return fn(&t)
		})
	})
}

// ListStuck returns targets claimed longer than olderThan
func (s *BoltStorage) ListStuck(ctx context.Context, olderThan time.Duration) ([]*Target, error) {
	var stuck []*Target
	cutoff := time.Now().Add(-olderThan)

	err := s.db.View(func(tx *bolt.Tx) error {
		targetsBucket := tx.Bucket(bucketTargets)
		return tx.Bucket(bucketClaimed).ForEach(func(k, v []byte) error {
			t, err := getTarget(targetsBucket, k)
			if err != nil || t == nil {
				return err
			}
			if t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
				stuck = append(stuck, t)
			}
			return nil
		})
	})
	return stuck, err
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.ForEach(ctx, func(t *Target) error {
		stats.Total++
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusClaimed:
			stats.Claimed++
		case StatusSent:
			stats.Sent++
		case StatusFailed:
			stats.Failed++
		}
		return nil
	})

	return stats, err
}

// CleanupSent removes sent targets completed more than maxAge ago. Dedup
// entries are kept so a cleaned target is never enqueued again, and an
// archived copy without the message body is kept for ForEachArchived.
func (s *BoltStorage) CleanupSent(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		targetsBucket := tx.Bucket(bucketTargets)
		archivedBucket := tx.Bucket(bucketArchived)

		var toDelete []*Target
		err := targetsBucket.ForEach(func(k, v []byte) error {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.Status == StatusSent && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				toDelete = append(toDelete, &t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, t := range toDelete {
			if err := putTarget(archivedBucket, t.archived()); err != nil {
				return err
			}
			if err := targetsBucket.Delete([]byte(t.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// ForEachArchived calls fn for every target removed by CleanupSent
func (s *BoltStorage) ForEachArchived(ctx context.Context, fn func(t *Target) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchived).ForEach(func(k, v []byte) error {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			return fn(&t)
		})
	})
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getTarget(b *bolt.Bucket, id []byte) (*Target, error) {
	data := b.Get(id)
	if data == nil {
		return nil, nil
	}
	var t Target
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target: %w", err)
	}
	return &t, nil
}

func putTarget(b *bolt.Bucket, t *Target) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal target: %w", err)
	}
	if err := b.Put([]byte(t.ID), data); err != nil {
		return fmt.Errorf("failed to store target: %w", err)
	}
	return nil
}

// devicePrefix is the pending index prefix of a device partition
func devicePrefix(deviceID string) []byte {
	return []byte(deviceID + "/")
}

// pendingKey orders a device partition by enqueue sequence
func pendingKey(t *Target) []byte {
	return []byte(fmt.Sprintf("%s/%020d", t.DeviceID, t.Seq))
}

func dedupKey(t *Target) []byte {
	return []byte(t.Source() + "|" + t.Contact.Phone)
}

func cloneAll(targets []*Target) []*Target {
	out := make([]*Target, len(targets))
	for i, t := range targets {
		out[i] = t.Clone()
	}
	return out
}
