package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter, err := NewLimiter(setupTestDB(t), nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}

	result, _ := limiter.Allow(context.Background(), "dev-1")
	if !result.Allowed {
		t.Error("no limits configured, request should be allowed")
	}
}

func TestAllowDeviceHourlyLimit(t *testing.T) {
	cfg := &Config{
		DefaultDevice: &LimitConfig{MessagesPerHour: 3, MessagesPerDay: 10},
		FlushInterval: time.Hour,
	}
	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "dev-1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, _ := limiter.Allow(ctx, "dev-1")
	if result.Allowed {
		t.Error("request 4 should be denied")
	}
	if result.DeniedBy != LevelDevice {
		t.Errorf("expected DeniedBy=device, got %s", result.DeniedBy)
	}
	if result.RetryAfter <= 0 {
		t.Error("expected positive RetryAfter")
	}

	// other devices have their own counters
	result, _ = limiter.Allow(ctx, "dev-2")
	if !result.Allowed {
		t.Error("dev-2 should be allowed")
	}
}

func TestDeviceOverride(t *testing.T) {
	cfg := &Config{
		DefaultDevice: &LimitConfig{MessagesPerDay: 100},
		Devices: map[string]*LimitConfig{
			"slow": {MessagesPerDay: 1},
		},
		FlushInterval: time.Hour,
	}
	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	limiter.Allow(ctx, "slow")
	if result, _ := limiter.Allow(ctx, "slow"); result.Allowed {
		t.Error("override limit should deny the second send")
	}
	if result, _ := limiter.Allow(ctx, "fast"); !result.Allowed {
		t.Error("default limit should allow")
	}
}

func TestGlobalLimit(t *testing.T) {
	cfg := &Config{
		Global:        &LimitConfig{MessagesPerHour: 2},
		DefaultDevice: &LimitConfig{MessagesPerHour: 100},
		FlushInterval: time.Hour,
	}
	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	limiter.Allow(ctx, "a")
	limiter.Allow(ctx, "b")

	result, _ := limiter.Allow(ctx, "c")
	if result.Allowed {
		t.Error("global limit should deny the third send")
	}
	if result.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", result.DeniedBy)
	}
}

func TestCheckDoesNotIncrement(t *testing.T) {
	cfg := &Config{
		DefaultDevice: &LimitConfig{MessagesPerHour: 1},
		FlushInterval: time.Hour,
	}
	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if result, _ := limiter.Check(ctx, "dev-1"); !result.Allowed {
			t.Fatalf("Check %d should be allowed", i+1)
		}
	}

	limiter.Allow(ctx, "dev-1")
	if result, _ := limiter.Check(ctx, "dev-1"); result.Allowed {
		t.Error("Check after reaching the limit should deny")
	}
}

func TestRemainingToday(t *testing.T) {
	cfg := &Config{
		DefaultDevice: &LimitConfig{MessagesPerDay: 5},
		FlushInterval: time.Hour,
	}
	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	if got := limiter.RemainingToday(ctx, "dev-1"); got != 5 {
		t.Errorf("RemainingToday() = %d, want 5", got)
	}
	limiter.Allow(ctx, "dev-1")
	limiter.Allow(ctx, "dev-1")
	if got := limiter.RemainingToday(ctx, "dev-1"); got != 3 {
		t.Errorf("RemainingToday() = %d, want 3", got)
	}

	unlimited, _ := NewLimiter(setupTestDB(t), nil)
	defer unlimited.Stop()
	if got := unlimited.RemainingToday(ctx, "dev-1"); got != -1 {
		t.Errorf("RemainingToday() without limits = %d, want -1", got)
	}
}

func TestGetStats(t *testing.T) {
	cfg := &Config{
		DefaultDevice: &LimitConfig{MessagesPerHour: 10},
		FlushInterval: time.Hour,
	}
	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, "dev-1")
	}

	stats, err := limiter.GetStats(ctx, LevelDevice, "dev-1")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 3 || stats.DailyCount != 3 {
		t.Errorf("stats = %+v, want 3/3", stats)
	}

	missing, _ := limiter.GetStats(ctx, LevelDevice, "nope")
	if missing.HourlyCount != 0 {
		t.Errorf("expected HourlyCount=0, got %d", missing.HourlyCount)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{
		DefaultDevice: &LimitConfig{MessagesPerHour: 10},
		FlushInterval: time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		limiter.Allow(ctx, "dev-1")
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	restored, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer restored.Stop()

	stats, _ := restored.GetStats(ctx, LevelDevice, "dev-1")
	if stats.HourlyCount != 4 {
		t.Errorf("expected persisted HourlyCount=4, got %d", stats.HourlyCount)
	}
}

func TestPacer(t *testing.T) {
	p := NewPacer(0)
	ctx := context.Background()
	if err := p.Wait(ctx, "dev-1"); err != nil {
		t.Fatalf("disabled pacer Wait() error = %v", err)
	}

	p = NewPacer(60)
	for i := 0; i < 60; i++ {
		if err := p.Wait(ctx, "dev-1"); err != nil {
			t.Fatalf("Wait() within burst error = %v", err)
		}
	}

	cancelled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(cancelled, "dev-1"); err == nil {
		t.Error("Wait() beyond burst should not return before the deadline")
	}

	// devices are paced independently
	if err := p.Wait(ctx, "dev-2"); err != nil {
		t.Errorf("Wait(dev-2) error = %v", err)
	}
}
