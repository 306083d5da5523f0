package limits

import (
	"context"
	"testing"
	"time"
)

var trackerBase = time.Date(2026, time.March, 14, 15, 0, 0, 0, time.UTC)

func receiveUpdate(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	select {
	case update := <-updates:
		return update
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

func TestSubscribeDeliversInitialDecision(t *testing.T) {
	clock := newManualClock(trackerBase)
	log := newTestLog(t, clock)
	cache := NewCache(CacheConfig{Log: log, Clock: clock.Now})
	tracker := NewTracker(TrackerConfig{
		Cache:        cache,
		Clock:        clock.Now,
		SyncInterval: time.Hour,
	})
	key := mustKey(t, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop := tracker.Subscribe(ctx, key, Config{HourlyLimit: 3, Cooldown: 30 * time.Minute})
	defer stop()

	update := receiveUpdate(t, updates)
	if !update.Decision.CanComplete {
		t.Fatalf("expected initial decision to allow, got %+v", update.Decision)
	}
	if update.Key != key {
		t.Fatalf("unexpected key %+v", update.Key)
	}
}

func TestInvalidateRepublishesToSubscribers(t *testing.T) {
	clock := newManualClock(trackerBase)
	log := newTestLog(t, clock)
	cache := NewCache(CacheConfig{Log: log, Clock: clock.Now})
	tracker := NewTracker(TrackerConfig{
		Cache:        cache,
		Clock:        clock.Now,
		SyncInterval: time.Hour,
	})
	key := mustKey(t, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop := tracker.Subscribe(ctx, key, Config{HourlyLimit: 3, Cooldown: 30 * time.Minute})
	defer stop()
	receiveUpdate(t, updates)

	mustAppend(t, log, key, clock.Now())
	tracker.Invalidate(key)

	update := receiveUpdate(t, updates)
	if update.Stats.HourlyCount != 1 {
		t.Fatalf("expected republished stats to see the new completion, got %+v", update.Stats)
	}
	if update.Decision.CanComplete {
		t.Fatalf("expected cooldown to block after completion")
	}
	if !update.Decision.IsOnCooldown {
		t.Fatalf("expected cooldown flag")
	}
}

func TestCancelStopsDeliveries(t *testing.T) {
	clock := newManualClock(trackerBase)
	log := newTestLog(t, clock)
	cache := NewCache(CacheConfig{Log: log, Clock: clock.Now})
	tracker := NewTracker(TrackerConfig{
		Cache:        cache,
		Clock:        clock.Now,
		SyncInterval: 10 * time.Millisecond,
	})
	key := mustKey(t, 1, 10)

	ctx := context.Background()
	updates, stop := tracker.Subscribe(ctx, key, Config{})
	receiveUpdate(t, updates)

	stop()
	// Let the loop observe cancellation, then drain anything in flight.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case <-updates:
			continue
		default:
		}
		break
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case update := <-updates:
		t.Fatalf("received update after cancellation: %+v", update)
	default:
	}
}

func TestSnapshotEvaluatesWithoutSubscription(t *testing.T) {
	clock := newManualClock(trackerBase)
	log := newTestLog(t, clock)
	cache := NewCache(CacheConfig{Log: log, Clock: clock.Now})
	tracker := NewTracker(TrackerConfig{Cache: cache, Clock: clock.Now})
	key := mustKey(t, 1, 10)

	mustAppend(t, log, key, clock.Now().Add(-10*time.Minute))

	stats, decision := tracker.Snapshot(context.Background(), key, Config{Cooldown: 30 * time.Minute})
	if stats.HourlyCount != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if decision.CanComplete || !decision.IsOnCooldown {
		t.Fatalf("expected cooldown block, got %+v", decision)
	}
	if decision.CooldownRemaining != 20*time.Minute {
		t.Fatalf("unexpected remaining %v", decision.CooldownRemaining)
	}
}
