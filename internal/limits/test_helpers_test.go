package limits

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HarborlightLabs/taskgate/backend/internal/completions"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLog(t *testing.T, clock *manualClock) *completions.Log {
	t.Helper()

	dsn := fmt.Sprintf("file:limits_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&completions.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log, err := completions.NewLog(completions.LogConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: completions.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	return log
}

func mustAppend(t *testing.T, log *completions.Log, key completions.Key, completedAt time.Time) {
	t.Helper()
	if _, err := log.Append(context.Background(), key, completedAt); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
}

func mustKey(t *testing.T, taskID, userID int64) completions.Key {
	t.Helper()
	key, err := completions.NewKey(taskID, userID)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	return key
}
