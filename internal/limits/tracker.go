package limits

import (
	"context"
	"sync"
	"time"

	"github.com/HarborlightLabs/taskgate/backend/internal/completions"
	"go.uber.org/zap"
)

const subscriberBufferSize = 16

// Update carries a freshly evaluated decision to a subscriber.
type Update struct {
	Key         completions.Key
	Stats       Stats
	Decision    Decision
	EvaluatedAt time.Time
}

// TrackerConfig describes the dependencies required by the tracker.
type TrackerConfig struct {
	Cache        *Cache
	Clock        func() time.Time
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Tracker runs one periodic sync loop per subscriber. Each tick ensures
// the key's cached stats are fresh and republishes the evaluated
// decision; recording a completion forces the same refresh out of band
// so subscribers never wait out a full tick to see the new state.
type Tracker struct {
	cache        *Cache
	clock        func() time.Time
	syncInterval time.Duration
	logger       *zap.Logger

	mu          sync.RWMutex
	subscribers map[completions.Key]map[int64]*subscription
	nextID      int64
}

type subscription struct {
	id     int64
	cfg    Config
	stream chan Update
}

// NewTracker constructs the tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultStaleness
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cache:        cfg.Cache,
		clock:        clock,
		syncInterval: interval,
		logger:       logger,
		subscribers:  make(map[completions.Key]map[int64]*subscription),
	}
}

// Snapshot performs a single refresh-and-evaluate for the key without
// subscribing.
func (t *Tracker) Snapshot(ctx context.Context, key completions.Key, cfg Config) (Stats, Decision) {
	stats := t.cache.EnsureFresh(ctx, key)
	return stats, Evaluate(stats, cfg, t.clock())
}

// Subscribe starts a sync loop for the key that publishes a decision
// immediately and then on every interval until ctx is cancelled. The
// returned cancel function is idempotent; no update is delivered after
// the loop observes cancellation.
func (t *Tracker) Subscribe(ctx context.Context, key completions.Key, cfg Config) (<-chan Update, func()) {
	sub := &subscription{
		id:     t.nextSequence(),
		cfg:    cfg,
		stream: make(chan Update, subscriberBufferSize),
	}
	t.register(key, sub)

	loopCtx, cancel := context.WithCancel(ctx)
	go t.runLoop(loopCtx, key, sub)

	return sub.stream, cancel
}

// Invalidate forces a recompute for the key and republishes the result
// to every active subscriber. Satisfies completions.StatsInvalidator, so
// the recorder can push post-submission state without waiting a tick.
func (t *Tracker) Invalidate(key completions.Key) {
	t.cache.Invalidate(key)
	t.publish(context.Background(), key)
}

func (t *Tracker) runLoop(ctx context.Context, key completions.Key, sub *subscription) {
	defer t.unregister(key, sub.id)

	t.deliver(ctx, key, sub)

	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.deliver(ctx, key, sub)
		}
	}
}

func (t *Tracker) deliver(ctx context.Context, key completions.Key, sub *subscription) {
	stats := t.cache.EnsureFresh(ctx, key)
	now := t.clock()
	update := Update{
		Key:         key,
		Stats:       stats,
		Decision:    Evaluate(stats, sub.cfg, now),
		EvaluatedAt: now,
	}
	select {
	case sub.stream <- update:
	default:
		t.logger.Debug("subscriber buffer full, update dropped",
			zap.Int64("task_id", key.TaskID.Int64()),
			zap.Int64("user_id", key.UserID.Int64()))
	}
}

func (t *Tracker) publish(ctx context.Context, key completions.Key) {
	t.mu.RLock()
	subs := t.subscribers[key]
	if len(subs) == 0 {
		t.mu.RUnlock()
		return
	}
	copies := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	t.mu.RUnlock()
	for _, sub := range copies {
		t.deliver(ctx, key, sub)
	}
}

func (t *Tracker) nextSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *Tracker) register(key completions.Key, sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[key]; !ok {
		t.subscribers[key] = make(map[int64]*subscription)
	}
	t.subscribers[key][sub.id] = sub
}

func (t *Tracker) unregister(key completions.Key, subscriberID int64) {
	t.mu.Lock()
	subs := t.subscribers[key]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(t.subscribers, key)
		}
	}
	t.mu.Unlock()
}
