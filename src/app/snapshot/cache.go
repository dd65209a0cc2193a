package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/shared"
)

const (
	defaultTickInterval    = 150 * time.Millisecond
	defaultCleanupInterval = 5 * time.Minute
	defaultRefreshTimeout  = 2 * time.Second
)

// Store is the slice of the match store the cache needs for bulk refresh.
type Store interface {
	ListByIDs(ctx context.Context, ids []shared.BattleID) ([]*battle.Battle, error)
}

// Update is the answer to a "changed since version V" query.
type Update struct {
	Updated bool           `json:"updated"`
	Version uint64         `json:"version"`
	Battle  *battle.Battle `json:"battle,omitempty"`
}

// Stats exposes cache internals for metrics gauges.
type Stats struct {
	GlobalVersion uint64
	Snapshots     int
	Pending       int
	TickInterval  time.Duration
}

// Config tunes the cache; zero values fall back to defaults.
type Config struct {
	TickInterval    time.Duration
	CleanupInterval time.Duration
	RefreshTimeout  time.Duration
	Clock           func() time.Time
	// CleanupPolicy optionally bounds cache size on the low-priority pass.
	CleanupPolicy func(map[shared.BattleID]*battle.Battle)
}

// Cache keeps an in-memory versioned copy of battle state so polling
// clients can cheaply detect changes without hitting the match store.
// Invalidation only marks a battle pending; the periodic tick re-reads all
// pending battles in one bulk query and bumps versions iff the persisted
// last-modified stamp actually moved.
type Cache struct {
	store  Store
	logger *zap.Logger
	cfg    Config

	mu        sync.Mutex
	snapshots map[shared.BattleID]*battle.Battle
	stamps    map[shared.BattleID]time.Time
	versions  map[shared.BattleID]uint64
	pending   map[shared.BattleID]struct{}

	global      atomic.Uint64
	ticking     atomic.Bool
	lastCleanup time.Time

	stop chan struct{}
	done chan struct{}
}

func NewCache(store Store, logger *zap.Logger, cfg Config) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{
		store:       store,
		logger:      logger,
		cfg:         cfg,
		snapshots:   make(map[shared.BattleID]*battle.Battle),
		stamps:      make(map[shared.BattleID]time.Time),
		versions:    make(map[shared.BattleID]uint64),
		pending:     make(map[shared.BattleID]struct{}),
		lastCleanup: cfg.Clock(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the global tick loop. Stop must be called on shutdown.
func (c *Cache) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Refresh(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
	c.logger.Info("snapshot cache started",
		zap.Duration("tick_interval", c.cfg.TickInterval))
}

func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

// Invalidate drops the cached copy and marks the battle for re-read on the
// next tick. It never touches the store itself.
func (c *Cache) Invalidate(id shared.BattleID) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, id)
	c.pending[id] = struct{}{}
}

// CheckUpdate reports whether the battle changed since clientVersion. An
// "updated" answer carries the current version and a deep copy of the
// snapshot so callers can never mutate cache state.
func (c *Cache) CheckUpdate(id shared.BattleID, clientVersion uint64) Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	version := c.versions[id]
	snap, ok := c.snapshots[id]
	if ok && clientVersion == version {
		return Update{Updated: false, Version: version}
	}
	return Update{Updated: true, Version: version, Battle: snap.Clone()}
}

// GlobalVersion is the monotonic counter across all battles.
func (c *Cache) GlobalVersion() uint64 {
	return c.global.Load()
}

// Refresh executes one tick cycle synchronously. Ticks never overlap: a
// cycle starting while another is in flight is skipped, not queued. Errors
// are logged and the cycle treated as a no-op.
func (c *Cache) Refresh(ctx context.Context) {
	if !c.ticking.CompareAndSwap(false, true) {
		return
	}
	defer c.ticking.Store(false)

	c.processPending(ctx)

	now := c.cfg.Clock()
	if now.Sub(c.lastCleanup) > c.cfg.CleanupInterval {
		c.cleanup()
		c.lastCleanup = now
	}
}

func (c *Cache) processPending(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	ids := make([]shared.BattleID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pending = make(map[shared.BattleID]struct{})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()
	battles, err := c.store.ListByIDs(ctx, ids)
	if err != nil {
		c.logger.Error("snapshot refresh failed", zap.Error(err), zap.Int("pending", len(ids)))
		// Re-queue so the next tick retries the same battles.
		c.mu.Lock()
		for _, id := range ids {
			c.pending[id] = struct{}{}
		}
		c.mu.Unlock()
		return
	}

	found := make(map[shared.BattleID]struct{}, len(battles))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range battles {
		found[b.ID] = struct{}{}
		c.storeSnapshot(b)
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			delete(c.snapshots, id)
			delete(c.stamps, id)
			delete(c.versions, id)
		}
	}
}

// storeSnapshot bumps the per-battle and global versions iff the persisted
// last-modified stamp differs from the cached one. Equal stamps never bump,
// which keeps refresh idempotent. Callers hold c.mu.
func (c *Cache) storeSnapshot(b *battle.Battle) {
	prevStamp, hadStamp := c.stamps[b.ID]
	if !hadStamp || !prevStamp.Equal(b.UpdatedAt) {
		c.versions[b.ID]++
		c.global.Inc()
	}
	c.stamps[b.ID] = b.UpdatedAt
	c.snapshots[b.ID] = b.Clone()
}

func (c *Cache) cleanup() {
	if c.cfg.CleanupPolicy == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CleanupPolicy(c.snapshots)
	for id := range c.versions {
		if _, ok := c.snapshots[id]; !ok {
			delete(c.stamps, id)
			delete(c.versions, id)
		}
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		GlobalVersion: c.global.Load(),
		Snapshots:     len(c.snapshots),
		Pending:       len(c.pending),
		TickInterval:  c.cfg.TickInterval,
	}
}
