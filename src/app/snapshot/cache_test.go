package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lockgame/duelcore/src/app/snapshot"
	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/domain/shared"
)

type mockStore struct {
	mu       sync.Mutex
	battles  map[shared.BattleID]*battle.Battle
	listErr  error
	listed   int
	lastseen []shared.BattleID
}

func newMockStore() *mockStore {
	return &mockStore{battles: make(map[shared.BattleID]*battle.Battle)}
}

func (m *mockStore) put(b *battle.Battle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.ID] = b.Clone()
}

func (m *mockStore) remove(id shared.BattleID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.battles, id)
}

func (m *mockStore) ListByIDs(_ context.Context, ids []shared.BattleID) ([]*battle.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listed++
	m.lastseen = append([]shared.BattleID(nil), ids...)
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*battle.Battle
	for _, id := range ids {
		if b, ok := m.battles[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}

func testBattle(id shared.BattleID, updatedAt time.Time) *battle.Battle {
	return &battle.Battle{
		ID:        id,
		Player1:   "p1",
		Player2:   "p2",
		Status:    battle.StatusActive,
		Mode:      battle.ModeRanked,
		Questions: []level.Question{{ID: 1, Code: "42", CodeLength: 2}},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func newTestCache(store snapshot.Store) *snapshot.Cache {
	return snapshot.NewCache(store, nil, snapshot.Config{})
}

func TestCheckUpdate_UnknownBattle(t *testing.T) {
	cache := newTestCache(newMockStore())
	update := cache.CheckUpdate("nope", 0)
	if !update.Updated {
		t.Fatalf("unknown battle should report updated so the client re-syncs")
	}
	if update.Battle != nil {
		t.Fatalf("unknown battle should carry no snapshot")
	}
}

func TestRefresh_BumpsVersionOnChange(t *testing.T) {
	store := newMockStore()
	cache := newTestCache(store)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.put(testBattle("b1", now))

	cache.Invalidate("b1")
	cache.Refresh(context.Background())

	first := cache.CheckUpdate("b1", 0)
	if !first.Updated || first.Battle == nil {
		t.Fatalf("expected a snapshot after refresh, got %+v", first)
	}
	version := first.Version
	if version == 0 {
		t.Fatalf("version not bumped on first observation")
	}

	// Client at the current version sees no update.
	if update := cache.CheckUpdate("b1", version); update.Updated {
		t.Fatalf("unchanged battle reported as updated")
	}

	// The battle changes in the store; invalidate and tick.
	store.put(testBattle("b1", now.Add(time.Second)))
	cache.Invalidate("b1")
	cache.Refresh(context.Background())

	update := cache.CheckUpdate("b1", version)
	if !update.Updated {
		t.Fatalf("changed battle not reported")
	}
	if update.Version <= version {
		t.Fatalf("version did not advance: %d -> %d", version, update.Version)
	}
}

func TestRefresh_SameStampDoesNotBump(t *testing.T) {
	store := newMockStore()
	cache := newTestCache(store)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.put(testBattle("b1", now))

	cache.Invalidate("b1")
	cache.Refresh(context.Background())
	version := cache.CheckUpdate("b1", 0).Version

	// Re-reading identical state must not advance the version.
	cache.Invalidate("b1")
	cache.Refresh(context.Background())
	if got := cache.CheckUpdate("b1", version); got.Updated {
		t.Fatalf("refresh of unchanged state bumped version to %d", got.Version)
	}
}

func TestRefresh_PurgesVanishedBattles(t *testing.T) {
	store := newMockStore()
	cache := newTestCache(store)
	store.put(testBattle("b1", time.Now()))

	cache.Invalidate("b1")
	cache.Refresh(context.Background())
	if update := cache.CheckUpdate("b1", 0); update.Battle == nil {
		t.Fatalf("snapshot missing after refresh")
	}

	store.remove("b1")
	cache.Invalidate("b1")
	cache.Refresh(context.Background())

	update := cache.CheckUpdate("b1", 0)
	if update.Battle != nil {
		t.Fatalf("snapshot survived deletion from the store")
	}
	if update.Version != 0 {
		t.Fatalf("version entry survived deletion: %d", update.Version)
	}
}

func TestRefresh_RequeuesOnStoreError(t *testing.T) {
	store := newMockStore()
	cache := newTestCache(store)
	store.put(testBattle("b1", time.Now()))

	store.listErr = errors.New("db down")
	cache.Invalidate("b1")
	cache.Refresh(context.Background())
	if cache.Stats().Pending != 1 {
		t.Fatalf("failed refresh did not re-queue the pending battle")
	}

	store.listErr = nil
	cache.Refresh(context.Background())
	if cache.Stats().Pending != 0 {
		t.Fatalf("retry did not drain the pending set")
	}
	if update := cache.CheckUpdate("b1", 0); update.Battle == nil {
		t.Fatalf("snapshot missing after retry")
	}
}

func TestCheckUpdate_SnapshotIsIsolated(t *testing.T) {
	store := newMockStore()
	cache := newTestCache(store)
	store.put(testBattle("b1", time.Now()))
	cache.Invalidate("b1")
	cache.Refresh(context.Background())

	first := cache.CheckUpdate("b1", 0)
	first.Battle.Questions[0].Code = "tampered"
	first.Battle.Player1Progress.Score = 99

	second := cache.CheckUpdate("b1", 0)
	if second.Battle.Questions[0].Code == "tampered" {
		t.Fatalf("snapshot shares question state with callers")
	}
	if second.Battle.Player1Progress.Score == 99 {
		t.Fatalf("snapshot shares progress state with callers")
	}
}

func TestRefresh_BatchesPendingIDs(t *testing.T) {
	store := newMockStore()
	cache := newTestCache(store)
	now := time.Now()
	for _, id := range []shared.BattleID{"b1", "b2", "b3"} {
		store.put(testBattle(id, now))
		cache.Invalidate(id)
	}

	cache.Refresh(context.Background())
	if store.listed != 1 {
		t.Fatalf("expected one bulk read, got %d", store.listed)
	}
	if len(store.lastseen) != 3 {
		t.Fatalf("bulk read covered %d ids, want 3", len(store.lastseen))
	}

	// Nothing pending: the next tick must not touch the store.
	cache.Refresh(context.Background())
	if store.listed != 1 {
		t.Fatalf("idle tick hit the store")
	}
}

func TestCleanupPolicy(t *testing.T) {
	store := newMockStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	cache := snapshot.NewCache(store, nil, snapshot.Config{
		CleanupInterval: time.Minute,
		Clock:           func() time.Time { return current },
		CleanupPolicy: func(snapshots map[shared.BattleID]*battle.Battle) {
			for id, b := range snapshots {
				if b.Status == battle.StatusFinished {
					delete(snapshots, id)
				}
			}
		},
	})

	finished := testBattle("b1", now)
	finished.Status = battle.StatusFinished
	store.put(finished)
	store.put(testBattle("b2", now))
	cache.Invalidate("b1")
	cache.Invalidate("b2")
	cache.Refresh(context.Background())

	// Cross the cleanup interval; the finished battle is evicted, the
	// active one stays.
	current = now.Add(2 * time.Minute)
	cache.Refresh(context.Background())

	if got := cache.Stats().Snapshots; got != 1 {
		t.Fatalf("snapshots after cleanup = %d, want 1", got)
	}
	if update := cache.CheckUpdate("b2", 0); update.Battle == nil {
		t.Fatalf("active battle evicted by cleanup")
	}
	if update := cache.CheckUpdate("b1", 0); update.Version != 0 {
		t.Fatalf("finished battle's version entry not purged")
	}
}

func TestStartStop(t *testing.T) {
	store := newMockStore()
	store.put(testBattle("b1", time.Now()))
	cache := snapshot.NewCache(store, nil, snapshot.Config{TickInterval: 5 * time.Millisecond})

	cache.Start()
	cache.Invalidate("b1")

	deadline := time.After(time.Second)
	for {
		if update := cache.CheckUpdate("b1", 0); update.Battle != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tick loop never refreshed the pending battle")
		case <-time.After(time.Millisecond):
		}
	}
	cache.Stop()
}
