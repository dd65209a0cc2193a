package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/domain/shared"
)

// MemoryBattleRepository implements battle.Repository in memory. Aggregates
// are cloned on the way in and out so callers never alias stored state, and
// Mutate serializes per battle id with a dedicated lock.
type MemoryBattleRepository struct {
	mu      sync.RWMutex
	battles map[shared.BattleID]*battle.Battle
	locks   map[shared.BattleID]*sync.Mutex
	clock   func() time.Time
}

func NewMemoryBattleRepository() *MemoryBattleRepository {
	return &MemoryBattleRepository{
		battles: make(map[shared.BattleID]*battle.Battle),
		locks:   make(map[shared.BattleID]*sync.Mutex),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides time stamping for tests.
func (r *MemoryBattleRepository) WithClock(clock func() time.Time) *MemoryBattleRepository {
	r.clock = clock
	return r
}

func (r *MemoryBattleRepository) Create(ctx context.Context, b *battle.Battle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == "" {
		b.ID = shared.BattleID(uuid.Must(uuid.NewV4()).String())
	}
	now := r.clock()
	b.CreatedAt = now
	b.UpdatedAt = now
	r.battles[b.ID] = b.Clone()
	return nil
}

func (r *MemoryBattleRepository) Get(ctx context.Context, id shared.BattleID) (*battle.Battle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.battles[id]
	if !ok {
		return nil, fmt.Errorf("%w: battle %s", shared.ErrNotFound, id)
	}
	return b.Clone(), nil
}

func (r *MemoryBattleRepository) Mutate(ctx context.Context, id shared.BattleID, fn func(*battle.Battle) error) (*battle.Battle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := r.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	stored, ok := r.battles[id]
	var working *battle.Battle
	if ok {
		working = stored.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: battle %s", shared.ErrNotFound, id)
	}

	if err := fn(working); err != nil {
		if errors.Is(err, battle.ErrNoChange) {
			return working, nil
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Last-modified stamps must strictly advance so the snapshot cache can
	// detect every real change even under a coarse clock.
	updated := r.clock()
	if !updated.After(working.UpdatedAt) {
		updated = working.UpdatedAt.Add(time.Microsecond)
	}
	working.UpdatedAt = updated
	r.battles[id] = working.Clone()
	return working, nil
}

func (r *MemoryBattleRepository) FindWaiting(ctx context.Context, mode battle.Mode, exclude shared.PlayerID) (*battle.Battle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest *battle.Battle
	for _, b := range r.battles {
		if !isJoinable(b, mode, exclude) {
			continue
		}
		if oldest == nil || b.CreatedAt.Before(oldest.CreatedAt) {
			oldest = b
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("%w: no waiting battle", shared.ErrNotFound)
	}
	return oldest.Clone(), nil
}

func (r *MemoryBattleRepository) FindFriendlyRoom(ctx context.Context, code shared.RoomCode, exclude shared.PlayerID) (*battle.Battle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.battles {
		if b.RoomCode == code && isJoinable(b, battle.ModeFriendly, exclude) {
			return b.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no friendly room %s", shared.ErrNotFound, code)
}

func (r *MemoryBattleRepository) Delete(ctx context.Context, id shared.BattleID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.battles[id]; !ok {
		return fmt.Errorf("%w: battle %s", shared.ErrNotFound, id)
	}
	delete(r.battles, id)
	delete(r.locks, id)
	return nil
}

func (r *MemoryBattleRepository) ListByIDs(ctx context.Context, ids []shared.BattleID) ([]*battle.Battle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*battle.Battle, 0, len(ids))
	for _, id := range ids {
		if b, ok := r.battles[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}

func (r *MemoryBattleRepository) DeleteWaitingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, b := range r.battles {
		if b.Status == battle.StatusWaiting && b.Player2 == "" && b.CreatedAt.Before(cutoff) {
			delete(r.battles, id)
			delete(r.locks, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryBattleRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, b := range r.battles {
		if b.Status == battle.StatusFinished && b.EndTime != nil && b.EndTime.Before(cutoff) {
			delete(r.battles, id)
			delete(r.locks, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryBattleRepository) rowLock(id shared.BattleID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

func isJoinable(b *battle.Battle, mode battle.Mode, exclude shared.PlayerID) bool {
	return b.Status == battle.StatusWaiting &&
		b.Mode == mode &&
		b.Player2 == "" &&
		b.Player1 != exclude
}

// MemoryPlayerRepository implements player.Repository in memory.
type MemoryPlayerRepository struct {
	mu       sync.RWMutex
	accounts map[shared.PlayerID]*player.Account
}

func NewMemoryPlayerRepository() *MemoryPlayerRepository {
	return &MemoryPlayerRepository{accounts: make(map[shared.PlayerID]*player.Account)}
}

func (r *MemoryPlayerRepository) GetByID(ctx context.Context, id shared.PlayerID) (*player.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", shared.ErrNotFound, id)
	}
	clone := *acct
	return &clone, nil
}

func (r *MemoryPlayerRepository) Save(ctx context.Context, account *player.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *account
	r.accounts[account.ID] = &clone
	return nil
}

func (r *MemoryPlayerRepository) TopByTrophies(ctx context.Context, limit int) ([]*player.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*player.Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		clone := *acct
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trophies != out[j].Trophies {
			return out[i].Trophies > out[j].Trophies
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
