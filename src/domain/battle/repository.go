package battle

import (
	"context"
	"time"

	"github.com/lockgame/duelcore/src/domain/shared"
)

// Repository is the durable match store. Implementations assign the battle
// id at Create and must serialize Mutate calls per battle id so the two
// players' concurrent commands never lose an update.
type Repository interface {
	Create(ctx context.Context, b *Battle) error
	Get(ctx context.Context, id shared.BattleID) (*Battle, error)
	// Mutate atomically applies fn to the stored battle. A fn returning
	// ErrNoChange leaves the record (and its last-modified stamp) untouched
	// and is not an error.
	Mutate(ctx context.Context, id shared.BattleID, fn func(*Battle) error) (*Battle, error)
	// FindWaiting returns the oldest waiting battle of the given mode with
	// no second player whose creator is not exclude, or shared.ErrNotFound.
	FindWaiting(ctx context.Context, mode Mode, exclude shared.PlayerID) (*Battle, error)
	FindFriendlyRoom(ctx context.Context, code shared.RoomCode, exclude shared.PlayerID) (*Battle, error)
	Delete(ctx context.Context, id shared.BattleID) error
	// ListByIDs returns the battles that still exist; missing ids are
	// silently dropped so the snapshot cache can purge them.
	ListByIDs(ctx context.Context, ids []shared.BattleID) ([]*Battle, error)
	DeleteWaitingBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
