package player

import (
	"context"

	"github.com/lockgame/duelcore/src/domain/shared"
)

type Repository interface {
	GetByID(ctx context.Context, id shared.PlayerID) (*Account, error)
	Save(ctx context.Context, account *Account) error
	TopByTrophies(ctx context.Context, limit int) ([]*Account, error)
}
