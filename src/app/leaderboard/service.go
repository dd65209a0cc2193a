package leaderboard

import (
	"context"

	domain "github.com/lockgame/duelcore/src/domain/leaderboard"
	"github.com/lockgame/duelcore/src/domain/player"
)

const defaultLimit = 10

// Service answers trophy-ladder queries off the player repository.
type Service struct {
	Players player.Repository
}

func NewService(players player.Repository) *Service {
	return &Service{Players: players}
}

type TopQuery struct {
	Limit int
}

func (s *Service) Top(ctx context.Context, query TopQuery) ([]domain.Standing, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	accounts, err := s.Players.TopByTrophies(ctx, limit)
	if err != nil {
		return nil, err
	}
	return domain.BuildStandings(accounts), nil
}
