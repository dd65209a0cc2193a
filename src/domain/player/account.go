package player

import (
	"time"

	"github.com/lockgame/duelcore/src/domain/shared"
)

const (
	defaultPoints = 500
)

// Account is the aggregate root for a player profile and competitive rating.
type Account struct {
	ID              shared.PlayerID
	DisplayName     string
	Trophies        int
	Points          int
	CompletedLevels int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewAccount(id shared.PlayerID, displayName string, now time.Time) (*Account, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = "Player_" + shortID(id)
	}
	return &Account{
		ID:          id,
		DisplayName: displayName,
		Points:      defaultPoints,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// AddTrophies applies a signed rating delta. The persisted rating never
// drops below zero.
func (a *Account) AddTrophies(delta int, now time.Time) {
	next := a.Trophies + delta
	if next < 0 {
		next = 0
	}
	a.Trophies = next
	a.UpdatedAt = now
}

func shortID(id shared.PlayerID) string {
	s := string(id)
	if len(s) > 5 {
		return s[:5]
	}
	return s
}
