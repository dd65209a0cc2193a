package leaderboard

import (
	"sort"

	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/domain/shared"
)

// Standing is one row of the trophy ladder.
type Standing struct {
	Rank        int             `json:"rank"`
	PlayerID    shared.PlayerID `json:"playerId"`
	DisplayName string          `json:"displayName"`
	Trophies    int             `json:"trophies"`
}

// BuildStandings ranks accounts by trophies descending, ties broken by id
// so the ladder is stable between refreshes.
func BuildStandings(accounts []*player.Account) []Standing {
	ranked := append([]*player.Account(nil), accounts...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Trophies != ranked[j].Trophies {
			return ranked[i].Trophies > ranked[j].Trophies
		}
		return ranked[i].ID < ranked[j].ID
	})
	standings := make([]Standing, 0, len(ranked))
	for i, acct := range ranked {
		standings = append(standings, Standing{
			Rank:        i + 1,
			PlayerID:    acct.ID,
			DisplayName: acct.DisplayName,
			Trophies:    acct.Trophies,
		})
	}
	return standings
}
