package leaderboard_test

import (
	"context"
	"testing"
	"time"

	leaderboardsvc "github.com/lockgame/duelcore/src/app/leaderboard"
	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/domain/shared"
	"github.com/lockgame/duelcore/src/infra/store"
)

func TestTop(t *testing.T) {
	repo := store.NewMemoryPlayerRepository()
	now := time.Now().UTC()
	for _, fixture := range []struct {
		id       shared.PlayerID
		trophies int
	}{{"alice", 300}, {"bob", 700}, {"carol", 300}} {
		acct, err := player.NewAccount(fixture.id, "", now)
		if err != nil {
			t.Fatalf("NewAccount: %v", err)
		}
		acct.Trophies = fixture.trophies
		if err := repo.Save(context.Background(), acct); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	svc := leaderboardsvc.NewService(repo)

	standings, err := svc.Top(context.Background(), leaderboardsvc.TopQuery{})
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(standings) != 3 {
		t.Fatalf("got %d standings, want 3", len(standings))
	}
	if standings[0].PlayerID != "bob" || standings[0].Rank != 1 {
		t.Fatalf("first standing = %+v", standings[0])
	}
	// Equal trophies rank in id order for a stable ladder.
	if standings[1].PlayerID != "alice" || standings[2].PlayerID != "carol" {
		t.Fatalf("tie order = %s, %s", standings[1].PlayerID, standings[2].PlayerID)
	}
	if standings[1].Rank != 2 || standings[2].Rank != 3 {
		t.Fatalf("ranks = %d, %d", standings[1].Rank, standings[2].Rank)
	}

	limited, err := svc.Top(context.Background(), leaderboardsvc.TopQuery{Limit: 1})
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: got %d standings", len(limited))
	}
}
