package battle_test

import (
	"fmt"
	"testing"

	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/level"
)

func sameOrder(a, b []level.Question) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func TestShuffleQuestions_Deterministic(t *testing.T) {
	catalog := questions(20)
	first := battle.ShuffleQuestions("battle-7f3a", catalog)
	second := battle.ShuffleQuestions("battle-7f3a", catalog)
	if !sameOrder(first, second) {
		t.Fatalf("same battle id produced different orders")
	}
	if len(first) != len(catalog) {
		t.Fatalf("shuffle changed length: %d != %d", len(first), len(catalog))
	}
}

func TestShuffleQuestions_VariesByBattleID(t *testing.T) {
	catalog := questions(20)
	baseline := battle.ShuffleQuestions("battle-0", catalog)
	distinct := 0
	for i := 1; i <= 100; i++ {
		order := battle.ShuffleQuestions(fmt.Sprintf("battle-%d", i), catalog)
		if !sameOrder(baseline, order) {
			distinct++
		}
	}
	// Collisions are possible but a seeded deal that mostly repeats itself
	// would be a regression.
	if distinct < 95 {
		t.Fatalf("only %d of 100 battle ids produced a distinct order", distinct)
	}
}

func TestShuffleQuestions_InputUntouched(t *testing.T) {
	catalog := questions(10)
	before := make([]level.Question, len(catalog))
	copy(before, catalog)
	battle.ShuffleQuestions("battle-abc", catalog)
	if !sameOrder(before, catalog) {
		t.Fatalf("shuffle mutated its input")
	}
}

func TestShuffleQuestions_Degenerate(t *testing.T) {
	if got := battle.ShuffleQuestions("x", nil); len(got) != 0 {
		t.Fatalf("nil catalog: got %d questions", len(got))
	}
	single := battle.ShuffleQuestions("x", questions(1))
	if len(single) != 1 || single[0].ID != 1 {
		t.Fatalf("single-question catalog must survive unchanged")
	}
}
