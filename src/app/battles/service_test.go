package battles_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lockgame/duelcore/src/app/battles"
	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/domain/shared"
	"github.com/lockgame/duelcore/src/infra/store"
)

type mockLevelSource struct {
	allFunc func(ctx context.Context) ([]level.Question, error)
}

func (m *mockLevelSource) AllQuestions(ctx context.Context) ([]level.Question, error) {
	if m.allFunc != nil {
		return m.allFunc(ctx)
	}
	return catalog(6), nil
}

type recordingInvalidator struct {
	ids []shared.BattleID
}

func (r *recordingInvalidator) Invalidate(id shared.BattleID) {
	r.ids = append(r.ids, id)
}

func catalog(n int) []level.Question {
	out := make([]level.Question, n)
	for i := range out {
		out[i] = level.Question{ID: int64(i + 1), Instruction: "decode", Code: "42", CodeLength: 2}
	}
	return out
}

type fixture struct {
	service     *battles.Service
	battles     *store.MemoryBattleRepository
	players     *store.MemoryPlayerRepository
	invalidator *recordingInvalidator
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	battleRepo := store.NewMemoryBattleRepository().WithClock(func() time.Time { return now })
	playerRepo := store.NewMemoryPlayerRepository()
	invalidator := &recordingInvalidator{}
	svc := battles.NewService(battleRepo, playerRepo, &mockLevelSource{},
		battles.StaticConfig(battles.DefaultGameConfig()), zap.NewNop())
	svc.Clock = func() time.Time { return now }
	svc.Cache = invalidator
	svc.RoomCodes = func() shared.RoomCode { return "ABC123" }
	return &fixture{service: svc, battles: battleRepo, players: playerRepo, invalidator: invalidator, now: now}
}

func (f *fixture) savePlayer(t *testing.T, id shared.PlayerID, trophies int) {
	t.Helper()
	acct, err := player.NewAccount(id, "", f.now)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	acct.Trophies = trophies
	if err := f.players.Save(context.Background(), acct); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func (f *fixture) activeBattle(t *testing.T) *battle.Battle {
	t.Helper()
	ctx := context.Background()
	created, err := f.service.Create(ctx, "p1", battle.ModeRanked, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	joined, err := f.service.Join(ctx, created.ID, "p2")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return joined
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, "p1", battle.ModeRanked, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID == "" {
		t.Fatalf("battle id not assigned")
	}
	if b.Status != battle.StatusWaiting {
		t.Fatalf("status = %s, want waiting", b.Status)
	}
	if b.RoomCode != "" {
		t.Fatalf("ranked battle got room code %q", b.RoomCode)
	}
	if b.TotalTimeLimit != 300 {
		t.Fatalf("time limit = %d, want 300", b.TotalTimeLimit)
	}

	// The creator's profile is provisioned on first contact.
	if _, err := f.players.GetByID(ctx, "p1"); err != nil {
		t.Fatalf("creator profile missing: %v", err)
	}
	if len(f.invalidator.ids) == 0 || f.invalidator.ids[0] != b.ID {
		t.Fatalf("create did not invalidate the snapshot cache")
	}
}

func TestCreate_FriendlyGetsRoomCode(t *testing.T) {
	f := newFixture(t)
	b, err := f.service.Create(context.Background(), "p1", battle.ModeFriendly, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.RoomCode != "ABC123" {
		t.Fatalf("room code = %q, want generated ABC123", b.RoomCode)
	}

	explicit, err := f.service.Create(context.Background(), "p1", battle.ModeFriendly, "ZZTOP9")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if explicit.RoomCode != "ZZTOP9" {
		t.Fatalf("explicit room code overridden to %q", explicit.RoomCode)
	}
}

func TestJoin_ActivatesAndDeals(t *testing.T) {
	f := newFixture(t)
	b := f.activeBattle(t)

	if b.Status != battle.StatusActive {
		t.Fatalf("status = %s, want active", b.Status)
	}
	if len(b.Questions) != 6 {
		t.Fatalf("dealt %d questions, want 6", len(b.Questions))
	}
	if b.StartTime == nil {
		t.Fatalf("start time not set")
	}

	// The deal is keyed off the battle id.
	want := battle.ShuffleQuestions(string(b.ID), catalog(6))
	if !reflect.DeepEqual(b.Questions, want) {
		t.Fatalf("deal does not match the deterministic shuffle for this battle id")
	}
}

func TestJoin_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.service.Create(ctx, "p1", battle.ModeRanked, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.service.Join(ctx, created.ID, "p1"); !errors.Is(err, shared.ErrSelfJoin) {
		t.Fatalf("self join: got %v", err)
	}
	if _, err := f.service.Join(ctx, "missing-battle", "p2"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("missing battle: got %v", err)
	}

	if _, err := f.service.Join(ctx, created.ID, "p2"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := f.service.Join(ctx, created.ID, "p3"); !errors.Is(err, shared.ErrInvalidState) {
		t.Fatalf("joining an active battle: got %v", err)
	}
}

func TestJoin_EmptyCatalog(t *testing.T) {
	f := newFixture(t)
	f.service.Levels = &mockLevelSource{allFunc: func(context.Context) ([]level.Question, error) {
		return nil, nil
	}}
	created, err := f.service.Create(context.Background(), "p1", battle.ModeRanked, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.service.Join(context.Background(), created.ID, "p2"); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("empty catalog: got %v", err)
	}
}

func TestMatchmake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First caller opens a waiting battle.
	first, err := f.service.Matchmake(ctx, "p1")
	if err != nil {
		t.Fatalf("Matchmake: %v", err)
	}
	if first.Joined {
		t.Fatalf("first caller should not have joined anything")
	}
	if first.Battle.Status != battle.StatusWaiting {
		t.Fatalf("first battle status = %s, want waiting", first.Battle.Status)
	}

	// Second caller is paired into it.
	second, err := f.service.Matchmake(ctx, "p2")
	if err != nil {
		t.Fatalf("Matchmake: %v", err)
	}
	if !second.Joined {
		t.Fatalf("second caller should have joined the waiting battle")
	}
	if second.Battle.ID != first.Battle.ID {
		t.Fatalf("joined %s, want %s", second.Battle.ID, first.Battle.ID)
	}
	if second.Battle.Status != battle.StatusActive {
		t.Fatalf("joined battle status = %s, want active", second.Battle.Status)
	}
}

func TestMatchmake_NeverPairsWithSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Matchmake(ctx, "p1")
	if err != nil {
		t.Fatalf("Matchmake: %v", err)
	}
	again, err := f.service.Matchmake(ctx, "p1")
	if err != nil {
		t.Fatalf("Matchmake: %v", err)
	}
	if again.Joined {
		t.Fatalf("player paired into their own waiting battle")
	}
	if again.Battle.ID == first.Battle.ID {
		t.Fatalf("second matchmake returned the caller's own battle")
	}
}

// staleFinder serves a snapshot from before a rival joined, forcing the
// matchmaking join to lose the race.
type staleFinder struct {
	battle.Repository
	stale *battle.Battle
}

func (r *staleFinder) FindWaiting(context.Context, battle.Mode, shared.PlayerID) (*battle.Battle, error) {
	return r.stale.Clone(), nil
}

func TestMatchmake_FallbackWhenJoinLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Matchmake(ctx, "p1")
	if err != nil {
		t.Fatalf("Matchmake: %v", err)
	}
	// A rival fills the battle; the stale finder still offers it to p2.
	if _, err := f.service.Join(ctx, first.Battle.ID, "rival"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	f.service.Battles = &staleFinder{Repository: f.battles, stale: first.Battle}

	res, err := f.service.Matchmake(ctx, "p2")
	if err != nil {
		t.Fatalf("Matchmake after lost join: %v", err)
	}
	if res.Joined {
		t.Fatalf("expected fallback create, got joined")
	}
	if res.Battle.ID == first.Battle.ID {
		t.Fatalf("fallback returned the full battle")
	}
	if res.Battle.Status != battle.StatusWaiting {
		t.Fatalf("fallback battle status = %s, want waiting", res.Battle.Status)
	}
}

func TestFindFriendlyRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, "p1", battle.ModeFriendly, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	found, err := f.service.FindFriendlyRoom(ctx, created.RoomCode, "p2")
	if err != nil {
		t.Fatalf("FindFriendlyRoom: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Fatalf("room lookup failed")
	}

	// The creator must not find their own room.
	own, err := f.service.FindFriendlyRoom(ctx, created.RoomCode, "p1")
	if err != nil {
		t.Fatalf("FindFriendlyRoom: %v", err)
	}
	if own != nil {
		t.Fatalf("creator matched their own room")
	}

	none, err := f.service.FindFriendlyRoom(ctx, "NOPE42", "p2")
	if err != nil {
		t.Fatalf("FindFriendlyRoom: %v", err)
	}
	if none != nil {
		t.Fatalf("unknown code matched a battle")
	}
}

func TestRecordCorrectAnswer_Idempotent(t *testing.T) {
	f := newFixture(t)
	b := f.activeBattle(t)
	ctx := context.Background()

	updated, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0)
	if err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	again, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0)
	if err != nil {
		t.Fatalf("RecordCorrectAnswer repeat: %v", err)
	}
	if len(again.Player1Progress.Answered) != len(updated.Player1Progress.Answered) {
		t.Fatalf("answered set grew on duplicate submission")
	}
}

func TestFinish_TrophyTransfer(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 500)
	f.savePlayer(t, "p2", 500)
	b := f.activeBattle(t)
	ctx := context.Background()

	if _, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	res, err := f.service.Finish(ctx, b.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.Outcome.Winner != "p1" || res.Outcome.Result != battle.ResultPlayer1Win {
		t.Fatalf("outcome = %+v, want p1 win", res.Outcome)
	}
	if got := res.Outcome.TrophyChanges["p1"]; got != 100 {
		t.Fatalf("winner delta = %d, want 100", got)
	}
	if got := res.Outcome.TrophyChanges["p2"]; got != -100 {
		t.Fatalf("loser delta = %d, want -100", got)
	}

	winner, _ := f.players.GetByID(ctx, "p1")
	loser, _ := f.players.GetByID(ctx, "p2")
	if winner.Trophies != 600 || loser.Trophies != 400 {
		t.Fatalf("ratings = %d/%d, want 600/400", winner.Trophies, loser.Trophies)
	}
}

// commitFailRepo runs the mutation but reports the write as lost,
// leaving the stored battle untouched.
type commitFailRepo struct {
	battle.Repository
	fail bool
}

func (r *commitFailRepo) Mutate(ctx context.Context, id shared.BattleID, fn func(*battle.Battle) error) (*battle.Battle, error) {
	if !r.fail {
		return r.Repository.Mutate(ctx, id, fn)
	}
	b, err := r.Repository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil && !errors.Is(err, battle.ErrNoChange) {
		return nil, err
	}
	return nil, errors.New("connection reset during commit")
}

func TestFinish_LostWriteLeavesRatingsUntouched(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 500)
	f.savePlayer(t, "p2", 500)
	b := f.activeBattle(t)
	ctx := context.Background()

	if _, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	repo := &commitFailRepo{Repository: f.battles, fail: true}
	f.service.Battles = repo

	if _, err := f.service.Finish(ctx, b.ID); err == nil {
		t.Fatal("Finish should surface the lost battle write")
	}
	for _, id := range []shared.PlayerID{"p1", "p2"} {
		acct, err := f.players.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID(%s): %v", id, err)
		}
		if acct.Trophies != 500 {
			t.Fatalf("%s trophies = %d, want 500 after failed finish", id, acct.Trophies)
		}
	}

	repo.fail = false
	res, err := f.service.Finish(ctx, b.ID)
	if err != nil {
		t.Fatalf("Finish retry: %v", err)
	}
	if res.Outcome.Winner != "p1" {
		t.Fatalf("winner = %s, want p1", res.Outcome.Winner)
	}
	winner, _ := f.players.GetByID(ctx, "p1")
	loser, _ := f.players.GetByID(ctx, "p2")
	if winner.Trophies != 600 || loser.Trophies != 400 {
		t.Fatalf("ratings = %d/%d, want 600/400 applied exactly once", winner.Trophies, loser.Trophies)
	}
}

func TestFinish_TrophyFloor(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 500)
	f.savePlayer(t, "p2", 60)
	b := f.activeBattle(t)
	ctx := context.Background()

	if _, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	res, err := f.service.Finish(ctx, b.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// The loser holds less than the penalty: the recorded delta drops them
	// exactly to zero, never negative.
	if got := res.Outcome.TrophyChanges["p2"]; got != -60 {
		t.Fatalf("loser delta = %d, want -60", got)
	}
	loser, _ := f.players.GetByID(ctx, "p2")
	if loser.Trophies != 0 {
		t.Fatalf("loser rating = %d, want 0", loser.Trophies)
	}
}

func TestFinish_DrawAwardsBoth(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 100)
	f.savePlayer(t, "p2", 100)
	b := f.activeBattle(t)

	res, err := f.service.Finish(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.Outcome.Winner != battle.WinnerDraw {
		t.Fatalf("winner = %s, want draw", res.Outcome.Winner)
	}
	if res.Outcome.TrophyChanges["p1"] != 10 || res.Outcome.TrophyChanges["p2"] != 10 {
		t.Fatalf("draw deltas = %+v, want +10 each", res.Outcome.TrophyChanges)
	}
}

func TestFinish_FriendlyHasNoStakes(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 300)
	ctx := context.Background()
	created, err := f.service.Create(ctx, "p1", battle.ModeFriendly, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.service.Join(ctx, created.ID, "p2"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := f.service.RecordCorrectAnswer(ctx, created.ID, "p1", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	res, err := f.service.Finish(ctx, created.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.Outcome.TrophyChanges["p1"] != 0 || res.Outcome.TrophyChanges["p2"] != 0 {
		t.Fatalf("friendly deltas = %+v, want zero", res.Outcome.TrophyChanges)
	}
	acct, _ := f.players.GetByID(ctx, "p1")
	if acct.Trophies != 300 {
		t.Fatalf("friendly battle moved ratings: %d", acct.Trophies)
	}
}

func TestFinish_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 500)
	f.savePlayer(t, "p2", 500)
	b := f.activeBattle(t)
	ctx := context.Background()

	if _, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p2", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	first, err := f.service.Finish(ctx, b.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	second, err := f.service.Finish(ctx, b.ID)
	if err != nil {
		t.Fatalf("Finish repeat: %v", err)
	}
	if !reflect.DeepEqual(first.Outcome, second.Outcome) {
		t.Fatalf("re-finish produced a different outcome:\n%+v\n%+v", first.Outcome, second.Outcome)
	}
	if !first.Battle.UpdatedAt.Equal(second.Battle.UpdatedAt) {
		t.Fatalf("re-finish bumped UpdatedAt")
	}

	// Ratings applied exactly once.
	winner, _ := f.players.GetByID(ctx, "p2")
	if winner.Trophies != 600 {
		t.Fatalf("winner rating = %d, want 600", winner.Trophies)
	}
}

func TestAbandon_OverridesScore(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 500)
	f.savePlayer(t, "p2", 500)
	b := f.activeBattle(t)
	ctx := context.Background()

	// p1 leads on score but quits.
	if _, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	res, err := f.service.Abandon(ctx, b.ID, "p1")
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if res.Outcome.Winner != "p2" || res.Outcome.Result != battle.ResultPlayer2Win {
		t.Fatalf("outcome = %+v, want p2 win by abandonment", res.Outcome)
	}
}

func TestAbandon_AfterFinishIsNoop(t *testing.T) {
	f := newFixture(t)
	f.savePlayer(t, "p1", 500)
	f.savePlayer(t, "p2", 500)
	b := f.activeBattle(t)
	ctx := context.Background()

	if _, err := f.service.RecordCorrectAnswer(ctx, b.ID, "p1", 0); err != nil {
		t.Fatalf("RecordCorrectAnswer: %v", err)
	}
	first, err := f.service.Finish(ctx, b.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	res, err := f.service.Abandon(ctx, b.ID, "p2")
	if err != nil {
		t.Fatalf("Abandon after finish: %v", err)
	}
	if !reflect.DeepEqual(first.Outcome, res.Outcome) {
		t.Fatalf("abandon after finish changed the outcome")
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, "p1", battle.ModeRanked, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.Delete(ctx, created.ID, "p2"); !errors.Is(err, shared.ErrForbidden) {
		t.Fatalf("non-creator delete: got %v", err)
	}
	if err := f.service.Delete(ctx, created.ID, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.service.Get(ctx, created.ID, "p1"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("battle still present after delete: %v", err)
	}

	active := f.activeBattle(t)
	if err := f.service.Delete(ctx, active.ID, "p1"); !errors.Is(err, shared.ErrForbidden) {
		t.Fatalf("deleting an active battle: got %v", err)
	}
}

func TestGet_ParticipantsOnly(t *testing.T) {
	f := newFixture(t)
	b := f.activeBattle(t)
	ctx := context.Background()

	if _, err := f.service.Get(ctx, b.ID, "p2"); err != nil {
		t.Fatalf("participant get: %v", err)
	}
	if _, err := f.service.Get(ctx, b.ID, "stranger"); !errors.Is(err, shared.ErrForbidden) {
		t.Fatalf("stranger get: got %v", err)
	}
}

func TestCleanupStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.savePlayer(t, "p1", 0)
	f.savePlayer(t, "p2", 0)

	stale, err := f.service.Create(ctx, "p1", battle.ModeRanked, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done := f.activeBattle(t)
	if _, err := f.service.Finish(ctx, done.ID); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// Advance past the waiting TTL but not the finished retention, then far
	// past both.
	base := f.now
	f.service.Clock = func() time.Time { return base.Add(6 * time.Minute) }
	f.service.CleanupStale(ctx)

	if _, err := f.service.Get(ctx, stale.ID, "p1"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("stale waiting battle survived cleanup: %v", err)
	}
	if _, err := f.service.Get(ctx, done.ID, "p1"); err != nil {
		t.Fatalf("finished battle swept before retention: %v", err)
	}

	f.service.Clock = func() time.Time { return base.Add(2 * time.Hour) }
	f.service.CleanupStale(ctx)
	if _, err := f.service.Get(ctx, done.ID, "p1"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("finished battle survived retention sweep: %v", err)
	}
}
