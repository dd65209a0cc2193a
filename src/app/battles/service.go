package battles

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/domain/shared"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultWaitingTTL   = 5 * time.Minute
	defaultFinishedTTL  = 60 * time.Minute

	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength   = 6
)

// SnapshotInvalidator marks a battle stale in the version/snapshot cache.
type SnapshotInvalidator interface {
	Invalidate(id shared.BattleID)
}

// Service owns the battle lifecycle state machine. Every store call runs
// under a bounded timeout; read-modify-write cycles go through
// Repository.Mutate, which serializes per battle id.
type Service struct {
	Battles battle.Repository
	Players player.Repository
	Levels  level.Source
	Config  ConfigProvider
	Cache   SnapshotInvalidator
	Logger  *zap.Logger
	Clock   func() time.Time

	StoreTimeout time.Duration
	WaitingTTL   time.Duration
	FinishedTTL  time.Duration

	// RoomCodes is overridable for deterministic testing.
	RoomCodes func() shared.RoomCode
}

func NewService(battles battle.Repository, players player.Repository, levels level.Source, config ConfigProvider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Battles:      battles,
		Players:      players,
		Levels:       levels,
		Config:       config,
		Logger:       logger,
		Clock:        func() time.Time { return time.Now().UTC() },
		StoreTimeout: defaultStoreTimeout,
		WaitingTTL:   defaultWaitingTTL,
		FinishedTTL:  defaultFinishedTTL,
		RoomCodes:    generateRoomCode,
	}
}

// MatchmakeResult reports whether ranked matchmaking joined an existing
// battle or parked the caller in a fresh waiting one.
type MatchmakeResult struct {
	Battle *battle.Battle
	Joined bool
}

// FinishResult pairs the immutable outcome with the battle state it was
// resolved from.
type FinishResult struct {
	Battle  *battle.Battle
	Outcome battle.Outcome
}

// Create opens a new waiting battle for the given player. Friendly battles
// without an explicit code receive a random shareable one. The player's
// profile is created first if missing.
func (s *Service) Create(ctx context.Context, playerID shared.PlayerID, mode battle.Mode, roomCode shared.RoomCode) (*battle.Battle, error) {
	if err := playerID.Validate(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = battle.ModeRanked
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureProfile(ctx, playerID); err != nil {
		return nil, err
	}
	if mode == battle.ModeFriendly && roomCode == "" {
		roomCode = s.RoomCodes()
	}
	cfg := s.gameConfig(ctx)

	b, err := battle.NewBattle(playerID, mode, roomCode, cfg.GameTimer, s.Clock())
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.Battles.Create(ctx, b); err != nil {
		return nil, storeErr(err)
	}
	s.invalidate(b.ID)
	return b, nil
}

// FindWaiting returns any waiting battle of the given mode the caller could
// join. A nil battle with a nil error means none is available.
func (s *Service) FindWaiting(ctx context.Context, playerID shared.PlayerID, mode battle.Mode) (*battle.Battle, error) {
	if err := playerID.Validate(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = battle.ModeRanked
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.FindWaiting(ctx, mode, playerID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return b, nil
}

// FindFriendlyRoom locates a joinable friendly battle by its shared code.
func (s *Service) FindFriendlyRoom(ctx context.Context, roomCode shared.RoomCode, playerID shared.PlayerID) (*battle.Battle, error) {
	if err := roomCode.Validate(); err != nil {
		return nil, err
	}
	if err := playerID.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.FindFriendlyRoom(ctx, roomCode, playerID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return b, nil
}

// Matchmake pairs the caller into a waiting ranked battle, or opens a new
// one when none exists. A join lost to a concurrent joiner also falls back
// to creating a fresh waiting battle instead of failing.
func (s *Service) Matchmake(ctx context.Context, playerID shared.PlayerID) (MatchmakeResult, error) {
	waiting, err := s.FindWaiting(ctx, playerID, battle.ModeRanked)
	if err != nil {
		return MatchmakeResult{}, err
	}
	if waiting != nil {
		joined, joinErr := s.Join(ctx, waiting.ID, playerID)
		if joinErr == nil {
			return MatchmakeResult{Battle: joined, Joined: true}, nil
		}
		s.Logger.Info("matchmaking join lost, creating new battle",
			zap.String("battle_id", string(waiting.ID)),
			zap.String("player_id", string(playerID)),
			zap.Error(joinErr))
	}
	created, err := s.Create(ctx, playerID, battle.ModeRanked, "")
	if err != nil {
		return MatchmakeResult{}, err
	}
	return MatchmakeResult{Battle: created, Joined: false}, nil
}

// Join admits the caller as player two: the question catalog is loaded,
// dealt deterministically off the battle id, and the battle activates.
func (s *Service) Join(ctx context.Context, battleID shared.BattleID, playerID shared.PlayerID) (*battle.Battle, error) {
	if err := battleID.Validate(); err != nil {
		return nil, err
	}
	if err := playerID.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureProfile(ctx, playerID); err != nil {
		return nil, err
	}

	catalog, err := s.Levels.AllQuestions(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("%w: no questions available", shared.ErrValidation)
	}
	questions := battle.ShuffleQuestions(string(battleID), catalog)
	now := s.Clock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.Mutate(ctx, battleID, func(b *battle.Battle) error {
		return b.Join(playerID, questions, now)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	s.invalidate(battleID)
	return b, nil
}

// RecordCorrectAnswer credits the caller with the answered question,
// idempotently, and advances their pointer.
func (s *Service) RecordCorrectAnswer(ctx context.Context, battleID shared.BattleID, playerID shared.PlayerID, questionIndex int) (*battle.Battle, error) {
	if err := battleID.Validate(); err != nil {
		return nil, err
	}
	if err := playerID.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.Mutate(ctx, battleID, func(b *battle.Battle) error {
		return b.RecordAnswer(playerID, questionIndex)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	s.invalidate(battleID)
	return b, nil
}

// NextQuestion records a skip of the caller's current question.
func (s *Service) NextQuestion(ctx context.Context, battleID shared.BattleID, playerID shared.PlayerID) (*battle.Battle, error) {
	if err := battleID.Validate(); err != nil {
		return nil, err
	}
	if err := playerID.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.Mutate(ctx, battleID, func(b *battle.Battle) error {
		return b.Skip(playerID)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	s.invalidate(battleID)
	return b, nil
}

// Abandon flags the caller and immediately finishes the battle. Abandoning
// an already finished battle is an idempotent no-op returning the stored
// outcome.
func (s *Service) Abandon(ctx context.Context, battleID shared.BattleID, playerID shared.PlayerID) (FinishResult, error) {
	if err := battleID.Validate(); err != nil {
		return FinishResult{}, err
	}
	if err := playerID.Validate(); err != nil {
		return FinishResult{}, err
	}
	mctx, cancel := s.storeCtx(ctx)
	defer cancel()
	_, err := s.Battles.Mutate(mctx, battleID, func(b *battle.Battle) error {
		if b.Finished() {
			return battle.ErrNoChange
		}
		return b.MarkAbandoned(playerID)
	})
	if err != nil {
		return FinishResult{}, storeErr(err)
	}
	return s.Finish(ctx, battleID)
}

// Finish resolves the outcome, applies trophy deltas, and freezes the
// battle. Re-finishing returns the stored outcome without touching ratings.
func (s *Service) Finish(ctx context.Context, battleID shared.BattleID) (FinishResult, error) {
	if err := battleID.Validate(); err != nil {
		return FinishResult{}, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	var settled bool
	var changes map[shared.PlayerID]int
	b, err := s.Battles.Mutate(ctx, battleID, func(b *battle.Battle) error {
		settled = false
		if b.Finished() {
			return battle.ErrNoChange
		}
		winner, result := b.ResolveOutcome()
		ch, err := s.trophyChanges(ctx, b, winner, result)
		if err != nil {
			return err
		}
		b.Status = battle.StatusFinished
		b.Winner = winner
		b.Result = result
		b.TrophyChanges = ch
		end := s.Clock()
		b.EndTime = &end
		changes, settled = ch, true
		return nil
	})
	if err != nil {
		return FinishResult{}, storeErr(err)
	}
	// Ratings move only after the finished battle is stored. A failed
	// battle write therefore never leaves trophies transferred, and a
	// replayed Finish hits ErrNoChange before reaching the ratings.
	if settled {
		if err := s.applyTrophyChanges(ctx, changes); err != nil {
			return FinishResult{}, storeErr(err)
		}
	}
	s.invalidate(battleID)
	return FinishResult{Battle: b, Outcome: b.Outcome()}, nil
}

// Delete removes a waiting battle. Only the creator may delete, and only
// while nobody has joined.
func (s *Service) Delete(ctx context.Context, battleID shared.BattleID, playerID shared.PlayerID) error {
	if err := battleID.Validate(); err != nil {
		return err
	}
	if err := playerID.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.Get(ctx, battleID)
	if err != nil {
		return storeErr(err)
	}
	if b.Status != battle.StatusWaiting || b.Player2 != "" || b.Player1 != playerID {
		return fmt.Errorf("%w: battle cannot be deleted", shared.ErrForbidden)
	}
	if err := s.Battles.Delete(ctx, battleID); err != nil {
		return storeErr(err)
	}
	s.invalidate(battleID)
	return nil
}

// Get returns the current battle state for a participant.
func (s *Service) Get(ctx context.Context, battleID shared.BattleID, playerID shared.PlayerID) (*battle.Battle, error) {
	if err := battleID.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	b, err := s.Battles.Get(ctx, battleID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !b.IsParticipant(playerID) {
		return nil, fmt.Errorf("%w: not a participant of this battle", shared.ErrForbidden)
	}
	return b, nil
}

// CleanupStale sweeps waiting battles nobody joined and finished battles
// past their retention. Active battles are never swept. Intended for a
// periodic scheduler; failures are logged, not propagated to callers.
func (s *Service) CleanupStale(ctx context.Context) {
	now := s.Clock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	waiting, err := s.Battles.DeleteWaitingBefore(ctx, now.Add(-s.WaitingTTL))
	if err != nil {
		s.Logger.Error("stale waiting-battle cleanup failed", zap.Error(err))
	}
	finished, err := s.Battles.DeleteFinishedBefore(ctx, now.Add(-s.FinishedTTL))
	if err != nil {
		s.Logger.Error("stale finished-battle cleanup failed", zap.Error(err))
	}
	if waiting+finished > 0 {
		s.Logger.Info("stale battles removed",
			zap.Int("waiting", waiting),
			zap.Int("finished", finished))
	}
}

func (s *Service) trophyChanges(ctx context.Context, b *battle.Battle, winner shared.PlayerID, result battle.Result) (map[shared.PlayerID]int, error) {
	changes := map[shared.PlayerID]int{
		b.Player1: 0,
		b.Player2: 0,
	}
	if b.Mode != battle.ModeRanked {
		return changes, nil
	}
	cfg := s.gameConfig(ctx)
	if result == battle.ResultDraw {
		changes[b.Player1] = cfg.TrophiesDraw
		changes[b.Player2] = cfg.TrophiesDraw
		return changes, nil
	}
	loserID := b.Player1
	if winner == b.Player1 {
		loserID = b.Player2
	}
	changes[winner] = cfg.TrophiesWin

	loser, err := s.Players.GetByID(ctx, loserID)
	if errors.Is(err, shared.ErrNotFound) {
		changes[loserID] = 0
		return changes, nil
	}
	if err != nil {
		return nil, err
	}
	current := loser.Trophies
	next := current - cfg.TrophiesLoss
	// A loser holding fewer trophies than the penalty drops straight to
	// zero rather than going negative.
	if current > 0 && current < cfg.TrophiesLoss {
		next = 0
	} else if next < 0 {
		next = 0
	}
	changes[loserID] = next - current
	return changes, nil
}

func (s *Service) applyTrophyChanges(ctx context.Context, changes map[shared.PlayerID]int) error {
	now := s.Clock()
	for id, delta := range changes {
		if delta == 0 {
			continue
		}
		acct, err := s.Players.GetByID(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		acct.AddTrophies(delta, now)
		if err := s.Players.Save(ctx, acct); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ensureProfile(ctx context.Context, id shared.PlayerID) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	_, err := s.Players.GetByID(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return storeErr(err)
	}
	acct, err := player.NewAccount(id, "", s.Clock())
	if err != nil {
		return err
	}
	if err := s.Players.Save(ctx, acct); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Service) gameConfig(ctx context.Context) GameConfig {
	cfg, err := s.Config.GameConfig(ctx)
	if err != nil {
		s.Logger.Warn("game config unavailable, using defaults", zap.Error(err))
		return DefaultGameConfig()
	}
	return cfg
}

func (s *Service) invalidate(id shared.BattleID) {
	if s.Cache != nil {
		s.Cache.Invalidate(id)
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.StoreTimeout)
}

// storeErr surfaces store timeouts as retryable failures instead of opaque
// context errors.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", shared.ErrUpstreamTimeout, err)
	}
	return err
}

func generateRoomCode() shared.RoomCode {
	code := make([]byte, roomCodeLength)
	for i := range code {
		code[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
	}
	return shared.RoomCode(code)
}
