package battle

import (
	"errors"
	"fmt"
	"time"

	"github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/domain/shared"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

type Mode string

const (
	ModeRanked   Mode = "ranked"
	ModeFriendly Mode = "friendly"
)

func (m Mode) Validate() error {
	switch m {
	case ModeRanked, ModeFriendly:
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", shared.ErrValidation, string(m))
	}
}

type Result string

const (
	ResultPlayer1Win Result = "player1_win"
	ResultPlayer2Win Result = "player2_win"
	ResultDraw       Result = "draw"
)

// WinnerDraw is the winner marker recorded when a battle ends without a winner.
const WinnerDraw shared.PlayerID = "draw"

// ErrNoChange is returned by mutation callbacks to signal that the battle
// must not be re-persisted. Repositories treat it as a successful no-op.
var ErrNoChange = errors.New("battle unchanged")

// PlayerProgress tracks one player's independent walk through the shared
// question sequence. Answered is a set (order irrelevant); Skipped keeps
// insertion order because skipped questions are retried first-skipped-first.
type PlayerProgress struct {
	Score         int   `json:"score"`
	QuestionIndex int   `json:"questionIndex"`
	Answered      []int `json:"answered"`
	Skipped       []int `json:"skipped"`
	Abandoned     bool  `json:"abandoned"`
}

func (p PlayerProgress) clone() PlayerProgress {
	out := p
	out.Answered = append([]int(nil), p.Answered...)
	out.Skipped = append([]int(nil), p.Skipped...)
	return out
}

// Outcome is the immutable result record computed exactly once at finish.
type Outcome struct {
	Winner        shared.PlayerID         `json:"winner"`
	Result        Result                  `json:"result"`
	Player1Score  int                     `json:"player1Score"`
	Player2Score  int                     `json:"player2Score"`
	Mode          Mode                    `json:"mode"`
	TrophyChanges map[shared.PlayerID]int `json:"trophyChanges"`
}

// Battle is a single duel instance. Player2, Questions and StartTime stay
// unset while the battle is waiting and are all set atomically at join.
type Battle struct {
	ID              shared.BattleID
	Player1         shared.PlayerID
	Player2         shared.PlayerID
	Status          Status
	Mode            Mode
	RoomCode        shared.RoomCode
	Player1Progress PlayerProgress
	Player2Progress PlayerProgress
	Questions       []level.Question
	StartTime       *time.Time
	EndTime         *time.Time
	TotalTimeLimit  int
	Winner          shared.PlayerID
	Result          Result
	TrophyChanges   map[shared.PlayerID]int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewBattle(creator shared.PlayerID, mode Mode, roomCode shared.RoomCode, timeLimit int, now time.Time) (*Battle, error) {
	if err := creator.Validate(); err != nil {
		return nil, err
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	return &Battle{
		Player1:        creator,
		Status:         StatusWaiting,
		Mode:           mode,
		RoomCode:       roomCode,
		TotalTimeLimit: timeLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (b *Battle) IsParticipant(id shared.PlayerID) bool {
	return b.Player1 == id || (b.Player2 != "" && b.Player2 == id)
}

func (b *Battle) Finished() bool {
	return b.Status == StatusFinished
}

// progressFor returns the caller's own progress, or nil for non-participants.
func (b *Battle) progressFor(id shared.PlayerID) *PlayerProgress {
	switch {
	case b.Player1 == id:
		return &b.Player1Progress
	case b.Player2 != "" && b.Player2 == id:
		return &b.Player2Progress
	default:
		return nil
	}
}

// Join admits the second player and activates the battle. This is the only
// place the dealt question sequence is populated.
func (b *Battle) Join(joiner shared.PlayerID, questions []level.Question, now time.Time) error {
	if b.Status != StatusWaiting {
		return fmt.Errorf("%w: battle is not waiting", shared.ErrInvalidState)
	}
	if b.Player2 != "" {
		return shared.ErrAlreadyFull
	}
	if b.Player1 == joiner {
		return shared.ErrSelfJoin
	}
	if len(questions) == 0 {
		return fmt.Errorf("%w: no questions available", shared.ErrValidation)
	}
	b.Player2 = joiner
	b.Status = StatusActive
	b.Questions = append([]level.Question(nil), questions...)
	b.Player1Progress = PlayerProgress{Answered: []int{}, Skipped: []int{}}
	b.Player2Progress = PlayerProgress{Answered: []int{}, Skipped: []int{}}
	start := now
	b.StartTime = &start
	return nil
}

// RecordAnswer credits a correct answer for the given participant and
// advances their question pointer.
func (b *Battle) RecordAnswer(playerID shared.PlayerID, questionIndex int) error {
	progress := b.progressFor(playerID)
	if progress == nil {
		return fmt.Errorf("%w: not a participant of this battle", shared.ErrForbidden)
	}
	if len(b.Questions) == 0 {
		return fmt.Errorf("%w: battle has no questions", shared.ErrValidation)
	}
	if questionIndex < 0 || questionIndex >= len(b.Questions) {
		return fmt.Errorf("%w: question index %d out of range", shared.ErrValidation, questionIndex)
	}
	if !containsIndex(progress.Answered, questionIndex) {
		progress.Answered = append(progress.Answered, questionIndex)
	}
	progress.Score++
	progress.QuestionIndex = nextQuestionIndex(len(b.Questions), progress.Answered, progress.Skipped, questionIndex)
	return nil
}

// Skip records the participant's current question as passed and advances
// the pointer without crediting a point.
func (b *Battle) Skip(playerID shared.PlayerID) error {
	progress := b.progressFor(playerID)
	if progress == nil {
		return fmt.Errorf("%w: not a participant of this battle", shared.ErrForbidden)
	}
	if len(b.Questions) == 0 {
		return fmt.Errorf("%w: battle has no questions", shared.ErrValidation)
	}
	current := progress.QuestionIndex
	if !containsIndex(progress.Skipped, current) {
		progress.Skipped = append(progress.Skipped, current)
	}
	progress.QuestionIndex = nextQuestionIndex(len(b.Questions), progress.Answered, progress.Skipped, current)
	return nil
}

// MarkAbandoned flags the participant as having abandoned the duel.
func (b *Battle) MarkAbandoned(playerID shared.PlayerID) error {
	progress := b.progressFor(playerID)
	if progress == nil {
		return fmt.Errorf("%w: not a participant of this battle", shared.ErrForbidden)
	}
	progress.Abandoned = true
	return nil
}

// ResolveOutcome determines winner and result tag. A single abandon decides
// the duel regardless of scores; otherwise the higher score wins.
func (b *Battle) ResolveOutcome() (shared.PlayerID, Result) {
	p1, p2 := b.Player1Progress, b.Player2Progress
	switch {
	case p1.Abandoned && !p2.Abandoned:
		return b.Player2, ResultPlayer2Win
	case p2.Abandoned && !p1.Abandoned:
		return b.Player1, ResultPlayer1Win
	case p1.Abandoned && p2.Abandoned:
		return WinnerDraw, ResultDraw
	case p1.Score > p2.Score:
		return b.Player1, ResultPlayer1Win
	case p2.Score > p1.Score:
		return b.Player2, ResultPlayer2Win
	default:
		return WinnerDraw, ResultDraw
	}
}

// Outcome returns the stored result record. Valid once the battle finished.
func (b *Battle) Outcome() Outcome {
	changes := make(map[shared.PlayerID]int, len(b.TrophyChanges))
	for id, delta := range b.TrophyChanges {
		changes[id] = delta
	}
	return Outcome{
		Winner:        b.Winner,
		Result:        b.Result,
		Player1Score:  b.Player1Progress.Score,
		Player2Score:  b.Player2Progress.Score,
		Mode:          b.Mode,
		TrophyChanges: changes,
	}
}

// Clone returns a deep copy so callers can never alias repository state.
func (b *Battle) Clone() *Battle {
	if b == nil {
		return nil
	}
	out := *b
	out.Player1Progress = b.Player1Progress.clone()
	out.Player2Progress = b.Player2Progress.clone()
	out.Questions = append([]level.Question(nil), b.Questions...)
	if b.StartTime != nil {
		start := *b.StartTime
		out.StartTime = &start
	}
	if b.EndTime != nil {
		end := *b.EndTime
		out.EndTime = &end
	}
	if b.TrophyChanges != nil {
		out.TrophyChanges = make(map[shared.PlayerID]int, len(b.TrophyChanges))
		for id, delta := range b.TrophyChanges {
			out.TrophyChanges[id] = delta
		}
	}
	return &out
}

// nextQuestionIndex advances a player's pointer. Once every question has
// been answered at least once, skipped questions are replayed in the order
// they were skipped; otherwise the pointer scans forward circularly to the
// first unanswered index.
func nextQuestionIndex(n int, answered, skipped []int, from int) int {
	if len(answered) >= n {
		for _, idx := range skipped {
			if !containsIndex(answered, idx) {
				return idx
			}
		}
	}
	next := (from + 1) % n
	for attempts := 0; containsIndex(answered, next) && attempts < n; attempts++ {
		next = (next + 1) % n
	}
	return next
}

func containsIndex(list []int, idx int) bool {
	for _, v := range list {
		if v == idx {
			return true
		}
	}
	return false
}
