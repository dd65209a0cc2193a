package gateway

import (
	"time"

	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/shared"
)

// Command types accepted from clients.
const (
	cmdCreateBattle      = "createBattle"
	cmdMatchmakingRanked = "matchmakingRanked"
	cmdFindBattle        = "findBattle"
	cmdFindFriendlyRoom  = "findFriendlyRoom"
	cmdJoinBattle        = "joinBattle"
	cmdScoreAndNext      = "incrementScoreAndNext"
	cmdNextQuestion      = "nextQuestion"
	cmdAbandonBattle     = "abandonBattle"
	cmdFinishBattle      = "finishBattle"
	cmdDeleteBattle      = "deleteBattle"
	cmdPing              = "ping"
)

// Event types pushed to clients.
const (
	evtReady          = "ready"
	evtBattleCreated  = "battleCreated"
	evtBattleFound    = "battleFound"
	evtFriendlyFound  = "friendlyRoomFound"
	evtMatchResult    = "matchmakingResult"
	evtBattleJoined   = "battleJoined"
	evtBattleStarted  = "battleStarted"
	evtBattleUpdated  = "battleUpdated"
	evtBattleFinished = "battleFinished"
	evtBattleDeleted  = "battleDeleted"
	evtPong           = "pong"
	evtError          = "error"
)

type commandEnvelope struct {
	Type          string `json:"type"`
	BattleID      string `json:"battleId,omitempty"`
	Mode          string `json:"mode,omitempty"`
	RoomID        string `json:"roomId,omitempty"`
	QuestionIndex *int   `json:"questionIndex,omitempty"`
}

type eventEnvelope struct {
	Type     string       `json:"type"`
	Success  bool         `json:"success"`
	Action   string       `json:"action,omitempty"`
	Error    string       `json:"error,omitempty"`
	UserID   string       `json:"userId,omitempty"`
	Battle   *BattleView  `json:"battle,omitempty"`
	BattleID string       `json:"battleId,omitempty"`
	Result   *OutcomeView `json:"result,omitempty"`
	Joined   *bool        `json:"joined,omitempty"`
	Time     *time.Time   `json:"time,omitempty"`
}

// BattleView is the wire representation of a battle shared by the
// websocket gateway and the HTTP handlers.
type BattleView struct {
	ID              string                `json:"id"`
	Player1         string                `json:"player1"`
	Player2         string                `json:"player2,omitempty"`
	Status          string                `json:"status"`
	Mode            string                `json:"mode"`
	RoomCode        string                `json:"roomCode,omitempty"`
	Player1Progress battle.PlayerProgress `json:"player1Progress"`
	Player2Progress battle.PlayerProgress `json:"player2Progress"`
	Questions       []QuestionView        `json:"questions"`
	StartTime       *time.Time            `json:"startTime,omitempty"`
	EndTime         *time.Time            `json:"endTime,omitempty"`
	TotalTimeLimit  int                   `json:"totalTimeLimit"`
	Winner          string                `json:"winner,omitempty"`
	Result          string                `json:"result,omitempty"`
	TrophyChanges   map[string]int        `json:"trophyChanges,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

type QuestionView struct {
	ID          int64  `json:"id"`
	Instruction string `json:"instruction"`
	Code        string `json:"code"`
	CodeLength  int    `json:"codeLength"`
}

// OutcomeView reports the settled result of a finished battle.
type OutcomeView struct {
	Winner        string         `json:"winner"`
	Result        string         `json:"result"`
	TrophyChanges map[string]int `json:"trophyChanges"`
}

// NewBattleView converts a domain battle into its wire shape.
func NewBattleView(b *battle.Battle) *BattleView {
	if b == nil {
		return nil
	}
	view := &BattleView{
		ID:              string(b.ID),
		Player1:         string(b.Player1),
		Player2:         string(b.Player2),
		Status:          string(b.Status),
		Mode:            string(b.Mode),
		RoomCode:        string(b.RoomCode),
		Player1Progress: b.Player1Progress,
		Player2Progress: b.Player2Progress,
		StartTime:       b.StartTime,
		EndTime:         b.EndTime,
		TotalTimeLimit:  b.TotalTimeLimit,
		Winner:          string(b.Winner),
		Result:          string(b.Result),
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	view.Questions = make([]QuestionView, len(b.Questions))
	for i, q := range b.Questions {
		view.Questions[i] = QuestionView{ID: q.ID, Instruction: q.Instruction, Code: q.Code, CodeLength: q.CodeLength}
	}
	if len(b.TrophyChanges) > 0 {
		view.TrophyChanges = trophyChangesView(b.TrophyChanges)
	}
	return view
}

// NewOutcomeView converts a settled outcome into its wire shape.
func NewOutcomeView(o *battle.Outcome) *OutcomeView {
	if o == nil {
		return nil
	}
	return &OutcomeView{
		Winner:        string(o.Winner),
		Result:        string(o.Result),
		TrophyChanges: trophyChangesView(o.TrophyChanges),
	}
}

func trophyChangesView(changes map[shared.PlayerID]int) map[string]int {
	out := make(map[string]int, len(changes))
	for id, delta := range changes {
		out[string(id)] = delta
	}
	return out
}
