package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	leaderboardsvc "github.com/lockgame/duelcore/src/app/leaderboard"
	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/leaderboard"
	"github.com/lockgame/duelcore/src/domain/shared"
	"github.com/lockgame/duelcore/src/infra/auth"
	"github.com/lockgame/duelcore/src/infra/gateway"
)

type battleResponse struct {
	Success bool                `json:"success"`
	Battle  *gateway.BattleView `json:"battle,omitempty"`
}

type matchmakeResponse struct {
	Success bool                `json:"success"`
	Battle  *gateway.BattleView `json:"battle"`
	Joined  bool                `json:"joined"`
}

type finishResponse struct {
	Success bool                 `json:"success"`
	Battle  *gateway.BattleView  `json:"battle"`
	Result  *gateway.OutcomeView `json:"result"`
}

type updatesResponse struct {
	Success bool                `json:"success"`
	Updated bool                `json:"updated"`
	Version uint64              `json:"version"`
	Battle  *gateway.BattleView `json:"battle,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrInvalidState),
		errors.Is(err, shared.ErrAlreadyFull),
		errors.Is(err, shared.ErrSelfJoin):
		return http.StatusConflict
	case errors.Is(err, shared.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, shared.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, shared.ErrUnauthenticated)
	}
	return identity, ok
}

func (s *Server) battleID(r *http.Request) shared.BattleID {
	return shared.BattleID(mux.Vars(r)["id"])
}

type createBattleRequest struct {
	Mode   string `json:"mode"`
	RoomID string `json:"roomId"`
}

func (s *Server) handleCreateBattle(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req createBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, shared.ErrValidation)
		return
	}
	b, err := s.cfg.BattleService.Create(r.Context(), identity.PlayerID, battle.Mode(req.Mode), shared.RoomCode(req.RoomID))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

func (s *Server) handleMatchmake(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.BattleService.Matchmake(r.Context(), identity.PlayerID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, matchmakeResponse{
		Success: true,
		Battle:  gateway.NewBattleView(res.Battle),
		Joined:  res.Joined,
	})
}

func (s *Server) handleFindWaiting(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	mode := battle.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = battle.ModeRanked
	}
	b, err := s.cfg.BattleService.FindWaiting(r.Context(), identity.PlayerID, mode)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

func (s *Server) handleFindFriendlyRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	code := shared.RoomCode(mux.Vars(r)["roomId"])
	b, err := s.cfg.BattleService.FindFriendlyRoom(r.Context(), code, identity.PlayerID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	b, err := s.cfg.BattleService.Get(r.Context(), s.battleID(r), identity.PlayerID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

func (s *Server) handleDeleteBattle(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.cfg.BattleService.Delete(r.Context(), s.battleID(r), identity.PlayerID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true})
}

func (s *Server) handleJoinBattle(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	b, err := s.cfg.BattleService.Join(r.Context(), s.battleID(r), identity.PlayerID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

type answerRequest struct {
	QuestionIndex *int `json:"questionIndex"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestionIndex == nil {
		s.writeError(w, http.StatusBadRequest, shared.ErrValidation)
		return
	}
	b, err := s.cfg.BattleService.RecordCorrectAnswer(r.Context(), s.battleID(r), identity.PlayerID, *req.QuestionIndex)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	b, err := s.cfg.BattleService.NextQuestion(r.Context(), s.battleID(r), identity.PlayerID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, battleResponse{Success: true, Battle: gateway.NewBattleView(b)})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.BattleService.Abandon(r.Context(), s.battleID(r), identity.PlayerID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, finishResponse{
		Success: true,
		Battle:  gateway.NewBattleView(res.Battle),
		Result:  gateway.NewOutcomeView(&res.Outcome),
	})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	battleID := s.battleID(r)
	if _, err := s.cfg.BattleService.Get(r.Context(), battleID, identity.PlayerID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	res, err := s.cfg.BattleService.Finish(r.Context(), battleID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, finishResponse{
		Success: true,
		Battle:  gateway.NewBattleView(res.Battle),
		Result:  gateway.NewOutcomeView(&res.Outcome),
	})
}

// handleUpdates is the polling fallback for clients without a websocket.
// The version echoes back until the snapshot cache observes a change.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	battleID := s.battleID(r)
	if _, err := s.cfg.BattleService.Get(r.Context(), battleID, identity.PlayerID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	version, _ := strconv.ParseUint(r.URL.Query().Get("version"), 10, 64)
	update := s.cfg.Snapshots.CheckUpdate(battleID, version)
	s.writeJSON(w, http.StatusOK, updatesResponse{
		Success: true,
		Updated: update.Updated,
		Version: update.Version,
		Battle:  gateway.NewBattleView(update.Battle),
	})
}

type leaderboardResponse struct {
	Success   bool                   `json:"success"`
	Standings []leaderboard.Standing `json:"standings"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	standings, err := s.cfg.LeaderboardService.Top(r.Context(), leaderboardsvc.TopQuery{Limit: limit})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, leaderboardResponse{Success: true, Standings: standings})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
