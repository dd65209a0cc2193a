// Package gateway exposes the battle engine over websockets. Each
// connected player holds one session; sessions subscribed to the same
// battle form a room that receives lifecycle broadcasts.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lockgame/duelcore/src/app/battles"
	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/shared"
	"github.com/lockgame/duelcore/src/infra/auth"
)

const commandTimeout = 10 * time.Second

// Gateway upgrades authenticated HTTP requests to websocket sessions and
// routes their commands to the battle service.
type Gateway struct {
	service  *battles.Service
	verifier auth.TokenVerifier
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[shared.PlayerID]*session
	rooms    map[shared.BattleID]map[*session]struct{}

	connections prometheus.Gauge
	commands    *prometheus.CounterVec
	broadcasts  prometheus.Counter
}

func NewGateway(service *battles.Service, verifier auth.TokenVerifier, logger *zap.Logger, reg prometheus.Registerer) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		service:  service,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[shared.PlayerID]*session),
		rooms:    make(map[shared.BattleID]map[*session]struct{}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duelcore",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duelcore",
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Commands received, by type and result.",
		}, []string{"type", "result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duelcore",
			Subsystem: "gateway",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to battle rooms.",
		}),
	}
	if reg != nil {
		reg.MustRegister(g.connections, g.commands, g.broadcasts)
	}
	return g
}

// ServeHTTP authenticates the caller and upgrades the connection. Bad
// tokens are rejected before the upgrade so clients see a plain 401.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(identity.PlayerID, identity.DisplayName, conn)
	g.register(sess)
	g.connections.Inc()
	go sess.pingLoop()
	defer func() {
		g.unregister(sess)
		g.connections.Dec()
		sess.close()
	}()

	now := time.Now().UTC()
	sess.send(eventEnvelope{Type: evtReady, Success: true, UserID: string(sess.playerID), Time: &now})
	g.readLoop(sess)
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// register installs the session, displacing any previous connection of
// the same player. The displaced connection is closed without an error
// event so reconnecting clients take over cleanly.
func (g *Gateway) register(sess *session) {
	g.mu.Lock()
	prior := g.sessions[sess.playerID]
	g.sessions[sess.playerID] = sess
	if prior != nil {
		g.removeFromRoomsLocked(prior)
	}
	g.mu.Unlock()
	if prior != nil {
		prior.close()
	}
}

func (g *Gateway) unregister(sess *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions[sess.playerID] == sess {
		delete(g.sessions, sess.playerID)
	}
	g.removeFromRoomsLocked(sess)
}

func (g *Gateway) removeFromRoomsLocked(sess *session) {
	for id, members := range g.rooms {
		delete(members, sess)
		if len(members) == 0 {
			delete(g.rooms, id)
		}
	}
}

func (g *Gateway) joinRoom(id shared.BattleID, sess *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.rooms[id]
	if !ok {
		members = make(map[*session]struct{})
		g.rooms[id] = members
	}
	members[sess] = struct{}{}
}

func (g *Gateway) dropRoom(id shared.BattleID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, id)
}

// broadcast delivers an event to every session in the battle's room.
// Sessions outside the room never see it.
func (g *Gateway) broadcast(id shared.BattleID, event eventEnvelope) {
	g.mu.Lock()
	members := make([]*session, 0, len(g.rooms[id]))
	for sess := range g.rooms[id] {
		members = append(members, sess)
	}
	g.mu.Unlock()
	for _, sess := range members {
		g.broadcasts.Inc()
		if err := sess.send(event); err != nil {
			g.logger.Debug("broadcast dropped",
				zap.String("battle_id", string(id)),
				zap.String("player_id", string(sess.playerID)),
				zap.Error(err))
		}
	}
}

func (g *Gateway) readLoop(sess *session) {
	for {
		var cmd commandEnvelope
		if err := sess.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("session read failed",
					zap.String("player_id", string(sess.playerID)), zap.Error(err))
			}
			return
		}
		g.dispatch(sess, cmd)
	}
}

func (g *Gateway) dispatch(sess *session, cmd commandEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case cmdPing:
		now := time.Now().UTC()
		err = sess.send(eventEnvelope{Type: evtPong, Success: true, Time: &now})
	case cmdCreateBattle:
		err = g.handleCreate(ctx, sess, cmd)
	case cmdMatchmakingRanked:
		err = g.handleMatchmake(ctx, sess)
	case cmdFindBattle:
		err = g.handleFind(ctx, sess, cmd)
	case cmdFindFriendlyRoom:
		err = g.handleFindFriendly(ctx, sess, cmd)
	case cmdJoinBattle:
		err = g.handleJoin(ctx, sess, cmd)
	case cmdScoreAndNext:
		err = g.handleScoreAndNext(ctx, sess, cmd)
	case cmdNextQuestion:
		err = g.handleNextQuestion(ctx, sess, cmd)
	case cmdAbandonBattle:
		err = g.handleAbandon(ctx, sess, cmd)
	case cmdFinishBattle:
		err = g.handleFinish(ctx, sess, cmd)
	case cmdDeleteBattle:
		err = g.handleDelete(ctx, sess, cmd)
	default:
		err = shared.ErrValidation
	}
	if err != nil {
		g.commands.WithLabelValues(cmd.Type, "error").Inc()
		g.sendError(sess, cmd.Type, err)
		return
	}
	g.commands.WithLabelValues(cmd.Type, "ok").Inc()
}

// sendError reports a command failure to the caller only. Room members
// are never interrupted by another player's rejected command.
func (g *Gateway) sendError(sess *session, action string, err error) {
	sess.send(eventEnvelope{
		Type:    evtError,
		Success: false,
		Action:  action,
		Error:   publicError(err),
	})
}

func publicError(err error) string {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return "battle not found"
	case errors.Is(err, shared.ErrInvalidState):
		return "battle is not in a joinable state"
	case errors.Is(err, shared.ErrAlreadyFull):
		return "battle already has two players"
	case errors.Is(err, shared.ErrSelfJoin):
		return "cannot join your own battle"
	case errors.Is(err, shared.ErrForbidden):
		return "not a participant of this battle"
	case errors.Is(err, shared.ErrValidation):
		return "invalid request"
	case errors.Is(err, shared.ErrUpstreamTimeout), errors.Is(err, shared.ErrUpstreamUnavailable):
		return "storage unavailable, try again"
	default:
		return "internal error"
	}
}

func (g *Gateway) handleCreate(ctx context.Context, sess *session, cmd commandEnvelope) error {
	b, err := g.service.Create(ctx, sess.playerID, battle.Mode(cmd.Mode), shared.RoomCode(cmd.RoomID))
	if err != nil {
		return err
	}
	g.joinRoom(b.ID, sess)
	return sess.send(eventEnvelope{Type: evtBattleCreated, Success: true, Battle: NewBattleView(b)})
}

func (g *Gateway) handleMatchmake(ctx context.Context, sess *session) error {
	res, err := g.service.Matchmake(ctx, sess.playerID)
	if err != nil {
		return err
	}
	g.joinRoom(res.Battle.ID, sess)
	joined := res.Joined
	if err := sess.send(eventEnvelope{
		Type:    evtMatchResult,
		Success: true,
		Battle:  NewBattleView(res.Battle),
		Joined:  &joined,
	}); err != nil {
		return err
	}
	if res.Joined {
		g.broadcast(res.Battle.ID, eventEnvelope{Type: evtBattleStarted, Success: true, Battle: NewBattleView(res.Battle)})
	}
	return nil
}

func (g *Gateway) handleFind(ctx context.Context, sess *session, cmd commandEnvelope) error {
	mode := battle.Mode(cmd.Mode)
	if mode == "" {
		mode = battle.ModeRanked
	}
	b, err := g.service.FindWaiting(ctx, sess.playerID, mode)
	if err != nil {
		return err
	}
	return sess.send(eventEnvelope{Type: evtBattleFound, Success: true, Battle: NewBattleView(b)})
}

func (g *Gateway) handleFindFriendly(ctx context.Context, sess *session, cmd commandEnvelope) error {
	b, err := g.service.FindFriendlyRoom(ctx, shared.RoomCode(cmd.RoomID), sess.playerID)
	if err != nil {
		return err
	}
	return sess.send(eventEnvelope{Type: evtFriendlyFound, Success: true, Battle: NewBattleView(b)})
}

func (g *Gateway) handleJoin(ctx context.Context, sess *session, cmd commandEnvelope) error {
	b, err := g.service.Join(ctx, shared.BattleID(cmd.BattleID), sess.playerID)
	if err != nil {
		return err
	}
	g.joinRoom(b.ID, sess)
	if err := sess.send(eventEnvelope{Type: evtBattleJoined, Success: true, Battle: NewBattleView(b)}); err != nil {
		return err
	}
	g.broadcast(b.ID, eventEnvelope{Type: evtBattleStarted, Success: true, Battle: NewBattleView(b)})
	return nil
}

func (g *Gateway) handleScoreAndNext(ctx context.Context, sess *session, cmd commandEnvelope) error {
	if cmd.QuestionIndex == nil {
		return shared.ErrValidation
	}
	b, err := g.service.RecordCorrectAnswer(ctx, shared.BattleID(cmd.BattleID), sess.playerID, *cmd.QuestionIndex)
	if err != nil {
		return err
	}
	g.joinRoom(b.ID, sess)
	g.broadcast(b.ID, eventEnvelope{Type: evtBattleUpdated, Success: true, Battle: NewBattleView(b)})
	return nil
}

func (g *Gateway) handleNextQuestion(ctx context.Context, sess *session, cmd commandEnvelope) error {
	b, err := g.service.NextQuestion(ctx, shared.BattleID(cmd.BattleID), sess.playerID)
	if err != nil {
		return err
	}
	g.joinRoom(b.ID, sess)
	g.broadcast(b.ID, eventEnvelope{Type: evtBattleUpdated, Success: true, Battle: NewBattleView(b)})
	return nil
}

func (g *Gateway) handleAbandon(ctx context.Context, sess *session, cmd commandEnvelope) error {
	res, err := g.service.Abandon(ctx, shared.BattleID(cmd.BattleID), sess.playerID)
	if err != nil {
		return err
	}
	g.broadcast(res.Battle.ID, eventEnvelope{
		Type:    evtBattleFinished,
		Success: true,
		Battle:  NewBattleView(res.Battle),
		Result:  NewOutcomeView(&res.Outcome),
	})
	g.dropRoom(res.Battle.ID)
	return nil
}

func (g *Gateway) handleFinish(ctx context.Context, sess *session, cmd commandEnvelope) error {
	battleID := shared.BattleID(cmd.BattleID)
	if _, err := g.service.Get(ctx, battleID, sess.playerID); err != nil {
		return err
	}
	res, err := g.service.Finish(ctx, battleID)
	if err != nil {
		return err
	}
	g.broadcast(res.Battle.ID, eventEnvelope{
		Type:    evtBattleFinished,
		Success: true,
		Battle:  NewBattleView(res.Battle),
		Result:  NewOutcomeView(&res.Outcome),
	})
	g.dropRoom(res.Battle.ID)
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, sess *session, cmd commandEnvelope) error {
	battleID := shared.BattleID(cmd.BattleID)
	if err := g.service.Delete(ctx, battleID, sess.playerID); err != nil {
		return err
	}
	if err := sess.send(eventEnvelope{Type: evtBattleDeleted, Success: true, BattleID: string(battleID)}); err != nil {
		return err
	}
	g.dropRoom(battleID)
	return nil
}
