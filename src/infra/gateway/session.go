package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lockgame/duelcore/src/domain/shared"
)

const maxMessageSize = 4096

// pingInterval must stay under pongTimeout so an answered ping always
// extends the read deadline before it expires. Variables so tests can
// shrink the keepalive window.
var (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// session is one authenticated websocket connection. Writes are
// serialized through mu because gorilla/websocket allows only one
// concurrent writer.
type session struct {
	playerID    shared.PlayerID
	displayName string
	conn        *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSession(playerID shared.PlayerID, displayName string, conn *websocket.Conn) *session {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return &session{
		playerID:    playerID,
		displayName: displayName,
		conn:        conn,
		done:        make(chan struct{}),
	}
}

func (s *session) send(event eventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(event)
}

func (s *session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// pingLoop keeps the session's read deadline from expiring between
// commands. Each ping the peer answers fires the pong handler set in
// newSession, which pushes the deadline out another pongTimeout.
func (s *session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}
