package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/pkg/models"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionLookup returns the session if actor may watch it
type SessionLookup func(ctx context.Context, actor, sessionID string) (*models.Session, error)

// Server upgrades HTTP requests to websockets carrying live output
type Server struct {
	hub    *Hub
	lookup SessionLookup
	logger *zerolog.Logger
}

// NewServer creates a websocket output server
func NewServer(hub *Hub, lookup SessionLookup, logger *zerolog.Logger) *Server {
	return &Server{
		hub:    hub,
		lookup: lookup,
		logger: logger,
	}
}

// HandleOutput streams output for sessionID to the client. The error return
// reports failures that happen before the upgrade, so the caller can still
// answer with a normal HTTP error.
func (s *Server) HandleOutput(w http.ResponseWriter, r *http.Request, actor, sessionID string) error {
	// Subscribe before reading the session so no chunk falls in between.
	chunks, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	sess, err := s.lookup(r.Context(), actor, sessionID)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to upgrade output connection")
		return nil
	}
	defer conn.Close()

	log := s.logger.With().Str("session_id", sessionID).Logger()
	log.Debug().Msg("output client connected")

	if !sess.ExecutionStatus.InProgress() {
		if sess.Output != "" {
			s.write(conn, []byte(sess.Output))
		}
		s.closeNormally(conn)
		return nil
	}

	// Reads only serve to notice the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("output client read error")
				}
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				s.closeNormally(conn)
				log.Debug().Msg("output stream finished")
				return nil
			}
			if err := s.write(conn, chunk); err != nil {
				log.Debug().Err(err).Msg("failed to write output chunk")
				return nil
			}
		case <-gone:
			log.Debug().Msg("output client disconnected")
			return nil
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
