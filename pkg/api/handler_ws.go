package api

import (
	"context"
	"encoding/json"

	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// writeTimeout bounds one event write to a slow WebSocket client.
const writeTimeout = 10 * time.Second

// wsHandler handles GET /ws: a live feed of run events. An optional
// session_id query parameter narrows the feed to one session;
// otherwise the client sees every session's events.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{}
	if len(s.serverCfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.serverCfg.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sessionID := c.QueryParam("session_id")
	sub := s.hub.Subscribe(sessionID)
	defer s.hub.Unsubscribe(sub)
	s.logger.Info("WebSocket client connected", "session_id", sessionID)

	// CloseRead pumps incoming frames (we expect none) and cancels the
	// context when the client goes away.
	ctx := conn.CloseRead(c.Request().Context())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("WebSocket client disconnected", "session_id", sessionID)
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}
