package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/turn"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxWSMessage  = maxJSONBody
	pendingFrames = 4
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// chatWebSocket accepts one chat request per text message and answers with
// the same event objects as the SSE stream, one frame per event. Turns run
// one after another; a closed connection cancels the running turn.
func (s *Server) chatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("server: websocket upgrade failed", "err", err)
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan turn.Request, pendingFrames)
	go func() {
		defer cancel()
		defer close(requests)
		s.readRequests(ctx, c, requests)
	}()
	go s.keepAlive(ctx, c)

	log := observe.Logger(ctx)
	for req := range requests {
		_, err := s.deps.Engine.Stream(ctx, req, turn.TransportWebSocket, func(ev turn.Event) error {
			return c.writeJSON(ev)
		})
		switch {
		case err == nil:
		case errors.Is(err, turn.ErrInvalidRequest):
			if werr := c.writeJSON(errorBody{Error: err.Error()}); werr != nil {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			log.Warn("server: websocket turn failed", "err", err)
		}
	}
}

// readRequests decodes incoming frames until the connection fails. Frames
// that are not valid requests are answered with an error object.
func (s *Server) readRequests(ctx context.Context, c *wsConn, out chan<- turn.Request) {
	conn := c.conn
	conn.SetReadLimit(maxWSMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				observe.Logger(ctx).Debug("server: websocket read failed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		var req turn.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			if c.writeJSON(errorBody{Error: "invalid JSON: " + err.Error()}) != nil {
				return
			}
			continue
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, c *wsConn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
