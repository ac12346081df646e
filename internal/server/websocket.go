package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployed behind an authenticating proxy
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"` // "execute" or "solve"
	Code    string `json:"code,omitempty"`
	Query   string `json:"query,omitempty"`
	Context any    `json:"context,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string           `json:"type"`
	Content string           `json:"content,omitempty"`
	Code    string           `json:"code,omitempty"`
	Result  *executeResponse `json:"result,omitempty"`
}

// wsConn serializes writes; output callbacks fire from the runner while the
// read loop may also reply.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	s    *Server
}

func (c *wsConn) send(v wsOutgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		c.s.logger.Error("websocket marshal", "error", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.s.logger.Debug("websocket write", "error", err)
	}
}

// streamWriter forwards each write as a typed websocket frame.
type streamWriter struct {
	c    *wsConn
	kind string
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.c.send(wsOutgoing{Type: w.kind, Content: string(p)})
	return len(p), nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	c := &wsConn{conn: conn, s: s}

	as, err := s.sessions.GetOrCreate(r.Context(), sess, s.cfg, s.registry)
	if err != nil {
		c.send(wsOutgoing{Type: "error", Content: fmt.Sprintf("initializing environment: %v", err)})
		return
	}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read", "error", err)
			}
			return
		}

		switch msg.Type {
		case "execute":
			s.wsExecute(c, as, sess, msg.Code)
		case "solve":
			s.wsSolve(c, as, sess, msg)
		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) wsExecute(c *wsConn, as *ActiveSession, sess *storage.Session, code string) {
	as.mu.Lock()
	defer as.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	as.Cancel = cancel
	defer func() {
		cancel()
		as.Cancel = nil
	}()

	stream := repl.WithStream(streamWriter{c, "stdout"}, streamWriter{c, "stderr"})
	resp, err := s.execute(ctx, sess, as, code, stream)
	if err != nil {
		c.send(wsOutgoing{Type: "error", Content: err.Error()})
		return
	}
	c.send(wsOutgoing{Type: "result", Result: resp})
}

func (s *Server) wsSolve(c *wsConn, as *ActiveSession, sess *storage.Session, msg wsIncoming) {
	if as.Driver == nil {
		c.send(wsOutgoing{Type: "error", Content: "solve requires a session of kind rlm"})
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	as.Cancel = cancel
	defer func() {
		cancel()
		as.Cancel = nil
	}()

	answer, err := s.solve(ctx, sess, as, msg.Context, msg.Query, func(as *ActiveSession) {
		record := as.Driver.OnResult
		as.Driver.OnTextDelta = func(delta string) {
			c.send(wsOutgoing{Type: "text_delta", Content: delta})
		}
		as.Driver.OnExecute = func(code string) {
			c.send(wsOutgoing{Type: "execute", Code: code})
		}
		as.Driver.OnResult = func(code string, res *repl.Result, err error) {
			record(code, res, err)
			resp := &executeResponse{Result: res}
			if err != nil {
				resp.Error = newErrorInfo(err)
			}
			c.send(wsOutgoing{Type: "result", Code: code, Result: resp})
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.send(wsOutgoing{Type: "error", Content: "interrupted"})
		} else {
			c.send(wsOutgoing{Type: "error", Content: err.Error()})
		}
		return
	}
	c.send(wsOutgoing{Type: "done", Content: answer})
}
