// Package server exposes the chat protocol over a WebSocket endpoint
// plus JSON routes for session management and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/coreonhq/coreon-go/chat"
	"github.com/coreonhq/coreon-go/core"
)

// Config holds server configuration.
type Config struct {
	// Chat drives the turns. Required.
	Chat *chat.Session

	// CheckOrigin overrides the upgrade origin check. Default accepts
	// every origin.
	CheckOrigin func(*http.Request) bool
}

// Server routes chat turns from WebSocket clients to a chat.Session.
//
// Routes:
//
//	GET  /ws        WebSocket turn protocol
//	GET  /sessions  list stored sessions
//	POST /sessions  create a stored session
//	GET  /healthz   liveness probe
type Server struct {
	chat     *chat.Session
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a server around cfg.Chat.
func New(cfg Config) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("server: chat session is required")
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		chat: cfg.Chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/sessions", s.handleSessions)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	log.Printf("[SERVER] Listening on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// wireRequest is one client turn over the socket.
type wireRequest struct {
	Content    string `json:"content"`
	SessionID  string `json:"session_id,omitempty"`
	Model      string `json:"model,omitempty"`
	EmbedModel string `json:"embed_model,omitempty"`
	K          int    `json:"k,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

// wireChunk is one server frame. The terminal frame carries the session
// id so volatile callers can keep their thread.
type wireChunk struct {
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var req wireRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[SERVER] Read failed: %v", err)
			}
			return
		}
		s.serveTurn(r.Context(), conn, req)
	}
}

// serveTurn runs one turn and writes its frames. Turn errors go to the
// client as an error frame; a failed write surfaces as a closed socket
// on the next read.
func (s *Server) serveTurn(ctx context.Context, conn *websocket.Conn, req wireRequest) {
	creq := chat.Request{
		Content:    req.Content,
		SessionID:  req.SessionID,
		Model:      req.Model,
		EmbedModel: req.EmbedModel,
		K:          req.K,
	}

	if !req.Stream {
		reply, err := s.chat.Chat(ctx, creq)
		if err != nil {
			writeError(conn, err)
			return
		}
		writeFrame(conn, wireChunk{Content: reply.Content, Done: true, SessionID: reply.SessionID, Model: reply.Model})
		return
	}

	reply, err := s.chat.ChatStream(ctx, creq, func(chunk chat.Chunk) error {
		if chunk.Done {
			// Terminal frame goes out below with session metadata.
			return nil
		}
		return conn.WriteJSON(wireChunk{Content: chunk.Content})
	})
	if err != nil {
		writeError(conn, err)
		return
	}
	writeFrame(conn, wireChunk{Done: true, SessionID: reply.SessionID, Model: reply.Model})
}

func writeFrame(conn *websocket.Conn, frame wireChunk) {
	if err := conn.WriteJSON(frame); err != nil {
		log.Printf("[SERVER] Write failed: %v", err)
	}
}

func writeError(conn *websocket.Conn, err error) {
	writeFrame(conn, wireChunk{Error: err.Error(), Done: true})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.chat.Engine().Sessions(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []core.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)

	case http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		sess, err := s.chat.Engine().CreateSession(r.Context(), body.Title)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, sess)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] Encode response: %v", err)
	}
}
