// Package server serves turn-taking sessions over WebSocket: each
// connection gets its own classifier, pipeline and orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/connection"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
	"github.com/realtime-ai/turntaking/pkg/turn"
	"github.com/realtime-ai/turntaking/pkg/vad"
	"golang.org/x/sync/errgroup"
)

// ClassifierFactory creates the classifier for a new session. The session
// destroys it on close.
type ClassifierFactory func() (vad.Classifier, error)

// PipelineFactory creates the conversation pipeline for a new session.
type PipelineFactory func(ctx context.Context, sessionID string) (pipeline.ConversationPipeline, error)

// Config holds the configuration for the server.
type Config struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string

	// Path is the WebSocket endpoint path (e.g., "/v1/turns").
	Path string

	// AuthToken is the bearer token for authentication.
	// If empty, authentication is disabled.
	AuthToken string

	// Encoding of inbound client audio.
	Encoding audio.Encoding

	// Session is applied to every session.
	Session SessionConfig

	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	// MetricsHandler, if set, is served at /metrics.
	MetricsHandler http.Handler
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Path:            "/v1/turns",
		Encoding:        audio.EncodingPCM16,
		Session:         SessionConfig{Turn: turn.DefaultConfig(), Pace: true, PrebufferFrames: 3},
		ShutdownTimeout: 5 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Server accepts WebSocket clients and runs one Session per connection.
type Server struct {
	cfg           Config
	newClassifier ClassifierFactory
	newPipeline   PipelineFactory

	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader

	// Sessions outlive the upgrade request, so they hang off this context.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. Zero fields of cfg take their defaults.
func New(cfg Config, classifiers ClassifierFactory, pipelines PipelineFactory) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Encoding == "" {
		cfg.Encoding = def.Encoding
	}
	if cfg.Session.Turn == (turn.Config{}) {
		cfg.Session.Turn = def.Session.Turn
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		newClassifier: classifiers,
		newPipeline:   pipelines,
		sessions:      make(map[string]*Session),
		mux:           http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if cfg.MetricsHandler != nil {
		s.mux.Handle("/metrics", cfg.MetricsHandler)
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// session and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[WSServer] listening on %s%s", ln.Addr(), s.cfg.Path)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close closes every open session. New connections are refused afterwards.
func (s *Server) Close() {
	s.cancel()

	s.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessionsMu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(authHeader, "Bearer ") == s.cfg.AuthToken
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WSServer] WebSocket upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	session, err := s.newSession(id, ws)
	if err != nil {
		log.Printf("[WSServer] session %s: %v", id, err)
		ws.WriteJSON(connection.Notice{Type: connection.NoticeError, SessionID: id, Error: "session could not be created"})
		ws.Close()
		return
	}

	s.registerSession(session)
	if err := session.Start(); err != nil {
		log.Printf("[WSServer] session %s: failed to start: %v", id, err)
		session.Close()
	}
}

func (s *Server) newSession(id string, ws *websocket.Conn) (*Session, error) {
	classifier, err := s.newClassifier()
	if err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}
	pipe, err := s.newPipeline(s.ctx, id)
	if err != nil {
		classifier.Destroy()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	wsCfg := connection.DefaultWebSocketConfig()
	wsCfg.Encoding = s.cfg.Encoding
	wsCfg.SampleRate = s.cfg.Session.Turn.SampleRate
	conn := connection.NewWebSocketConnection(id, ws, wsCfg)

	session, err := NewSession(s.ctx, id, conn, classifier, pipe, s.cfg.Session)
	if err != nil {
		classifier.Destroy()
		return nil, err
	}
	return session, nil
}

func (s *Server) registerSession(session *Session) {
	session.onClose = s.unregisterSession

	s.sessionsMu.Lock()
	s.sessions[session.ID()] = session
	s.sessionsMu.Unlock()
}

func (s *Server) unregisterSession(session *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, session.ID())
	s.sessionsMu.Unlock()
}
