package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nstogner/sandboxchat/pkg/conversation"
	"github.com/nstogner/sandboxchat/pkg/domain"
)

// Chat runs turns and exposes the transcript.
type Chat interface {
	Send(ctx context.Context, input domain.UserMessage) (*conversation.TurnResult, error)
	Transcript() []domain.TranscriptEntry
	AttachFiles(ctx context.Context, files []conversation.Upload) ([]string, error)
}

// Artifacts exposes the files a turn may leave behind.
type Artifacts interface {
	Chart() (string, bool)
	Ready() bool
	Downloads() ([]string, error)
	DownloadPath(name string) (string, error)
}

// Server serves the chat API.
type Server struct {
	chat        Chat
	artifacts   Artifacts
	previewPort int
	srv         *http.Server

	// turnMu serializes turns across HTTP and websocket clients.
	turnMu sync.Mutex
}

// New creates a new Server.
func New(chat Chat, artifacts Artifacts, previewPort int) *Server {
	s := &Server{
		chat:        chat,
		artifacts:   artifacts,
		previewPort: previewPort,
	}
	s.srv = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/transcript", s.handleTranscript)
	mux.HandleFunc("POST /api/uploads", s.handleUpload)

	// Artifacts
	mux.HandleFunc("GET /api/chart", s.handleChart)
	mux.HandleFunc("GET /api/downloads", s.handleListDownloads)
	mux.HandleFunc("GET /api/downloads/{name}", s.handleGetDownload)
	mux.HandleFunc("GET /api/preview", s.handlePreview)

	// WebSocket
	mux.HandleFunc("/api/chat", s.handleChatWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr

	slog.Info("Starting web server", "addr", addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) runTurn(ctx context.Context, input domain.UserMessage) (*conversation.TurnResult, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.chat.Send(ctx, input)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Local single-user host
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
