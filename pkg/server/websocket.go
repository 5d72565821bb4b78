package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nstogner/sandboxchat/pkg/conversation"
	"github.com/nstogner/sandboxchat/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// chatFrame is sent to websocket clients.
type chatFrame struct {
	Type   string                   `json:"type"` // "history", "turn" or "error"
	Result *conversation.TurnResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
	// Entries is the full transcript, sent once on connect.
	Entries []domain.TranscriptEntry `json:"entries,omitempty"`
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	// Initial sync
	if err := ws.WriteJSON(chatFrame{Type: "history", Entries: s.chat.Transcript()}); err != nil {
		slog.Error("Failed initial sync", "error", err)
		return
	}

	for {
		var msg messageRequest
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("WebSocket read error", "error", err)
			}
			return
		}
		if msg.Content == "" {
			continue
		}

		frame := chatFrame{Type: "turn"}
		res, err := s.runTurn(r.Context(), domain.NewUserText(msg.Content))
		if err != nil {
			frame = chatFrame{Type: "error", Error: err.Error()}
		} else {
			frame.Result = res
		}
		if err := ws.WriteJSON(frame); err != nil {
			slog.Error("WebSocket write error", "error", err)
			return
		}
	}
}
