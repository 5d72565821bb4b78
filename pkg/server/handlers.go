package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/nstogner/sandboxchat/pkg/conversation"
	"github.com/nstogner/sandboxchat/pkg/domain"
)

const maxUploadBytes = 64 << 20

type messageRequest struct {
	Content string `json:"content"`
}

type previewResponse struct {
	Ready bool   `json:"ready"`
	URL   string `json:"url,omitempty"`
}

// --- Turns ---

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	res, err := s.runTurn(r.Context(), domain.NewUserText(req.Content))
	if err != nil {
		s.errorResponse(w, turnErrorStatus(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := s.chat.Transcript()
	if entries == nil {
		entries = []domain.TranscriptEntry{}
	}
	s.jsonResponse(w, http.StatusOK, entries)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	var uploads []conversation.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
		uploads = append(uploads, conversation.Upload{Name: fh.Filename, Data: data})
	}
	if len(uploads) == 0 {
		s.errorResponse(w, http.StatusBadRequest, errors.New("no files in form field \"files\""))
		return
	}

	s.turnMu.Lock()
	remotes, err := s.chat.AttachFiles(r.Context(), uploads)
	s.turnMu.Unlock()
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string][]string{"paths": remotes})
}

// --- Artifacts ---

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	path, ok := s.artifacts.Chart()
	if !ok {
		s.errorResponse(w, http.StatusNotFound, errors.New("no chart available"))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	names, err := s.artifacts.Downloads()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.jsonResponse(w, http.StatusOK, names)
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	path, err := s.artifacts.DownloadPath(r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	resp := previewResponse{Ready: s.artifacts.Ready()}
	if resp.Ready {
		resp.URL = fmt.Sprintf("http://localhost:%d/", s.previewPort)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func turnErrorStatus(err error) int {
	var turnErr *conversation.TurnError
	if errors.As(err, &turnErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
