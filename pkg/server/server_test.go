package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/sandboxchat/pkg/conversation"
	"github.com/nstogner/sandboxchat/pkg/domain"
	"github.com/nstogner/sandboxchat/pkg/workspace"
)

type fakeChat struct {
	inputs  []string
	uploads []conversation.Upload
	err     error
	history []domain.TranscriptEntry
}

func (f *fakeChat) Send(ctx context.Context, input domain.UserMessage) (*conversation.TurnResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := input.Text()
	f.inputs = append(f.inputs, text)
	entries := []domain.TranscriptEntry{
		{Role: domain.RoleUser, Parts: []domain.TranscriptPart{{Kind: "text", Value: text}}},
		{Role: domain.RoleAssistant, Parts: []domain.TranscriptPart{{Kind: "text", Value: "echo: " + text}}},
	}
	f.history = append(f.history, entries...)
	return &conversation.TurnResult{
		ID:        "turn-1",
		Status:    conversation.StatusCompleted,
		Entries:   entries,
		FinalText: "echo: " + text,
		Rounds:    1,
	}, nil
}

func (f *fakeChat) Transcript() []domain.TranscriptEntry { return f.history }

func (f *fakeChat) AttachFiles(ctx context.Context, files []conversation.Upload) ([]string, error) {
	f.uploads = append(f.uploads, files...)
	var remotes []string
	for _, u := range files {
		remotes = append(remotes, "/home/user/"+u.Name)
	}
	return remotes, nil
}

func newTestServer(t *testing.T) (*fakeChat, *workspace.Dir, *httptest.Server) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	chat := &fakeChat{}
	ts := httptest.NewServer(New(chat, ws, 3000).Handler())
	t.Cleanup(ts.Close)
	return chat, ws, ts
}

func TestSendMessage(t *testing.T) {
	chat, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"content":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res conversation.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, conversation.StatusCompleted, res.Status)
	assert.Equal(t, "echo: hello", res.FinalText)
	assert.Equal(t, []string{"hello"}, chat.inputs)

	resp, err = http.Get(ts.URL + "/api/transcript")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []domain.TranscriptEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 2)
}

func TestSendMessageValidation(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"content":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessageTurnError(t *testing.T) {
	chat, _, ts := newTestServer(t)
	chat.err = &conversation.TurnError{TurnID: "t", State: conversation.StateModelReasoning, Err: errors.New("overloaded")}

	resp, err := http.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "overloaded")
}

func TestUpload(t *testing.T) {
	chat, _, ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "data.csv")
	require.NoError(t, err)
	fw.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/uploads", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"/home/user/data.csv"}, out["paths"])
	require.Len(t, chat.uploads, 1)
	assert.Equal(t, "a,b\n1,2\n", string(chat.uploads[0].Data))
}

func TestArtifacts(t *testing.T) {
	_, ws, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/chart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = ws.SaveChart([]byte("\x89PNG"))
	require.NoError(t, err)
	resp, err = http.Get(ts.URL + "/api/chart")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "\x89PNG", string(body))

	_, err = ws.SaveDownload("report.txt", []byte("done"))
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/downloads")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	resp.Body.Close()
	assert.Equal(t, []string{"report.txt"}, names)

	resp, err = http.Get(ts.URL + "/api/downloads/report.txt")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "done", string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "report.txt")
}

func TestPreview(t *testing.T) {
	_, ws, ts := newTestServer(t)

	var out previewResponse
	resp, err := http.Get(ts.URL + "/api/preview")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.False(t, out.Ready)

	require.NoError(t, ws.MarkReady())
	resp, err = http.Get(ts.URL + "/api/preview")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.True(t, out.Ready)
	assert.Equal(t, "http://localhost:3000/", out.URL)
	_, err = os.Stat(filepath.Join(ws.Root(), workspace.ReadyFlagFile))
	assert.NoError(t, err)
}

func TestChatWebSocket(t *testing.T) {
	_, _, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame chatFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "history", frame.Type)

	require.NoError(t, conn.WriteJSON(messageRequest{Content: "plot it"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "turn", frame.Type)
	require.NotNil(t, frame.Result)
	assert.Equal(t, "echo: plot it", frame.Result.FinalText)
}
