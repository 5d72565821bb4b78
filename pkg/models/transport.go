package models

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/nstogner/sandboxchat/pkg/logging"
)

// LoggingTransport dumps provider HTTP traffic at logging.LevelTrace.
type LoggingTransport struct {
	Base     http.RoundTripper
	Provider string
	// APIKeyHeader, when set with APIKey, is added to requests that lack it.
	APIKeyHeader string
	APIKey       string
}

// NewHTTPClient returns an http.Client using a LoggingTransport.
func NewHTTPClient(provider, apiKeyHeader, apiKey string) *http.Client {
	return &http.Client{
		Transport: &LoggingTransport{
			Base:         http.DefaultTransport,
			Provider:     provider,
			APIKeyHeader: apiKeyHeader,
			APIKey:       apiKey,
		},
	}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// A custom http.Client bypasses some SDKs' automatic API key injection.
	if t.APIKeyHeader != "" && t.APIKey != "" && req.Header.Get(t.APIKeyHeader) == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set(t.APIKeyHeader, t.APIKey)
	}

	if !slog.Default().Enabled(req.Context(), logging.LevelTrace) {
		return base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump provider request", "provider", t.Provider, "error", err)
	} else {
		slog.Log(req.Context(), logging.LevelTrace, "Provider REST request", "provider", t.Provider, "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Don't consume streaming bodies.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump provider response", "provider", t.Provider, "error", err)
	} else {
		slog.Log(req.Context(), logging.LevelTrace, "Provider REST response", "provider", t.Provider, "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}
