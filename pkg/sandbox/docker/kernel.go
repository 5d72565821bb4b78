package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nstogner/sandboxchat/pkg/sandbox"
)

const healthTimeout = 120 * time.Second

// kernelClient speaks the sandbox image's HTTP protocol:
//
//	GET  /healthz
//	POST /tools:run_cell {"code": "..."}
type kernelClient struct {
	http *http.Client
}

func newKernelClient(hc *http.Client) *kernelClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &kernelClient{http: hc}
}

type runCellResponse struct {
	Results []sandbox.Result `json:"results"`
	Logs    struct {
		Stdout []string `json:"stdout"`
		Stderr []string `json:"stderr"`
	} `json:"logs"`
	Error *sandbox.ExecutionError `json:"error"`
}

func (k *kernelClient) runCell(ctx context.Context, endpoint, code string) (*sandbox.Outcome, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/tools:run_cell", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling kernel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox error %d: %s", resp.StatusCode, string(b))
	}

	var res runCellResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding kernel response: %w", err)
	}

	return &sandbox.Outcome{
		Results: res.Results,
		Stdout:  res.Logs.Stdout,
		Stderr:  res.Logs.Stderr,
		Error:   res.Error,
	}, nil
}

func (k *kernelClient) waitForHealth(ctx context.Context, endpoint string) error {
	// Initial startup can be slow while the kernel boots.
	timeoutCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox health")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, endpoint+"/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := k.http.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
