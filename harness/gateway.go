package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quantslab/clmmlab/episode"
)

// HTTPGateway is a Gateway client for the exchange gateway's HTTP surface.
type HTTPGateway struct {
	base   string
	client *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway constructs a client for the gateway at base.
func NewHTTPGateway(base string) *HTTPGateway {
	return &HTTPGateway{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health probes GET /health and returns the round-trip latency.
func (g *HTTPGateway) Health(ctx context.Context) (float64, error) {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("gateway health: status %d", resp.StatusCode)
	}
	return float64(time.Since(started).Microseconds()) / 1000, nil
}

// Quote posts the request to /quote.
func (g *HTTPGateway) Quote(ctx context.Context, req QuoteRequest) (episode.QuoteResult, error) {
	var out episode.QuoteResult
	if err := g.post(ctx, "/quote", req, &out); err != nil {
		return episode.QuoteResult{}, err
	}
	return out, nil
}

// Execute posts the request to /execute.
func (g *HTTPGateway) Execute(ctx context.Context, req ExecuteRequest) (ExecutionReport, error) {
	var out ExecutionReport
	if err := g.post(ctx, "/execute", req, &out); err != nil {
		return ExecutionReport{}, err
	}
	return out, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s: status %d: %s", path, resp.StatusCode, truncate(raw, 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
