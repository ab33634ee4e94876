package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCaller talks to a hosted analytics API (Dune-style) over HTTP. Each
// query posts the method name and parameters and expects a JSON array of
// rows back.
type HTTPCaller struct {
	base   string
	apiKey string
	client *http.Client
}

var _ Caller = (*HTTPCaller)(nil)

// NewHTTPCaller constructs a caller for the given base URL. The client
// timeout is a backstop only; the scheduler bounds each job with a context
// deadline.
func NewHTTPCaller(base, apiKey string) *HTTPCaller {
	return &HTTPCaller{
		base:   base,
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type httpQueryRequest struct {
	Method string            `json:"method"`
	Params map[string]string `json:"params,omitempty"`
}

type httpQueryResponse struct {
	Rows  json.RawMessage `json:"rows"`
	Error string          `json:"error,omitempty"`
}

// Query posts the query and decodes the row payload.
func (c *HTTPCaller) Query(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	body, err := json.Marshal(httpQueryRequest{Method: method, Params: params})
	if err != nil {
		return nil, &QueryError{Method: method, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, &QueryError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &QueryError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &QueryError{Method: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &QueryError{Method: method, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}
	var decoded httpQueryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &QueryError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Error != "" {
		return nil, &QueryError{Method: method, Err: fmt.Errorf("backend error: %s", decoded.Error)}
	}
	return decoded.Rows, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
