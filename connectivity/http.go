package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/seopilot/horosafe"
)

// maxHTTPResponseBody caps remote response reads (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// HTTPConfig tunes an HTTP handler.
type HTTPConfig struct {
	Timeout      time.Duration // per request; default 30s
	ContentType  string        // default application/json
	BearerToken  string        // sent as Authorization when set
	AllowPrivate bool          // skip the SSRF guard for localhost sidecars and tests
	Client       *http.Client  // overrides the default client
}

// HTTPHandler returns a Handler that POSTs the payload to endpoint and
// returns the response body. Non-2xx answers become *ErrStatus. The
// returned close function releases idle connections.
func HTTPHandler(endpoint string, cfg HTTPConfig) (Handler, func(), error) {
	if !cfg.AllowPrivate {
		if err := horosafe.ValidateURL(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: create request: %w", err)
		}
		req.Header.Set("Content-Type", cfg.ContentType)
		req.Header.Set("Accept", "application/json")
		if cfg.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := body
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			return nil, &ErrStatus{Code: resp.StatusCode, Body: string(snippet)}
		}
		return body, nil
	}

	return handler, client.CloseIdleConnections, nil
}
