package reconciler

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPProbe verifies artifact URLs with a HEAD request, falling back to GET
// for hosts that reject HEAD. No client-level timeout: the outbound executor
// bounds every probe through its per-attempt context.
type HTTPProbe struct {
	http *http.Client
}

func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{http: &http.Client{}}
}

func (p *HTTPProbe) Probe(ctx context.Context, rawURL string) error {
	status, err := p.request(ctx, http.MethodHead, rawURL)
	if err != nil {
		return err
	}
	if status == http.StatusMethodNotAllowed {
		status, err = p.request(ctx, http.MethodGet, rawURL)
		if err != nil {
			return err
		}
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("artifact fetch returned status %d", status)
	}
	return nil
}

func (p *HTTPProbe) request(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
