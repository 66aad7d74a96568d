package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// defaultProbeURL answers 204 without a body, keeping probes cheap.
const defaultProbeURL = "https://www.google.com/generate_204"

// HTTPProber verifies a proxy by issuing a GET through it.
type HTTPProber struct {
	probeURL string
	timeout  time.Duration
}

// NewHTTPProber creates a prober. Zero values get defaults.
func NewHTTPProber(probeURL string, timeout time.Duration) *HTTPProber {
	if probeURL == "" {
		probeURL = defaultProbeURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{probeURL: probeURL, timeout: timeout}
}

// Probe implements Prober, returning the round-trip latency on success.
func (p *HTTPProber) Probe(ctx context.Context, prx Proxy) (time.Duration, error) {
	proxyURL, err := url.Parse(prx.URL)
	if err != nil {
		return 0, fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe through %s: %w", prx.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("probe through %s: status %d", prx.ID, resp.StatusCode)
	}
	return time.Since(start), nil
}
