package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether the backend is reachable. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber issues HEAD requests against a health URL. Any response below 500 counts as
// reachable since auth or routing errors still prove the network path works.
type HTTPProber struct {
	client    *http.Client
	url       string
	userAgent string
}

func NewHTTPProber(url string, timeout time.Duration, userAgent string) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{
		client:    &http.Client{Timeout: timeout},
		url:       url,
		userAgent: userAgent,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
