package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/keelhost/keel/pkg/types"
)

// HTTPChecker probes an HTTP endpoint inside the container. Any status in
// [StatusMin, StatusMax] counts as healthy.
type HTTPChecker struct {
	URL       string
	Method    string
	Headers   map[string]string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker probes url with GET, accepting 200-399. A zero timeout
// defaults to 10s.
func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodGet,
		Headers:   make(map[string]string),
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.StatusMin, h.StatusMax)
	}
	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

func (h *HTTPChecker) Type() types.HealthCheckType { return types.HealthCheckHTTP }
