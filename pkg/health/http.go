package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultCheckTimeout = 10 * time.Second
	maxCheckBody        = 1 << 20
)

// HTTPChecker GETs a URL and hands the answer to Accept
type HTTPChecker struct {
	URL    string
	Header http.Header
	// Accept decides whether the response is healthy. The default accepts
	// any 2xx or 3xx status.
	Accept func(status int, body []byte) error
	Client *http.Client
}

// NewHTTPChecker creates a checker for url with a 10s client
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Header: http.Header{},
		Accept: acceptStatus(200, 399),
		Client: &http.Client{Timeout: defaultCheckTimeout},
	}
}

// NewHeartbeatChecker checks an ExApp's GET /heartbeat, which must answer
// 200 with {"status":"ok"}. A nil client gets the 10s default.
func NewHeartbeatChecker(exAppURL string, client *http.Client) *HTTPChecker {
	h := NewHTTPChecker(exAppURL + "/heartbeat")
	if client != nil {
		h.Client = client
	}
	h.Accept = acceptHeartbeat
	return h
}

// WithHeaders copies header into every check request
func (h *HTTPChecker) WithHeaders(header http.Header) *HTTPChecker {
	for key, values := range header {
		h.Header[key] = append([]string(nil), values...)
	}
	return h
}

// Check performs one GET
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := func(healthy bool, format string, args ...interface{}) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(false, "failed to create request: %v", err)
	}
	for key, values := range h.Header {
		req.Header[key] = values
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return result(false, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCheckBody))
	if err != nil {
		return result(false, "HTTP %d, failed to read body: %v", resp.StatusCode, err)
	}
	if err := h.Accept(resp.StatusCode, body); err != nil {
		return result(false, "HTTP %d: %v", resp.StatusCode, err)
	}
	return result(true, "HTTP %d", resp.StatusCode)
}

func acceptStatus(min, max int) func(int, []byte) error {
	return func(status int, _ []byte) error {
		if status < min || status > max {
			return fmt.Errorf("expected status %d-%d", min, max)
		}
		return nil
	}
}

func acceptHeartbeat(status int, body []byte) error {
	if status != http.StatusOK {
		return fmt.Errorf("expected status 200")
	}
	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("invalid heartbeat body: %w", err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("heartbeat status %q", reply.Status)
	}
	return nil
}
