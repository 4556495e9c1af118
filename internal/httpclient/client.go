// Package httpclient provides the single blocking HTTP request primitive
// every upstream adapter dispatches through: a bounded-timeout GET that
// returns parsed JSON or a typed, never-panicking failure.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"streamvis/internal/domain"
)

// DefaultTimeout is the per-request ceiling for one HTTP dispatch.
const DefaultTimeout = 10 * time.Second

// Client wraps *http.Client with a request timeout and a token-bucket
// limiter capping outbound request rate independently of the scheduler's
// own 15 s floor.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// New returns a Client with the given timeout and a token-bucket limiter
// allowing at most one request per minInterval, bursting to burst.
func New(timeout time.Duration, minInterval time.Duration, burst int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(minInterval), burst),
	}
}

// GetJSON issues a blocking GET against url and decodes the response body
// into out. It never panics: transport failures and non-2xx/undecodable
// bodies are both returned as a wrapped domain.ErrTransport /
// domain.ErrSchema. out is untouched on a transport or status failure; a
// body that is valid JSON of the wrong shape may leave out partly filled.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", domain.ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", domain.ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", domain.ErrTransport, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSchema, err)
	}
	return nil
}
