// Package fetcher performs rate-limited HTTP fetches with bounded retries.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/agridata/mandisync/internal/resilience"
)

// Options configures the HTTP fetcher.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RatePerSec float64
	Burst      int
}

// HTTPFetcher wraps net/http with a rate limiter and a retry policy that
// retries transient failures (network errors, 408/429/5xx) and fails fast on
// client errors.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

// New creates an HTTPFetcher with the given options.
func New(opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mandisync/1.0"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RatePerSec)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		opts:    opts,
	}
}

// Get fetches the URL and returns the response body. Transient failures are
// retried up to MaxRetries attempts with exponential backoff; a 4xx response
// is terminal and returned immediately as a resilience.TerminalError.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = f.opts.MaxRetries
	cfg.OnRetry = resilience.RetryLogger("fetcher", "get")

	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return f.getOnce(ctx, rawURL)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}
	return body, nil
}

func (f *HTTPFetcher) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewTerminalError(eris.Wrap(err, "create request"), 0)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), resp.StatusCode)
		}
		return data, nil

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)

	default:
		return nil, resilience.NewTerminalError(
			eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	}
}
