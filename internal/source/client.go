package source

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/resilience"
)

// Getter abstracts the retrying HTTP fetcher.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Client fetches paginated price records from the upstream reporting API.
// Cursors are numeric offsets encoded as strings; the empty cursor means
// the first page.
type Client struct {
	getter  Getter
	baseURL string
	apiKey  string
	timeout time.Duration
	breaker *resilience.CircuitBreaker
}

// NewClient creates an API client for the configured upstream.
func NewClient(cfg config.SourceConfig, g Getter) *Client {
	timeout := cfg.PageTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		getter:  g,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("upstream circuit state changed",
					zap.String("component", "source"),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// apiResponse is the upstream page envelope.
type apiResponse struct {
	Total   int         `json:"total"`
	Count   int         `json:"count"`
	Offset  int         `json:"offset"`
	Records []RawRecord `json:"records"`
}

// FetchPage fetches one page of records at the given cursor. Transient
// upstream failures are retried by the underlying fetcher; a 4xx response or
// an open circuit surfaces immediately and aborts the run.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error) {
	offset := 0
	if cursor != "" {
		var err error
		offset, err = parseOffset(cursor)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return c.getter.Get(ctx, c.pageURL(offset, pageSize))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "source: fetch page at offset %d", offset)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "source: decode page at offset %d", offset)
	}

	page := &Page{Records: resp.Records}
	if n := len(resp.Records); n > 0 && offset+n < resp.Total {
		page.Next = formatOffset(offset + n)
	}
	return page, nil
}

func (c *Client) pageURL(offset, pageSize int) string {
	q := url.Values{}
	if c.apiKey != "" {
		q.Set("api-key", c.apiKey)
	}
	q.Set("format", "json")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(pageSize))
	return c.baseURL + "?" + q.Encode()
}
