// Package oracle fetches mark prices and market resolutions from the
// external feeds, and generates synthetic marks when the price feed has
// nothing for an open market.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/paper-ledger/internal/model"
)

// PriceFeed returns the latest marks for a set of market ids.
type PriceFeed interface {
	Prices(ctx context.Context, marketIDs []string) (model.MarkSnapshot, error)
}

// ResolutionFeed returns the markets among ids that have resolved.
type ResolutionFeed interface {
	Resolutions(ctx context.Context, marketIDs []string) ([]model.Resolution, error)
}

const (
	// DefaultBatchSize is the largest id list the feeds accept per request.
	DefaultBatchSize = 50
	defaultTimeout   = 8 * time.Second
)

// Client talks to the price and resolution feeds over HTTP. Ids are sent in
// batches; every request waits on a shared rate limiter. Any transport,
// status or decoding failure is reported as model.ErrUpstreamUnavailable.
type Client struct {
	priceURL      string
	resolutionURL string
	httpClient    *http.Client
	limiter       *rate.Limiter
	batchSize     int
	timeout       time.Duration
	log           *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBatchSize sets how many ids go into one request.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithTimeout bounds one Prices or Resolutions call, all batches included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// New creates a feed client. An empty URL disables that feed: calls to it
// fail with model.ErrUpstreamUnavailable.
func New(priceURL, resolutionURL string, opts ...Option) *Client {
	c := &Client{
		priceURL:      priceURL,
		resolutionURL: resolutionURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(5), 5),
		batchSize:     DefaultBatchSize,
		timeout:       defaultTimeout,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type priceResponse struct {
	Prices map[string]struct {
		Yes        *decimal.Decimal `json:"yes"`
		No         *decimal.Decimal `json:"no"`
		LastUpdate string           `json:"lastUpdate"`
	} `json:"prices"`
}

type resolutionResponse struct {
	ResolvedMarkets []struct {
		MarketID       string  `json:"marketId"`
		WinningOutcome *string `json:"winningOutcome"`
	} `json:"resolvedMarkets"`
}

// Prices fetches marks for ids. Entries missing a side or priced outside
// [0, 1] are skipped. On failure the marks gathered from earlier batches
// are returned together with the error.
func (c *Client) Prices(ctx context.Context, marketIDs []string) (model.MarkSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	marks := make(model.MarkSnapshot, len(marketIDs))
	for _, batch := range batches(marketIDs, c.batchSize) {
		var resp priceResponse
		if err := c.get(ctx, c.priceURL, batch, &resp); err != nil {
			return marks, err
		}
		for id, p := range resp.Prices {
			if !validPrice(p.Yes) || !validPrice(p.No) {
				c.log.Debug("ignoring incomplete price", "market", id)
				continue
			}
			observed, err := time.Parse(time.RFC3339, p.LastUpdate)
			if err != nil {
				observed = time.Now().UTC()
			}
			marks[id] = model.MarkPrice{Yes: *p.Yes, No: *p.No, ObservedAt: observed}
		}
	}
	return marks, nil
}

// Resolutions fetches the resolved markets among ids. Entries without a
// YES or NO winning outcome are skipped.
func (c *Client) Resolutions(ctx context.Context, marketIDs []string) ([]model.Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []model.Resolution
	for _, batch := range batches(marketIDs, c.batchSize) {
		var resp resolutionResponse
		if err := c.get(ctx, c.resolutionURL, batch, &resp); err != nil {
			return out, err
		}
		for _, r := range resp.ResolvedMarkets {
			if r.WinningOutcome == nil || r.MarketID == "" {
				continue
			}
			outcome := model.Outcome(strings.ToUpper(strings.TrimSpace(*r.WinningOutcome)))
			if !outcome.Valid() {
				c.log.Debug("ignoring resolution with unknown outcome", "market", r.MarketID, "outcome", *r.WinningOutcome)
				continue
			}
			out = append(out, model.Resolution{MarketID: r.MarketID, WinningOutcome: outcome})
		}
	}
	return out, nil
}

func validPrice(p *decimal.Decimal) bool {
	return p != nil && !p.IsNegative() && p.LessThanOrEqual(decimal.NewFromInt(1))
}

// get issues GET base?ids=a,b and decodes the JSON body into v.
func (c *Client) get(ctx context.Context, base string, ids []string, v any) error {
	if base == "" {
		return fmt.Errorf("feed url not configured: %w", model.ErrUpstreamUnavailable)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %v: %w", err, model.ErrUpstreamUnavailable)
	}

	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parse feed url: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feed returned %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	return nil
}

func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
