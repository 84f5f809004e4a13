package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnavailable means no usable quote after the retry budget. Credit
// processing aborts on it so upstream webhook redelivery can retry.
var ErrUnavailable = errors.New("price oracle unavailable")

type Client struct {
	baseURL  string
	currency string
	attempts int
	client   *http.Client
}

func NewClient(baseURL, currency string, timeout time.Duration, attempts int) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:  baseURL,
		currency: currency,
		attempts: attempts,
		client:   &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	Price decimal.Decimal `json:"price"`
}

// Quote returns the current price of the base asset in the configured
// currency, retrying transient failures with exponential backoff.
func (c *Client) Quote(ctx context.Context) (decimal.Decimal, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		price, err := c.fetch(ctx)
		if err == nil {
			return price, nil
		}
		lastErr = err
		zap.L().Warn("price quote attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?currency="+url.QueryEscape(c.currency), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode quote: %w", err)
	}
	if payload.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.New("non-positive price")
	}
	return payload.Price, nil
}
