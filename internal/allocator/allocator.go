package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable means the allocator returned no usable address within
// the retry budget. Callers fall back to the static address.
var ErrUnavailable = errors.New("address allocator unavailable")

type Client struct {
	url      string
	apiKey   string
	attempts int
	client   *http.Client
}

func NewClient(url, apiKey string, timeout time.Duration, attempts int) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		url:      url,
		apiKey:   apiKey,
		attempts: attempts,
		client:   &http.Client{Timeout: timeout},
	}
}

type newAddressResponse struct {
	Address string `json:"address"`
}

// NewAddress requests a fresh deposit address bound to the account.
func (c *Client) NewAddress(ctx context.Context, accountID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		address, err := c.request(ctx, accountID)
		if err == nil {
			return address, nil
		}
		lastErr = err
		zap.L().Warn("address allocation attempt failed",
			zap.String("account_id", accountID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) request(ctx context.Context, accountID string) (string, error) {
	body := strings.NewReader(`{"account":"` + accountID + `"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var payload newAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode address: %w", err)
	}
	if payload.Address == "" {
		return "", errors.New("empty address returned")
	}
	return payload.Address, nil
}
