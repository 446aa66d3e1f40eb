package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

// TradeCounter reports how many trades have been recorded so far.
type TradeCounter interface {
	Count(ctx context.Context) (int64, error)
}

// DefaultTradeKey is the sorted set the trading agent appends closed trades to.
const DefaultTradeKey = "exits"

// RedisCounter counts the members of a Redis sorted set.
type RedisCounter struct {
	client *redis.Client
	key    string
}

// NewRedisCounter counts members of key. An empty key uses DefaultTradeKey.
func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	if key == "" {
		key = DefaultTradeKey
	}
	return &RedisCounter{client: client, key: key}
}

// Count implements TradeCounter.
func (c *RedisCounter) Count(ctx context.Context) (int64, error) {
	n, err := c.client.ZCard(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", c.key, err)
	}
	return n, nil
}

// HTTPCounter reads the trade count from a JSON endpoint.
//
// Example configuration for a stats endpoint returning {"data":{"trades":{"total":6200}}}:
//
//	counter := &HTTPCounter{
//	    URL:       "http://agent:8080/stats",
//	    CountPath: "data.trades.total",
//	    Headers:   map[string]string{"Authorization": "Bearer token"},
//	}
type HTTPCounter struct {
	// URL is the endpoint to call (required).
	URL string

	// Method defaults to GET.
	Method string

	// Headers are added to every request.
	Headers map[string]string

	// CountPath is the gjson path of the count in the response (required).
	CountPath string

	// HTTPClient is optional; if nil a client with a 10s timeout is used.
	HTTPClient *http.Client
}

// Count implements TradeCounter.
func (h *HTTPCounter) Count(ctx context.Context) (int64, error) {
	if h.URL == "" {
		return 0, errors.New("http counter: URL is required")
	}
	if h.CountPath == "" {
		return 0, errors.New("http counter: CountPath is required")
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}
	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	v := gjson.GetBytes(body, h.CountPath)
	if !v.Exists() {
		return 0, fmt.Errorf("count path %q not found in response", h.CountPath)
	}
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("count path %q is not a number: %s", h.CountPath, v.Raw)
	}
	n := v.Int()
	if n < 0 {
		return 0, fmt.Errorf("negative trade count %d", n)
	}
	return n, nil
}

// StaticCounter returns a fixed count.
type StaticCounter struct {
	N   int64
	Err error
}

// Count implements TradeCounter.
func (s *StaticCounter) Count(ctx context.Context) (int64, error) {
	return s.N, s.Err
}
