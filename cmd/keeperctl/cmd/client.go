package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/modelkeeper/cmd/keeper/router"
	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/cycle"
	"github.com/HatiCode/modelkeeper/pkg/httpx"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
)

// Client calls the keeper's operator API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API at base.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: httpx.NewClient(timeout)}
}

// Promote calls POST /promote. A refused promotion returns the validation
// results together with an *httpx.APIError.
func (c *Client) Promote(ctx context.Context, force bool) (cycle.PromoteResult, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}

	resp, err := c.do(ctx, http.MethodPost, "/promote", q)
	if err != nil {
		return cycle.PromoteResult{}, err
	}
	if resp.StatusCode == http.StatusConflict {
		defer resp.Body.Close()
		var body router.PromoteNotPassed
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return cycle.PromoteResult{}, &httpx.APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return cycle.PromoteResult{Validation: body.Validation},
			&httpx.APIError{StatusCode: resp.StatusCode, Message: body.Error, Kind: body.Kind}
	}

	var res cycle.PromoteResult
	return res, httpx.DecodeResponse(resp, &res)
}

// Rollback calls POST /rollback. Zero restores the latest snapshot.
func (c *Client) Rollback(ctx context.Context, snapshotID int64) (promotion.RollbackResult, error) {
	q := url.Values{}
	if snapshotID > 0 {
		q.Set("snapshot", strconv.FormatInt(snapshotID, 10))
	}
	var res promotion.RollbackResult
	return res, c.call(ctx, http.MethodPost, "/rollback", q, &res)
}

// Prune calls POST /prune.
func (c *Client) Prune(ctx context.Context, retain int) ([]int64, error) {
	q := url.Values{"retain": {strconv.Itoa(retain)}}
	var res router.PruneResponse
	return res.Deleted, c.call(ctx, http.MethodPost, "/prune", q, &res)
}

// Production calls GET /production.
func (c *Client) Production(ctx context.Context) (promotion.Report, error) {
	var res promotion.Report
	return res, c.call(ctx, http.MethodGet, "/production", nil, &res)
}

// Backups calls GET /backups.
func (c *Client) Backups(ctx context.Context) ([]artifacts.Snapshot, error) {
	var res []artifacts.Snapshot
	return res, c.call(ctx, http.MethodGet, "/backups", nil, &res)
}

// LatestReport calls GET /reports/latest.
func (c *Client) LatestReport(ctx context.Context) (report.CycleReport, error) {
	var res report.CycleReport
	return res, c.call(ctx, http.MethodGet, "/reports/latest", nil, &res)
}

// Reports calls GET /reports.
func (c *Client) Reports(ctx context.Context, limit int) ([]report.CycleReport, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var res []report.CycleReport
	return res, c.call(ctx, http.MethodGet, "/reports", q, &res)
}

// RequestCycle calls POST /cycles and returns once the request is queued.
func (c *Client) RequestCycle(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/cycles", nil, nil)
}

// RunCycle calls POST /cycles?wait=true and returns the cycle report.
func (c *Client) RunCycle(ctx context.Context) (report.CycleReport, error) {
	var res report.CycleReport
	return res, c.call(ctx, http.MethodPost, "/cycles", url.Values{"wait": {"true"}}, &res)
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (router.StatusResponse, error) {
	var res router.StatusResponse
	return res, c.call(ctx, http.MethodGet, "/status", nil, &res)
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, v any) error {
	resp, err := c.do(ctx, method, path, q)
	if err != nil {
		return err
	}
	return httpx.DecodeResponse(resp, v)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
