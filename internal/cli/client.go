// Package cli is the HTTP client side of cakectl: typed calls against the
// API plus an offline queue for submissions made while the server is
// unreachable.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) CreateTeam(ctx context.Context, name string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/teams", map[string]any{"name": name}, &out, "", false)
	return out, err
}

func (c *Client) Team(ctx context.Context, team string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/teams/"+url.PathEscape(team), nil, &out, "", false)
	return out, err
}

func (c *Client) Inventory(ctx context.Context, team, category string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/teams/" + url.PathEscape(team) + "/inventory?category=" + url.QueryEscape(category)
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "", false)
	return out, err
}

func (c *Client) SubmitPrices(ctx context.Context, team string, round int, lines []map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/teams/" + url.PathEscape(team) + "/prices"
	err := c.jsonRequest(ctx, http.MethodPost, path, map[string]any{"round": round, "lines": lines}, &out, idem, false)
	return out, err
}

func (c *Client) PreviewDemand(ctx context.Context, team string, round int, lines []map[string]any) (map[string]any, error) {
	var out map[string]any
	path := "/v1/teams/" + url.PathEscape(team) + "/demand/preview"
	err := c.jsonRequest(ctx, http.MethodPost, path, map[string]any{"round": round, "lines": lines}, &out, "", false)
	return out, err
}

func (c *Client) SubmitPlan(ctx context.Context, team string, round int, lines []map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/teams/" + url.PathEscape(team) + "/plans"
	err := c.jsonRequest(ctx, http.MethodPost, path, map[string]any{"round": round, "lines": lines}, &out, idem, false)
	return out, err
}

func (c *Client) Invest(ctx context.Context, team string, ingredients, capacity map[string]float64, idem string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/teams/" + url.PathEscape(team) + "/investments"
	err := c.jsonRequest(ctx, http.MethodPost, path, map[string]any{
		"ingredients": ingredients,
		"capacity":    capacity,
	}, &out, idem, false)
	return out, err
}

func (c *Client) PriceHistory(ctx context.Context, team string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/teams/"+url.PathEscape(team)+"/prices", nil, &out, "", false)
	return out, err
}

func (c *Client) PlanHistory(ctx context.Context, team string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/teams/"+url.PathEscape(team)+"/plans", nil, &out, "", false)
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/leaderboard", nil, &out, "", false)
	return out, err
}

func (c *Client) Round(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/round", nil, &out, "", false)
	return out, err
}

func (c *Client) AdvanceRound(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/round/advance", map[string]any{}, &out, "", true)
	return out, err
}

func (c *Client) LockRound(ctx context.Context, locked bool) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/round/lock", map[string]any{"locked": locked}, &out, "", true)
	return out, err
}

func (c *Client) Finalize(ctx context.Context, round int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/finalize", map[string]any{"round": round}, &out, "", true)
	return out, err
}

// Replay posts a queued command verbatim.
func (c *Client) Replay(ctx context.Context, cmd Command) error {
	return c.jsonRequest(ctx, cmd.Method, cmd.Path, cmd.Body, nil, cmd.IdempotencyKey, false)
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string, admin bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		if c.AdminToken == "" {
			return fmt.Errorf("admin token required (set CAKESIM_ADMIN_TOKEN)")
		}
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
