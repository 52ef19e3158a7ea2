package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/gateway"
)

const apiTimeout = 15 * time.Second

// apiClient talks to the server's /api/v1 routes.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg cliConfig) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(cfg.Server, "/") + "/api/v1",
		token: cfg.Token,
		http:  &http.Client{Timeout: apiTimeout},
	}
}

// apiError is a non-2xx answer.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

func (c *apiClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &body) != nil {
			body.Detail = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Detail: body.Detail}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *apiClient) listSessions(ctx context.Context) ([]gateway.SessionInfo, error) {
	var body struct {
		Sessions []gateway.SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

func (c *apiClient) killSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil)
}

func (c *apiClient) sessionHistory(ctx context.Context, limit int) ([]database.SessionRecord, error) {
	var body struct {
		Sessions []database.SessionRecord `json:"sessions"`
	}
	path := "/sessions/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}
